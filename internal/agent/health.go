package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer is the agent's optional side listener: GET /healthz answers
// with the loop counters and GET /metrics serves the Prometheus registry.
// It is separate from the ingest path on purpose; the agent stays a pure
// client of the MiniSOC server.
type HealthServer struct {
	addr   string
	bound  string
	tailer *Tailer
	logger *slog.Logger

	srv *http.Server
}

// NewHealthServer builds the listener for addr (host:port). The registry
// may be nil, in which case /metrics answers 404.
func NewHealthServer(addr string, tailer *Tailer, reg *prometheus.Registry, logger *slog.Logger) *HealthServer {
	mux := http.NewServeMux()
	h := &HealthServer{addr: addr, tailer: tailer, logger: logger}
	mux.HandleFunc("/healthz", h.handleHealthz)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	h.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

// Start binds the address and serves in the background. A bind failure is
// returned synchronously so the daemon can fail fast on a bad config.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("agent: bind health listener %q: %w", h.addr, err)
	}
	h.bound = ln.Addr().String()
	h.logger.Info("agent: health listener up", slog.String("addr", h.bound))
	go func() {
		if serveErr := h.srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			h.logger.Warn("agent: health listener stopped", slog.String("error", serveErr.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (h *HealthServer) Addr() string {
	if h.bound != "" {
		return h.bound
	}
	return h.addr
}

// Close shuts the listener down immediately.
func (h *HealthServer) Close() error {
	return h.srv.Close()
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s := h.tailer.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"read":   s.Read,
		"parsed": s.Parsed,
		"sent":   s.Sent,
		"failed": s.Failed,
	})
}
