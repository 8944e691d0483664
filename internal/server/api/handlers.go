// Package api is the MiniSOC server's HTTP surface: the agent-facing
// ingest endpoint, operator read endpoints, health, and Prometheus
// exposition.
//
// # Ingest pipeline
//
// A validated event is persisted first, then archived to events.jsonl,
// then run through the detection engine; derived alerts are inserted
// idempotently and routed. Persistence failure aborts with a 500 before
// any downstream step — the server never silently drops a validated
// event. Archive and alert-side failures are logged and do not fail the
// request, because the event itself is already durable by then.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/minisoc/minisoc/internal/jsonl"
	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/server/alerting"
	"github.com/minisoc/minisoc/internal/server/detect"
	"github.com/minisoc/minisoc/internal/server/storage"
)

const (
	// maxIngestBody caps an ingest request; normalized events are a few
	// hundred bytes.
	maxIngestBody = 1 << 20

	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// Option adjusts server construction.
type Option func(*Server)

// WithArchive appends each ingested event's canonical JSON to the given
// writer.
func WithArchive(archive *jsonl.Writer) Option {
	return func(s *Server) { s.archive = archive }
}

// WithMetrics publishes pipeline counters; nil leaves them off.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server implements the HTTP handlers over storage, detection, and alert
// routing.
type Server struct {
	store   storage.Store
	engine  *detect.Engine
	alerts  *alerting.Router
	logger  *slog.Logger
	archive *jsonl.Writer
	metrics *Metrics
}

func NewServer(store storage.Store, engine *detect.Engine, alerts *alerting.Router, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:  store,
		engine: engine,
		alerts: alerts,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metricIngestDuration(time.Since(start)) }()

	var ev schema.NormalizedEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&ev); err != nil {
		s.metricRejected()
		s.logger.Warn("api: undecodable ingest body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	if err := ev.Validate(); err != nil {
		s.metricRejected()
		s.logger.Warn("api: event failed validation",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": schema.FieldErrors(err),
		})
		return
	}

	ctx := r.Context()
	if _, err := s.store.InsertEvents(ctx, []schema.NormalizedEvent{ev}); err != nil {
		s.logger.Error("api: persist event failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}
	s.metricIngested()
	s.archiveEvent(&ev)

	detections := s.engine.Process(&ev)
	for _, d := range detections {
		s.metricDetection(d.RuleID)
		alert := detect.ToAlert(d, ev.TS)
		if err := s.store.InsertAlert(ctx, alert); err != nil {
			s.logger.Warn("api: persist alert failed",
				slog.String("alert_id", alert.AlertID),
				slog.String("error", err.Error()),
			)
		}
		if s.alerts.Route(alert) {
			s.metricNotified()
		} else {
			s.metricSuppressed()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"event_id": ev.EventID.String(),
		"alerts":   len(detections),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.recentLimit(w, r)
	if !ok {
		return
	}
	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("api: recent events query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.recentLimit(w, r)
	if !ok {
		return
	}
	alerts, err := s.store.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("api: recent alerts query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}
	if alerts == nil {
		alerts = []schema.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// recentLimit resolves the ?limit query parameter: absent means the
// default, a non-integer or non-positive value is a 400, anything above
// the cap is clamped. The bool reports whether the request may proceed.
func (s *Server) recentLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRecentLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxRecentLimit {
		n = maxRecentLimit
	}
	return n, true
}

func (s *Server) archiveEvent(ev *schema.NormalizedEvent) {
	if s.archive == nil {
		return
	}
	if err := s.archive.AppendValue(ev); err != nil {
		s.logger.Warn("api: archive append failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON sets the content type before the status line so the header
// survives early flushes.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response failed", slog.String("error", err.Error()))
	}
}

// ── metrics helpers ──────────────────────────────────────────────────

func (s *Server) metricIngested() {
	if s.metrics != nil {
		s.metrics.EventsIngested.Inc()
	}
}

func (s *Server) metricRejected() {
	if s.metrics != nil {
		s.metrics.IngestRejected.Inc()
	}
}

func (s *Server) metricDetection(ruleID string) {
	if s.metrics != nil {
		s.metrics.Detections.WithLabelValues(ruleID).Inc()
	}
}

func (s *Server) metricNotified() {
	if s.metrics != nil {
		s.metrics.AlertsNotified.Inc()
	}
}

func (s *Server) metricSuppressed() {
	if s.metrics != nil {
		s.metrics.AlertsSuppressed.Inc()
	}
}

func (s *Server) metricIngestDuration(d time.Duration) {
	if s.metrics != nil {
		s.metrics.IngestDuration.Observe(d.Seconds())
	}
}
