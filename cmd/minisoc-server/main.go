// Command minisoc-server is the central MiniSOC server binary. It loads a
// YAML configuration file, opens the event store (SQLite by default,
// PostgreSQL when db_url is set), wires the detection engine and alert
// router behind the ingest HTTP API, and shuts down gracefully on SIGTERM
// or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minisoc/minisoc/internal/config"
	"github.com/minisoc/minisoc/internal/jsonl"
	"github.com/minisoc/minisoc/internal/server/alerting"
	"github.com/minisoc/minisoc/internal/server/api"
	"github.com/minisoc/minisoc/internal/server/detect"
	"github.com/minisoc/minisoc/internal/server/storage"
)

const (
	// eventsArchiveFile is the append-only archive written under jsonl_dir.
	eventsArchiveFile = "events.jsonl"

	// dedupeCacheFile lives next to the SQLite database so one data
	// directory holds all server state.
	dedupeCacheFile = "alerts_dedupe.txt"

	shutdownGrace = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "./configs/server.yaml", "path to the MiniSOC YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.SlogLevel())
	slog.SetDefault(logger)

	logger.Info("minisoc server starting",
		slog.String("config_path", *configPath),
		slog.String("addr", cfg.Server.Addr()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	store, err := storage.Open(ctx, cfg.Server.DBURL, cfg.Server.DBPath, logger)
	if err != nil {
		logger.Error("failed to open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	// ── Event archive ────────────────────────────────────────────────────────
	archive, err := jsonl.OpenWriter(filepath.Join(cfg.Server.JSONLDir, eventsArchiveFile))
	if err != nil {
		logger.Error("failed to open event archive", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer archive.Close()

	// ── Alert routing ────────────────────────────────────────────────────────
	dedupePath := filepath.Join(filepath.Dir(cfg.Server.DBPath), dedupeCacheFile)
	cache, err := alerting.NewDedupeCache(dedupePath, time.Duration(cfg.Server.DedupeTTLMinutes)*time.Minute, logger)
	if err != nil {
		logger.Error("failed to open dedupe cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	alerts := alerting.NewRouter(cache, alerting.NewConsoleNotifier(os.Stdout), logger)

	// ── Detection + HTTP API ─────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.Server.JWTPublicKey != "" {
		pubKey, err = api.LoadRSAPublicKey(cfg.Server.JWTPublicKey)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("read endpoints require a bearer token")
	} else {
		logger.Warn("jwt_public_key not configured; read endpoints are open")
	}

	reg := prometheus.NewRegistry()
	engine := detect.NewEngine(logger)
	srv := api.NewServer(store, engine, alerts, logger,
		api.WithArchive(archive),
		api.WithMetrics(api.NewMetrics(reg)),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(srv, pubKey, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("minisoc server exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
