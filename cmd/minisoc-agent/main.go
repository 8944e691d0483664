// Command minisoc-agent is the MiniSOC edge agent binary. It loads a YAML
// configuration file, picks an auth-log source (file tail or journal
// polling), parses SSH login lines into normalized events and posts them to
// the MiniSOC server, shutting down gracefully on SIGTERM or SIGINT. Flags
// override their config counterparts for one-off runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minisoc/minisoc/internal/agent"
	"github.com/minisoc/minisoc/internal/config"
	"github.com/minisoc/minisoc/internal/source"
	"github.com/minisoc/minisoc/internal/sshparse"
	"github.com/minisoc/minisoc/internal/suspicious"
	"github.com/minisoc/minisoc/internal/transport"
)

func main() {
	configPath := flag.String("config", "./configs/agent.yaml", "path to the MiniSOC YAML configuration file")
	logPath := flag.String("log-path", "auto", `auth log to tail, or "auto" to probe the configured candidates`)
	host := flag.String("host", "", "host name stamped on emitted events (overrides config)")
	hostIP := flag.String("host-ip", "", "host IP stamped on emitted events (overrides config)")
	sourcePref := flag.String("source", "auto", "line source: auto, file or journal")
	mode := flag.String("mode", "live", "live follows the source forever; replay reads it once and exits")
	fromStart := flag.Bool("from-start", false, "read the tailed file from the beginning instead of the end")
	heartbeatS := flag.Float64("heartbeat-s", -1, "heartbeat log period in seconds; 0 disables (default: config)")
	dryRun := flag.Bool("dry-run", false, "print normalized events as JSON instead of sending them")
	doctor := flag.Bool("doctor", false, "check source and server reachability, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.SlogLevel())
	slog.SetDefault(logger)

	prefer, err := source.ParsePreference(*sourcePref)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-agent: %v\n", err)
		os.Exit(1)
	}
	runMode, err := source.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-agent: %v\n", err)
		os.Exit(1)
	}

	requestedPath := *logPath
	if requestedPath == "auto" {
		requestedPath = ""
	}
	if *host != "" {
		cfg.Agent.HostName = *host
	}
	if *hostIP != "" {
		cfg.Agent.HostIP = *hostIP
	}
	if *heartbeatS >= 0 {
		cfg.Agent.HeartbeatS = *heartbeatS
	}

	if *doctor {
		os.Exit(runDoctor(cfg, requestedPath, prefer, logger))
	}

	// ── Source selection ─────────────────────────────────────────────────────
	selector := &source.Selector{Candidates: cfg.Agent.TailPaths}
	decision, err := selector.Pick(requestedPath, prefer)
	if err != nil {
		logger.Error("no usable line source", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("agent: source selected",
		slog.String("kind", string(decision.Kind)),
		slog.String("path", decision.Path),
		slog.String("reason", decision.Reason),
	)

	pollInterval := time.Duration(cfg.Agent.PollIntervalS * float64(time.Second))
	var follower source.Follower
	if decision.Kind == source.KindJournal {
		follower = source.NewJournalFollower(runMode, pollInterval, logger)
	} else {
		follower = source.NewFileFollower(decision.Path, runMode, *fromStart, pollInterval, logger)
	}

	parser := &sshparse.Parser{
		Host:       cfg.Agent.HostName,
		HostIP:     cfg.Agent.HostIP,
		SourcePath: decision.Path,
	}

	// ── Tail loop ────────────────────────────────────────────────────────────
	opts := []agent.Option{
		agent.WithHeartbeat(time.Duration(cfg.Agent.HeartbeatS * float64(time.Second))),
	}

	var sender agent.Sender
	if *dryRun {
		// No sends and no local records; dry-run must leave no trace.
		opts = append(opts, agent.WithDryRun(os.Stdout))
	} else {
		sender = transport.New(cfg.Agent.ServerURL, logger)

		tracker, err := suspicious.New(cfg.Agent.SuspiciousPath, logger,
			suspicious.WithWindow(time.Duration(cfg.Agent.SuspiciousWindowS*float64(time.Second))),
			suspicious.WithThreshold(cfg.Agent.SuspiciousThreshold),
			suspicious.WithCooldown(time.Duration(cfg.Agent.SuspiciousCooldownS*float64(time.Second))),
		)
		if err != nil {
			logger.Error("failed to open suspicious-activity log", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer tracker.Close()
		opts = append(opts, agent.WithTracker(tracker))
	}

	var reg *prometheus.Registry
	if cfg.Agent.HealthAddr != "" {
		reg = prometheus.NewRegistry()
		opts = append(opts, agent.WithMetrics(agent.NewMetrics(reg)))
	}

	tailer := agent.New(follower, parser, sender, logger, opts...)

	if cfg.Agent.HealthAddr != "" {
		health := agent.NewHealthServer(cfg.Agent.HealthAddr, tailer, reg, logger)
		if err := health.Start(); err != nil {
			logger.Error("failed to start health listener", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer health.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	stats, err := tailer.Run(ctx)
	fmt.Printf("agent: %s\n", stats)
	if err != nil {
		logger.Error("agent run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("minisoc agent exited cleanly")
}

// runDoctor prints a reachability readout for the configured source and
// server, returning the process exit code.
func runDoctor(cfg *config.Config, requestedPath string, prefer source.Preference, logger *slog.Logger) int {
	fmt.Println("minisoc-agent doctor")

	healthy := true

	selector := &source.Selector{Candidates: cfg.Agent.TailPaths}
	decision, err := selector.Pick(requestedPath, prefer)
	if err != nil {
		healthy = false
		fmt.Printf("  source : FAIL %v\n", err)
	} else {
		fmt.Printf("  source : %s %s (%s)\n", decision.Kind, decision.Path, decision.Reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.New(cfg.Agent.ServerURL, logger).Health(ctx); err != nil {
		healthy = false
		fmt.Printf("  server : FAIL %v\n", err)
	} else {
		fmt.Printf("  server : ok (%s)\n", cfg.Agent.ServerURL)
	}

	if !healthy {
		return 1
	}
	return 0
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
