// Command minisoc-replay feeds a bundled JSONL attack scenario to a running
// MiniSOC server, event by event, and reports how many deliveries were
// acknowledged. It exits non-zero when the scenario file is unreadable or
// contains a line that is not valid JSON.
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

	"github.com/minisoc/minisoc/internal/config"
	"github.com/minisoc/minisoc/internal/replay"
)

func main() {
	configPath := flag.String("config", "./configs/agent.yaml", "path to the MiniSOC YAML configuration file")
	scenario := flag.String("scenario", "", "JSONL scenario file to replay")
	delayS := flag.Float64("delay-s", 0.02, "pause between events in seconds; 0 sends back-to-back")
	flag.Parse()

	if *scenario == "" {
		fmt.Fprintln(os.Stderr, "minisoc-replay: -scenario is required")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-replay: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.SlogLevel())
	slog.SetDefault(logger)

	delay := time.Duration(*delayS * float64(time.Second))
	if delay <= 0 {
		delay = -1
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

	stats, err := replay.Run(ctx, replay.Options{
		ServerURL:    cfg.Agent.ServerURL,
		ScenarioPath: *scenario,
		Delay:        delay,
		Logger:       logger,
		Out:          os.Stdout,
	})
	fmt.Printf("replay: %s\n", stats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-replay: %v\n", err)
		os.Exit(1)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
