// Command minisoc-query prints the newest stored events or alerts straight
// from the MiniSOC database, newest first. It is the offline counterpart of
// the server's /events/recent and /alerts/recent endpoints for use on the
// box that holds the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/minisoc/minisoc/internal/config"
	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/server/storage"
)

func main() {
	configPath := flag.String("config", "./configs/server.yaml", "path to the MiniSOC YAML configuration file")
	limit := flag.Int("n", 20, "number of rows to print")
	alerts := flag.Bool("alerts", false, "print alerts instead of events")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-query: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.SlogLevel())
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Server.DBURL, cfg.Server.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-query: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *alerts {
		err = printAlerts(ctx, store, *limit)
	} else {
		err = printEvents(ctx, store, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "minisoc-query: %v\n", err)
		os.Exit(1)
	}
}

func printEvents(ctx context.Context, store storage.Store, limit int) error {
	payloads, err := store.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		var ev schema.NormalizedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			fmt.Printf("<unreadable event row: %v>\n", err)
			continue
		}
		fmt.Printf("%s %s %s.%s %s sev=%d :: %s\n",
			ev.TS, ev.Host.Name, ev.Event.Type, ev.Event.Action,
			ev.Event.Outcome, ev.Event.Severity, ev.Message)
	}
	return nil
}

func printAlerts(ctx context.Context, store storage.Store, limit int) error {
	rows, err := store.RecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	for _, alert := range rows {
		fmt.Printf("%s %s sev=%d %s :: %s (events=%d)\n",
			alert.TS, alert.RuleID, alert.Severity, alert.Entity,
			alert.Title, len(alert.EventIDs))
	}
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
