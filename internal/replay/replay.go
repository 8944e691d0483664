// Package replay drives a recorded JSONL scenario into a running MiniSOC
// server, pacing events to loosely resemble a live log. The server treats
// replayed events exactly like agent traffic, so scenarios double as both
// demo material and end-to-end fixtures.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/minisoc/minisoc/internal/jsonl"
)

const (
	defaultDelay   = 20 * time.Millisecond
	defaultTimeout = 5 * time.Second

	maxAckBody = 64 * 1024
)

// Options configures one replay run.
type Options struct {
	// ServerURL is the server base, e.g. "http://127.0.0.1:8080".
	ServerURL string

	// ScenarioPath is the JSONL file to replay. Blank lines and lines
	// starting with '#' are skipped.
	ScenarioPath string

	// Delay paces consecutive events. Zero selects the 20 ms default;
	// negative disables pacing.
	Delay time.Duration

	// Timeout bounds each POST. Zero selects the 5 s default.
	Timeout time.Duration

	Logger *slog.Logger

	// Out, when set, receives one progress line per event.
	Out io.Writer
}

// Stats reports a finished (or aborted) run. Sent counts delivery
// attempts; Failed counts the subset rejected by the server or lost to
// the network.
type Stats struct {
	Sent   int
	Failed int
}

func (s Stats) String() string {
	return fmt.Sprintf("sent=%d failed=%d", s.Sent, s.Failed)
}

// ingestAck mirrors the server's ingest response; only the alert count is
// interesting here.
type ingestAck struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id"`
	Alerts  int    `json:"alerts"`
}

// Run replays the scenario against the server. An unreadable scenario or
// a line that is not valid JSON aborts the run with an error; rejected or
// undeliverable events only count as failed. The returned stats are valid
// even when err is non-nil.
func Run(ctx context.Context, opts Options) (Stats, error) {
	delay := opts.Delay
	if delay == 0 {
		delay = defaultDelay
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{Timeout: timeout}
	ingestURL := strings.TrimRight(opts.ServerURL, "/") + "/ingest"

	var stats Stats
	first := true
	err := jsonl.ForEach(opts.ScenarioPath, func(lineNo int, record []byte) error {
		if !json.Valid(record) {
			return errors.New("not a valid JSON payload")
		}
		if !first && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		first = false

		stats.Sent++
		if err := postEvent(ctx, client, ingestURL, record, lineNo, opts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Failed++
		}
		return nil
	})
	return stats, err
}

// postEvent delivers one payload and reports progress. A non-nil error
// means the event did not ingest; the caller decides whether that aborts
// the run.
func postEvent(ctx context.Context, client *http.Client, url string, record []byte, lineNo int, opts Options) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(record))
	if err != nil {
		return fmt.Errorf("replay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		opts.Logger.Warn("replay: event undeliverable",
			slog.Int("line", lineNo),
			slog.String("error", err.Error()),
		)
		echo(opts.Out, fmt.Sprintf("line %d: send failed", lineNo))
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))

	if resp.StatusCode >= 400 {
		opts.Logger.Warn("replay: event rejected",
			slog.Int("line", lineNo),
			slog.Int("status", resp.StatusCode),
		)
		echo(opts.Out, fmt.Sprintf("line %d: rejected with status %d", lineNo, resp.StatusCode))
		return fmt.Errorf("replay: server answered status %d", resp.StatusCode)
	}

	var ack ingestAck
	if err := json.Unmarshal(body, &ack); err == nil && ack.OK {
		echo(opts.Out, fmt.Sprintf("line %d: event %s alerts=%d", lineNo, ack.EventID, ack.Alerts))
	} else {
		echo(opts.Out, fmt.Sprintf("line %d: accepted", lineNo))
	}
	opts.Logger.Debug("replay: event delivered", slog.Int("line", lineNo))
	return nil
}

func echo(out io.Writer, line string) {
	if out != nil {
		fmt.Fprintln(out, line)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
