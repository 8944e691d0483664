// Package agent wires the edge pipeline together: a line follower feeds
// the SSH parser, parsed events go to the local burst tracker and then to
// the server over the ingest client.
//
// # Counters
//
// The loop keeps four atomic counters — read, parsed, sent, failed — that
// the heartbeat log, the side health listener and the final run report all
// read back. Prometheus counters are mirrored next to them when a
// [Metrics] value is attached.
//
// # Modes
//
// In live mode Run blocks until the context is cancelled. In replay mode
// the follower closes its channel when the source is exhausted and Run
// returns after draining it. Dry-run prints each normalized event as
// one-line JSON instead of posting it, which is how parser changes are
// eyeballed against a real log without a server.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/source"
	"github.com/minisoc/minisoc/internal/sshparse"
	"github.com/minisoc/minisoc/internal/suspicious"
	"github.com/minisoc/minisoc/internal/transport"
)

const defaultHeartbeat = 30 * time.Second

// Sender delivers one normalized event to the server.
// *transport.Client is the production implementation.
type Sender interface {
	Send(ctx context.Context, ev *schema.NormalizedEvent) (*transport.IngestResponse, error)
}

// Stats is a snapshot of the tail loop counters.
type Stats struct {
	Read   int64
	Parsed int64
	Sent   int64
	Failed int64
}

func (s Stats) String() string {
	return fmt.Sprintf("read=%d parsed=%d sent=%d failed=%d", s.Read, s.Parsed, s.Sent, s.Failed)
}

type counters struct {
	read   atomic.Int64
	parsed atomic.Int64
	sent   atomic.Int64
	failed atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Read:   c.read.Load(),
		Parsed: c.parsed.Load(),
		Sent:   c.sent.Load(),
		Failed: c.failed.Load(),
	}
}

// Option is a functional option for [New].
type Option func(*Tailer)

// WithTracker attaches the local burst tracker; every parsed failure is
// offered to it before the event is sent.
func WithTracker(tr *suspicious.Tracker) Option {
	return func(t *Tailer) { t.tracker = tr }
}

// WithHeartbeat overrides the heartbeat interval (default 30s). Zero or
// negative disables the heartbeat log entirely.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Tailer) { t.heartbeat = d }
}

// WithDryRun prints each parsed event to out as one-line JSON instead of
// sending it.
func WithDryRun(out io.Writer) Option {
	return func(t *Tailer) {
		t.dryRun = true
		t.out = out
	}
}

// WithMetrics mirrors the loop counters into Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(t *Tailer) { t.metrics = m }
}

// Tailer runs the follower → parser → tracker → sender loop. Create one
// with [New]; call [Tailer.Run] to start it.
type Tailer struct {
	follower source.Follower
	parser   *sshparse.Parser
	sender   Sender
	logger   *slog.Logger

	tracker   *suspicious.Tracker // nil when local burst tracking is off
	heartbeat time.Duration
	dryRun    bool
	out       io.Writer
	metrics   *Metrics // nil when no instrumentation is requested

	counters counters
}

// New builds a Tailer. The sender may be nil only in dry-run mode.
func New(follower source.Follower, parser *sshparse.Parser, sender Sender, logger *slog.Logger, opts ...Option) *Tailer {
	t := &Tailer{
		follower:  follower,
		parser:    parser,
		sender:    sender,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stats returns a consistent snapshot of the loop counters. Safe to call
// concurrently with Run.
func (t *Tailer) Stats() Stats {
	return t.counters.snapshot()
}

// Run starts the follower and processes lines until ctx is cancelled or
// the follower's channel closes. The final counter snapshot is always
// returned, also when Start fails.
func (t *Tailer) Run(ctx context.Context) (Stats, error) {
	if err := t.follower.Start(ctx); err != nil {
		return t.counters.snapshot(), fmt.Errorf("agent: start follower: %w", err)
	}
	defer t.follower.Stop()

	var heartbeat <-chan time.Time
	if t.heartbeat > 0 {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	lines := t.follower.Lines()
	for {
		select {
		case <-ctx.Done():
			return t.counters.snapshot(), nil
		case <-heartbeat:
			t.logHeartbeat()
		case line, ok := <-lines:
			if !ok {
				return t.counters.snapshot(), nil
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *Tailer) handleLine(ctx context.Context, line string) {
	t.counters.read.Add(1)
	t.metricLineRead()

	ev, ok := t.parser.Parse(line)
	if !ok {
		return
	}
	t.counters.parsed.Add(1)
	t.metricEventParsed()

	if t.tracker != nil {
		if err := t.tracker.Observe(ev); err != nil {
			t.logger.Warn("agent: burst tracker write failed", slog.String("error", err.Error()))
		}
	}

	if t.dryRun {
		t.printEvent(ev)
		return
	}

	if _, err := t.sender.Send(ctx, ev); err != nil {
		t.counters.failed.Add(1)
		t.metricSendFailure()
		t.logger.Warn("agent: send failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	t.counters.sent.Add(1)
	t.metricEventSent()
}

func (t *Tailer) printEvent(ev *schema.NormalizedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("agent: dry-run encode failed", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintln(t.out, string(payload))
}

func (t *Tailer) logHeartbeat() {
	s := t.counters.snapshot()
	t.logger.Info("agent: heartbeat",
		slog.Int64("read", s.Read),
		slog.Int64("parsed", s.Parsed),
		slog.Int64("sent", s.Sent),
		slog.Int64("failed", s.Failed),
	)
}

// ── metrics helpers ──────────────────────────────────────────────────────────

func (t *Tailer) metricLineRead() {
	if t.metrics != nil {
		t.metrics.LinesRead.Inc()
	}
}

func (t *Tailer) metricEventParsed() {
	if t.metrics != nil {
		t.metrics.EventsParsed.Inc()
	}
}

func (t *Tailer) metricEventSent() {
	if t.metrics != nil {
		t.metrics.EventsSent.Inc()
	}
}

func (t *Tailer) metricSendFailure() {
	if t.metrics != nil {
		t.metrics.SendFailures.Inc()
	}
}
