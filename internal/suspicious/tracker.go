// Package suspicious implements the agent-local burst tracker: a per-source-IP
// failure counter that appends aggregated JSONL records when an IP crosses the
// failure threshold inside a sliding window. The records are a local alarm
// that keeps working when the server is unreachable; they are never sent
// upstream.
package suspicious

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/minisoc/minisoc/internal/jsonl"
	"github.com/minisoc/minisoc/internal/schema"
)

// SchemaSuspicious is the schema tag of emitted records.
const SchemaSuspicious = "minisoc.suspicious.v1"

const (
	defaultWindow    = 60 * time.Second
	defaultThreshold = 5
	defaultCooldown  = 60 * time.Second
)

// Record is one aggregated suspicious-activity line. Field order is the
// on-disk key order.
type Record struct {
	Schema    string           `json:"schema"`
	TS        string           `json:"ts"`
	Reason    string           `json:"reason"`
	Src       RecordSrc        `json:"src"`
	Usernames []string         `json:"usernames"`
	Counts    RecordCounts     `json:"counts"`
	Host      schema.Host      `json:"host"`
	Event     schema.EventCore `json:"event"`
	Source    schema.Source    `json:"source"`
	Raw       schema.Raw       `json:"raw"`
}

// RecordSrc aggregates the offending IP and every port it touched in the
// window, sorted.
type RecordSrc struct {
	IP    string `json:"ip"`
	Ports []int  `json:"ports"`
}

// RecordCounts snapshots the tracker state and thresholds at emit time.
type RecordCounts struct {
	WindowFailures int     `json:"window_failures"`
	TotalFailures  int     `json:"total_failures"`
	WindowS        float64 `json:"window_s"`
	Threshold      int     `json:"threshold"`
	CooldownS      float64 `json:"cooldown_s"`
}

// ipState is the per-source-IP ledger.
type ipState struct {
	firstSeen     time.Time
	lastSeen      time.Time
	windowResetAt time.Time
	lastEmit      time.Time

	totalFailures  int
	windowFailures int
	users          map[string]struct{}
	ports          map[int]struct{}
}

// Tracker watches failure events and appends a Record when a source IP
// accumulates threshold failures inside the window, at most once per
// cooldown. It belongs to the agent's single control flow and is not safe
// for concurrent use.
type Tracker struct {
	writer    *jsonl.Writer
	window    time.Duration
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	state map[string]*ipState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow sets the failure-counting window (default 60 s).
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

// WithThreshold sets the window failure count that triggers a record
// (default 5).
func WithThreshold(n int) Option {
	return func(t *Tracker) { t.threshold = n }
}

// WithCooldown sets the minimum spacing between records for one IP
// (default 60 s).
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.cooldown = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New opens (or creates) the JSONL file at path and returns a Tracker
// appending to it.
func New(path string, logger *slog.Logger, opts ...Option) (*Tracker, error) {
	w, err := jsonl.OpenWriter(path)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		writer:    w,
		window:    defaultWindow,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		logger:    logger,
		now:       time.Now,
		state:     make(map[string]*ipState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Observe feeds one event into the tracker. Events that are not SSH
// failures with a source IP are ignored. The returned error is an append
// failure only; threshold logic itself cannot fail.
func (t *Tracker) Observe(ev *schema.NormalizedEvent) error {
	if ev.Event.Outcome != schema.OutcomeFailure || ev.Src == nil || ev.Src.IP == "" {
		return nil
	}

	now := t.now()
	ip := ev.Src.IP

	st, ok := t.state[ip]
	if !ok {
		st = &ipState{
			firstSeen:     now,
			windowResetAt: now,
			users:         make(map[string]struct{}),
			ports:         make(map[int]struct{}),
		}
		t.state[ip] = st
	}

	if now.Sub(st.windowResetAt) > t.window {
		st.windowFailures = 0
		st.windowResetAt = now
		st.users = make(map[string]struct{})
		st.ports = make(map[int]struct{})
	}

	st.windowFailures++
	st.totalFailures++
	st.lastSeen = now
	if ev.User != nil && ev.User.Name != "" {
		st.users[ev.User.Name] = struct{}{}
	}
	if ev.Src.Port != 0 {
		st.ports[ev.Src.Port] = struct{}{}
	}

	if st.windowFailures < t.threshold {
		return nil
	}
	if !st.lastEmit.IsZero() && now.Sub(st.lastEmit) < t.cooldown {
		return nil
	}

	rec := t.record(ev, st, now)
	if err := t.writer.AppendValue(rec); err != nil {
		return err
	}
	st.lastEmit = now

	t.logger.Warn("suspicious: local burst threshold crossed",
		slog.String("src_ip", ip),
		slog.Int("window_failures", st.windowFailures),
		slog.Int("total_failures", st.totalFailures),
	)
	return nil
}

// record materialises the JSONL line for the current state of st.
func (t *Tracker) record(ev *schema.NormalizedEvent, st *ipState, now time.Time) Record {
	users := make([]string, 0, len(st.users))
	for u := range st.users {
		users = append(users, u)
	}
	sort.Strings(users)

	ports := make([]int, 0, len(st.ports))
	for p := range st.ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	return Record{
		Schema:    SchemaSuspicious,
		TS:        schema.FormatTime(now),
		Reason:    fmt.Sprintf("local_ssh_bruteforce: >= %d failures in %gs", t.threshold, t.window.Seconds()),
		Src:       RecordSrc{IP: ev.Src.IP, Ports: ports},
		Usernames: users,
		Counts: RecordCounts{
			WindowFailures: st.windowFailures,
			TotalFailures:  st.totalFailures,
			WindowS:        t.window.Seconds(),
			Threshold:      t.threshold,
			CooldownS:      t.cooldown.Seconds(),
		},
		Host:   ev.Host,
		Event:  ev.Event,
		Source: ev.Source,
		Raw:    ev.Raw,
	}
}

// Path returns the JSONL file the tracker appends to.
func (t *Tracker) Path() string {
	return t.writer.Path()
}

// Close closes the underlying JSONL file.
func (t *Tracker) Close() error {
	return t.writer.Close()
}
