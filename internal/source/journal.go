package source

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultJournalPollInterval = 350 * time.Millisecond
	journalDedupeCapacity      = 500
	cursorMarkerPrefix         = "-- cursor: "
)

// journalBaseArgs filter the journal to the SSH units in syslog-style
// short format. Both unit spellings are requested because distros
// disagree on the service name.
var journalBaseArgs = []string{"-u", "ssh", "-u", "sshd", "-o", "short", "--no-pager"}

// RunJournalctl invokes the journal CLI and returns its stdout. Tests
// substitute a fake; the default shells out to journalctl.
type RunJournalctl func(ctx context.Context, args ...string) ([]byte, error)

func runJournalctl(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "journalctl", args...).Output()
}

// journalctlAvailable is the capability probe: a zero-entry query must
// exit 0. Streaming journalctl -f is deliberately avoided because its
// stdout stalls under pipe buffering; polling is the robust shape.
func journalctlAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	args := append(journalArgs(), "-n", "0")
	_, err := runJournalctl(ctx, args...)
	return err == nil
}

// JournalFollower reads SSH log lines from the system journal by polling
// the journal CLI with an opaque cursor. The first live tick establishes
// the cursor without consuming entries; every later poll asks for records
// after it and advances the cursor from the trailing marker line. A
// sliding set of the last 500 raw lines drops duplicates across
// overlapping reads.
//
// Replay mode performs a single cursor-less read of the filtered history
// and closes the Lines channel when done.
type JournalFollower struct {
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	run      RunJournalctl

	cursor string
	recent *recentSet
	lines  chan string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Follower = (*JournalFollower)(nil)

// JournalOption adjusts a JournalFollower.
type JournalOption func(*JournalFollower)

// WithJournalRunner substitutes the journal CLI invocation.
func WithJournalRunner(run RunJournalctl) JournalOption {
	return func(j *JournalFollower) { j.run = run }
}

// NewJournalFollower builds a follower in the given mode. A non-positive
// interval falls back to the 350ms default.
func NewJournalFollower(mode Mode, interval time.Duration, logger *slog.Logger, opts ...JournalOption) *JournalFollower {
	if interval <= 0 {
		interval = defaultJournalPollInterval
	}
	j := &JournalFollower{
		mode:     mode,
		interval: interval,
		logger:   logger,
		run:      runJournalctl,
		recent:   newRecentSet(journalDedupeCapacity),
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins polling. Unlike the file follower there is nothing to open
// up front; CLI failures surface as warnings and are retried.
func (j *JournalFollower) Start(ctx context.Context) error {
	j.wg.Add(1)
	go j.runLoop(ctx)
	return nil
}

// Stop terminates the follower and waits for the producer goroutine. It
// is safe to call more than once.
func (j *JournalFollower) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

// Lines returns the channel of journal lines in syslog short format. The
// channel closes when the follower stops or a replay read completes.
func (j *JournalFollower) Lines() <-chan string {
	return j.lines
}

func (j *JournalFollower) runLoop(ctx context.Context) {
	defer j.wg.Done()
	defer close(j.lines)
	if j.mode == ModeReplay {
		j.runReplay(ctx)
		return
	}
	j.runLive(ctx)
}

func (j *JournalFollower) runLive(ctx context.Context) {
	for {
		if j.cursor == "" {
			if !j.establishCursor(ctx) {
				if !j.sleep(ctx) {
					return
				}
				continue
			}
		}
		emitted, ok := j.poll(ctx)
		if !ok {
			return
		}
		if emitted == 0 {
			if !j.sleep(ctx) {
				return
			}
		}
	}
}

func (j *JournalFollower) runReplay(ctx context.Context) {
	out, err := j.run(ctx, journalArgs()...)
	if err != nil {
		j.logger.Warn("source: journal replay read failed", "error", err)
		return
	}
	records, _ := splitJournalOutput(out)
	for _, line := range records {
		if !j.recent.Add(line) {
			continue
		}
		if !j.emit(ctx, rewrapJournalLine(line)) {
			return
		}
	}
}

// establishCursor asks for zero entries so the cursor lands at the tail
// of the journal without replaying history.
func (j *JournalFollower) establishCursor(ctx context.Context) bool {
	args := append(journalArgs(), "-n", "0", "--show-cursor")
	out, err := j.run(ctx, args...)
	if err != nil {
		j.logger.Warn("source: journal cursor probe failed", "error", err)
		return false
	}
	_, cursor := splitJournalOutput(out)
	if cursor == "" {
		j.logger.Warn("source: journal cursor probe returned no cursor")
		return false
	}
	j.cursor = cursor
	j.logger.Debug("source: journal cursor established")
	return true
}

// poll reads records after the current cursor, emits the ones not seen
// recently and advances the cursor. The bool result is false only when
// the follower must stop.
func (j *JournalFollower) poll(ctx context.Context) (int, bool) {
	args := append(journalArgs(), "--show-cursor", "--after-cursor", j.cursor)
	out, err := j.run(ctx, args...)
	if err != nil {
		j.logger.Warn("source: journal poll failed", "error", err)
		return 0, true
	}
	records, cursor := splitJournalOutput(out)
	if cursor != "" {
		j.cursor = cursor
	}
	emitted := 0
	for _, line := range records {
		if !j.recent.Add(line) {
			continue
		}
		if !j.emit(ctx, rewrapJournalLine(line)) {
			return emitted, false
		}
		emitted++
	}
	return emitted, true
}

func (j *JournalFollower) emit(ctx context.Context, line string) bool {
	select {
	case j.lines <- line:
		return true
	case <-j.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (j *JournalFollower) sleep(ctx context.Context) bool {
	select {
	case <-time.After(j.interval):
		return true
	case <-j.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func journalArgs() []string {
	return append([]string(nil), journalBaseArgs...)
}

// splitJournalOutput separates record lines from journalctl chrome: the
// trailing cursor marker is captured, other "--" status lines ("-- No
// entries --", log boundary headers) are dropped.
func splitJournalOutput(out []byte) (records []string, cursor string) {
	for _, raw := range strings.Split(string(out), "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, cursorMarkerPrefix) {
			cursor = strings.TrimSpace(strings.TrimPrefix(line, cursorMarkerPrefix))
			continue
		}
		if strings.HasPrefix(line, "--") {
			continue
		}
		records = append(records, line)
	}
	return records, cursor
}

// bareJournalPrefixes mark sshd messages the journal can surface without
// their syslog identifier. They are rewrapped so the parser sees the same
// shape as file-tailed lines.
var bareJournalPrefixes = []string{"Failed password ", "Invalid user ", "Connection closed by "}

func rewrapJournalLine(line string) string {
	if strings.Contains(line, "sshd[") || strings.Contains(line, "sshd:") {
		return line
	}
	for _, prefix := range bareJournalPrefixes {
		if strings.HasPrefix(line, prefix) {
			return "sshd[0]: " + line
		}
	}
	return line
}

// recentSet is a fixed-capacity set with FIFO eviction, used to
// de-duplicate journal lines across overlapping poll windows.
type recentSet struct {
	capacity int
	order    []string
	head     int
	members  map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// Add records s and reports whether it was new. Inserting beyond capacity
// evicts the oldest entry.
func (r *recentSet) Add(s string) bool {
	if _, dup := r.members[s]; dup {
		return false
	}
	if len(r.order) < r.capacity {
		r.order = append(r.order, s)
	} else {
		delete(r.members, r.order[r.head])
		r.order[r.head] = s
		r.head = (r.head + 1) % r.capacity
	}
	r.members[s] = struct{}{}
	return true
}
