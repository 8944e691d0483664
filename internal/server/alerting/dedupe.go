// Package alerting routes detections to notifiers with persisted,
// time-bounded deduplication.
//
// # Dedupe window
//
// An alert ID is suppressed for the TTL after it was last notified,
// measured from routing wall time rather than event time. Replayed labs
// and delayed logs carry old event timestamps; keying the window on
// event time would make every replay notify again. Suppressed arrivals
// are counted per ID and the count is delivered with the next
// notification once the window lapses.
package alerting

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DedupeCache persists seen alert IDs to a small text file, one
// "<alert_id>|<seen_ts_rfc3339>" line per entry. The file is pruned of
// expired entries on load and on every rewrite, so it stays bounded by
// the number of distinct alerts inside one TTL window.
//
// A TTL of zero or less disables deduplication entirely: nothing is
// ever seen and nothing is persisted.
type DedupeCache struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupeCache loads the cache at path, pruning entries older than ttl.
// A missing file starts an empty cache; a malformed line is skipped, not
// fatal.
func NewDedupeCache(path string, ttl time.Duration, logger *slog.Logger) (*DedupeCache, error) {
	c := &DedupeCache{
		path:   path,
		ttl:    ttl,
		logger: logger,
		seen:   make(map[string]time.Time),
	}
	if ttl <= 0 {
		logger.Info("alerting: dedupe disabled, every alert will notify")
		return c, nil
	}
	if err := c.load(time.Now()); err != nil {
		return nil, err
	}
	return c, nil
}

// TTL reports the configured suppression window.
func (c *DedupeCache) TTL() time.Duration { return c.ttl }

// Seen reports whether alertID was marked within the TTL before now.
func (c *DedupeCache) Seen(alertID string, now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seenAt, ok := c.seen[alertID]
	return ok && now.Sub(seenAt) < c.ttl
}

// MarkSeen records alertID at now and rewrites the cache file, dropping
// entries that have expired in the meantime.
func (c *DedupeCache) MarkSeen(alertID string, now time.Time) error {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen[alertID] = now
	return c.rewrite(now)
}

// Len reports the live (unexpired) entry count, for logs and tests.
func (c *DedupeCache) Len(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, seenAt := range c.seen {
		if now.Sub(seenAt) < c.ttl {
			n++
		}
	}
	return n
}

func (c *DedupeCache) load(now time.Time) error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("alerting: read dedupe cache %q: %w", c.path, err)
	}

	var kept, expired, malformed int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, tsStr, ok := strings.Cut(line, "|")
		if !ok {
			malformed++
			continue
		}
		seenAt, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			malformed++
			continue
		}
		if now.Sub(seenAt) >= c.ttl {
			expired++
			continue
		}
		c.seen[id] = seenAt
		kept++
	}

	if malformed > 0 {
		c.logger.Warn("alerting: skipped malformed dedupe cache lines",
			slog.String("path", c.path),
			slog.Int("lines", malformed),
		)
	}
	c.logger.Info("alerting: dedupe cache loaded",
		slog.String("path", c.path),
		slog.Int("entries", kept),
		slog.Int("expired", expired),
	)
	return nil
}

// rewrite persists the unexpired entries sorted by alert ID. Caller holds
// the mutex.
func (c *DedupeCache) rewrite(now time.Time) error {
	lines := make([]string, 0, len(c.seen))
	for id, seenAt := range c.seen {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.seen, id)
			continue
		}
		lines = append(lines, id+"|"+seenAt.UTC().Format(time.RFC3339))
	}
	sort.Strings(lines)

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("alerting: create dedupe cache dir %q: %w", dir, err)
		}
	}
	data := strings.Join(lines, "\n")
	if data != "" {
		data += "\n"
	}
	if err := os.WriteFile(c.path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("alerting: write dedupe cache %q: %w", c.path, err)
	}
	return nil
}
