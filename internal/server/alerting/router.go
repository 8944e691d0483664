package alerting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/minisoc/minisoc/internal/schema"
)

// suppressionMilestones are the per-ID suppressed counts that earn an
// informational log entry; everything in between stays at debug.
var suppressionMilestones = map[int]bool{10: true, 25: true, 50: true, 100: true}

// RouterOption adjusts router construction.
type RouterOption func(*Router)

// WithClock substitutes the routing clock. Tests use it to step through
// TTL expiry without sleeping.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// Router decides, per alert, between notifying and suppressing. The
// suppressed-repeat counters live in memory only; across a restart the
// persisted cache still suppresses, but accumulated counts start over.
type Router struct {
	cache    *DedupeCache
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	suppressed map[string]int
}

func NewRouter(cache *DedupeCache, notifier Notifier, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		cache:      cache,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		suppressed: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route delivers the alert unless its ID notified within the TTL.
// It reports whether a notification went out. Notifier and cache write
// failures are logged, not propagated; a flaky console must not bounce
// an ingest request.
func (r *Router) Route(alert schema.Alert) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache.Seen(alert.AlertID, now) {
		r.suppressed[alert.AlertID]++
		n := r.suppressed[alert.AlertID]
		if suppressionMilestones[n] {
			r.logger.Info("alerting: alert suppressed",
				slog.String("alert_id", alert.AlertID),
				slog.String("rule_id", alert.RuleID),
				slog.Int("suppressed", n),
			)
		} else {
			r.logger.Debug("alerting: alert suppressed",
				slog.String("alert_id", alert.AlertID),
				slog.Int("suppressed", n),
			)
		}
		return false
	}

	repeats := r.suppressed[alert.AlertID]
	delete(r.suppressed, alert.AlertID)

	if err := r.notifier.Notify(alert, repeats); err != nil {
		r.logger.Warn("alerting: notifier failed",
			slog.String("alert_id", alert.AlertID),
			slog.String("error", err.Error()),
		)
	}
	if err := r.cache.MarkSeen(alert.AlertID, now); err != nil {
		r.logger.Warn("alerting: dedupe cache write failed",
			slog.String("alert_id", alert.AlertID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("alerting: alert notified",
		slog.String("alert_id", alert.AlertID),
		slog.String("rule_id", alert.RuleID),
		slog.String("entity", alert.Entity),
		slog.Int("severity", alert.Severity),
	)
	return true
}
