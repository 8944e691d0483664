// Package detect runs the stateful detection rules over the ingested
// event stream.
//
// # Rules
//
// A rule sees every event in ingest order and may return one detection
// per event. All rule state lives on the rule instance, never in package
// globals, so a fresh engine starts from a clean slate — tests and server
// restarts both rely on that. Rules are deterministic for a given stream:
// replaying the same events yields the same detections in the same order.
//
// # Buckets
//
// Every detection carries a minute-precision bucket derived from the
// triggering event's timestamp. The alert ID hashes (rule, entity,
// bucket), which is how re-firing rules collapse into one alert per
// minute downstream.
package detect

import (
	"log/slog"
	"sync"

	"github.com/minisoc/minisoc/internal/schema"
)

// Detection is a rule's verdict on one event, before alert
// materialization.
type Detection struct {
	RuleID   string
	Title    string
	Severity int
	Entity   string
	EventIDs []string
	Details  map[string]any
}

// Rule is a stateful detector fed every ingested event in order. OnEvent
// is never called concurrently; the engine serialises the stream.
type Rule interface {
	ID() string
	OnEvent(ev *schema.NormalizedEvent) *Detection
}

// Engine holds the ordered rule list and fans each event across it under
// one lock.
type Engine struct {
	mu     sync.Mutex
	rules  []Rule
	logger *slog.Logger
}

// NewEngine builds an engine over the given rules. With no rules it
// installs [DefaultRules].
func NewEngine(logger *slog.Logger, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, logger: logger}
}

// DefaultRules returns the standard rule set with default tunables, in
// evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		NewBruteForce(0),
		NewPasswordSpray(0, 0),
		NewNewIPForUser(),
		NewOffHours(defaultOffHoursStart, defaultOffHoursEnd),
		NewImpossibleTravel(0),
	}
}

// Process runs every rule against ev and returns the detections in rule
// order.
func (e *Engine) Process(ev *schema.NormalizedEvent) []Detection {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Detection
	for _, r := range e.rules {
		d := r.OnEvent(ev)
		if d == nil {
			continue
		}
		e.logger.Debug("detect: rule fired",
			slog.String("rule_id", d.RuleID),
			slog.String("entity", d.Entity),
		)
		out = append(out, *d)
	}
	return out
}

// ToAlert materializes a detection into a durable alert. The alert ID is
// keyed on the detection's own bucket detail when the rule recorded one,
// otherwise on the triggering event's minute; the event timestamp always
// becomes the alert time.
func ToAlert(d Detection, eventTS string) schema.Alert {
	bucket, _ := d.Details["bucket"].(string)
	if bucket == "" {
		bucket = schema.Bucket(eventTS)
	}
	return schema.Alert{
		AlertID:  schema.StableAlertID(d.RuleID, d.Entity, bucket),
		TS:       eventTS,
		RuleID:   d.RuleID,
		Title:    d.Title,
		Severity: d.Severity,
		Entity:   d.Entity,
		EventIDs: d.EventIDs,
		Details:  d.Details,
	}
}
