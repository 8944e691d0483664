package schema

import (
	"crypto/sha256"
	"encoding/hex"
)

// Alert is the durable record derived from a detection. It is inserted at
// most once per AlertID; the ID is a pure function of (rule, entity, bucket)
// so re-derivations collide instead of duplicating.
type Alert struct {
	AlertID  string         `json:"alert_id"`
	TS       string         `json:"ts"`
	RuleID   string         `json:"rule_id"`
	Title    string         `json:"title"`
	Severity int            `json:"severity"`
	Entity   string         `json:"entity"`
	EventIDs []string       `json:"event_ids"`
	Details  map[string]any `json:"details"`
}

// StableAlertID derives the deterministic alert identifier
// "a_" + sha256(ruleID|entity|bucket)[:24]. It must produce identical output
// across restarts and architectures; both the idempotent alert insert and
// the router dedupe cache depend on that.
func StableAlertID(ruleID, entity, bucket string) string {
	sum := sha256.Sum256([]byte(ruleID + "|" + entity + "|" + bucket))
	return "a_" + hex.EncodeToString(sum[:])[:24]
}

// Bucket truncates an RFC3339 timestamp to minute precision
// ("YYYY-MM-DDTHH:MM"), the grouping key for time-windowed alert dedupe.
// Inputs shorter than a minute prefix are returned unchanged.
func Bucket(ts string) string {
	if len(ts) < 16 {
		return ts
	}
	return ts[:16]
}
