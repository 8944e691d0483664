package detect

import (
	"github.com/minisoc/minisoc/internal/schema"
)

// RuleIDBruteForce flags repeated authentication failures from one
// source address.
const RuleIDBruteForce = "AUTH001"

const (
	defaultBruteForceThreshold = 5

	// bruteForceHistory bounds per-IP failure memory so a chatty source
	// cannot grow state without limit.
	bruteForceHistory = 200
)

type failureRecord struct {
	ts      string
	eventID string
}

// BruteForce counts login failures per source IP and fires once the
// count reaches the threshold. It keeps firing on every further failure
// from that address; the alert bucket collapses the repeats.
type BruteForce struct {
	threshold int
	byIP      map[string][]failureRecord
}

// NewBruteForce builds the rule. threshold <= 0 selects the default of 5
// failures.
func NewBruteForce(threshold int) *BruteForce {
	if threshold <= 0 {
		threshold = defaultBruteForceThreshold
	}
	return &BruteForce{
		threshold: threshold,
		byIP:      make(map[string][]failureRecord),
	}
}

func (r *BruteForce) ID() string { return RuleIDBruteForce }

func (r *BruteForce) OnEvent(ev *schema.NormalizedEvent) *Detection {
	if ev.Event.Outcome != schema.OutcomeFailure || ev.Src == nil || ev.Src.IP == "" {
		return nil
	}
	ip := ev.Src.IP

	recs := append(r.byIP[ip], failureRecord{ts: ev.TS, eventID: ev.EventID.String()})
	if len(recs) > bruteForceHistory {
		recs = recs[len(recs)-bruteForceHistory:]
	}
	r.byIP[ip] = recs

	if len(recs) < r.threshold {
		return nil
	}

	last := recs[len(recs)-r.threshold:]
	ids := make([]string, 0, len(last))
	for _, rec := range last {
		ids = append(ids, rec.eventID)
	}
	return &Detection{
		RuleID:   RuleIDBruteForce,
		Title:    "SSH brute force suspected",
		Severity: 7,
		Entity:   "src_ip:" + ip,
		EventIDs: ids,
		Details: map[string]any{
			"count":     len(recs),
			"threshold": r.threshold,
			"bucket":    schema.Bucket(ev.TS),
		},
	}
}
