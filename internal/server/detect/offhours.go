package detect

import (
	"fmt"

	"github.com/minisoc/minisoc/internal/schema"
)

// RuleIDOffHours flags successful logins outside the allowed working
// window.
const RuleIDOffHours = "AUTH004"

const (
	defaultOffHoursStart = 8
	defaultOffHoursEnd   = 18
)

// OffHours fires on any successful login whose UTC hour falls outside
// [startHour, endHour). The rule is stateless; it reads only the event
// timestamp.
type OffHours struct {
	startHour int
	endHour   int
}

// NewOffHours builds the rule with an explicit window. Hour 0 is a valid
// boundary, so there is no zero-means-default here; callers wanting the
// standard 08:00-18:00 UTC window pass it themselves.
func NewOffHours(startHour, endHour int) *OffHours {
	return &OffHours{startHour: startHour, endHour: endHour}
}

func (r *OffHours) ID() string { return RuleIDOffHours }

func (r *OffHours) OnEvent(ev *schema.NormalizedEvent) *Detection {
	if ev.Event.Outcome != schema.OutcomeSuccess || ev.User == nil || ev.User.Name == "" {
		return nil
	}
	t, err := schema.ParseTime(ev.TS)
	if err != nil {
		return nil
	}

	hour := t.UTC().Hour()
	if hour >= r.startHour && hour < r.endHour {
		return nil
	}

	return &Detection{
		RuleID:   RuleIDOffHours,
		Title:    "Off-hours SSH login",
		Severity: 6,
		Entity:   "user:" + ev.User.Name,
		EventIDs: []string{ev.EventID.String()},
		Details: map[string]any{
			"hour":    hour,
			"allowed": fmt.Sprintf("%02d:00-%02d:00 UTC", r.startHour, r.endHour),
			"bucket":  schema.Bucket(ev.TS),
		},
	}
}
