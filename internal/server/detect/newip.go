package detect

import (
	"github.com/minisoc/minisoc/internal/schema"
)

// RuleIDNewIPForUser flags a successful login from an address the
// account has never used before.
const RuleIDNewIPForUser = "AUTH003"

// NewIPForUser learns each account's source addresses from successful
// logins. The first address ever seen for an account seeds the baseline
// silently; any later unseen address fires.
type NewIPForUser struct {
	known map[string]map[string]struct{}
}

func NewNewIPForUser() *NewIPForUser {
	return &NewIPForUser{known: make(map[string]map[string]struct{})}
}

func (r *NewIPForUser) ID() string { return RuleIDNewIPForUser }

func (r *NewIPForUser) OnEvent(ev *schema.NormalizedEvent) *Detection {
	if ev.Event.Outcome != schema.OutcomeSuccess || ev.User == nil || ev.User.Name == "" {
		return nil
	}
	if ev.Src == nil || ev.Src.IP == "" {
		return nil
	}
	name, ip := ev.User.Name, ev.Src.IP

	ips := r.known[name]
	if ips == nil {
		r.known[name] = map[string]struct{}{ip: {}}
		return nil
	}
	if _, ok := ips[ip]; ok {
		return nil
	}

	// Count the baseline before admitting the new address, then admit it
	// so the same address stays quiet next time.
	knownCount := len(ips)
	ips[ip] = struct{}{}

	return &Detection{
		RuleID:   RuleIDNewIPForUser,
		Title:    "New source IP for user",
		Severity: 5,
		Entity:   "user:" + name,
		EventIDs: []string{ev.EventID.String()},
		Details: map[string]any{
			"ip":        ip,
			"known_ips": knownCount,
			"bucket":    schema.Bucket(ev.TS),
		},
	}
}
