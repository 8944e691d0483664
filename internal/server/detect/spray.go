package detect

import (
	"sort"

	"github.com/minisoc/minisoc/internal/schema"
)

// RuleIDPasswordSpray flags one source trying a few passwords against
// many accounts inside the same minute.
const RuleIDPasswordSpray = "AUTH002"

const (
	defaultSprayMinUsers   = 4
	defaultSprayMaxPerUser = 2
)

// sprayCell scopes spray counting to one source inside one minute
// bucket. Old cells are never revisited, so the map only grows with
// distinct (ip, minute) pairs seen.
type sprayCell struct {
	ip     string
	bucket string
}

// PasswordSpray watches failures per (source IP, minute) cell and fires
// when the source has touched enough distinct accounts while staying
// under the per-account attempt ceiling. A source hammering one account
// is brute force, not spray, and stays quiet here.
type PasswordSpray struct {
	minUsers   int
	maxPerUser int
	cells      map[sprayCell]map[string][]string
}

// NewPasswordSpray builds the rule. Non-positive tunables select the
// defaults: 4 distinct users, at most 2 attempts per user.
func NewPasswordSpray(minUsers, maxPerUser int) *PasswordSpray {
	if minUsers <= 0 {
		minUsers = defaultSprayMinUsers
	}
	if maxPerUser <= 0 {
		maxPerUser = defaultSprayMaxPerUser
	}
	return &PasswordSpray{
		minUsers:   minUsers,
		maxPerUser: maxPerUser,
		cells:      make(map[sprayCell]map[string][]string),
	}
}

func (r *PasswordSpray) ID() string { return RuleIDPasswordSpray }

func (r *PasswordSpray) OnEvent(ev *schema.NormalizedEvent) *Detection {
	if ev.Event.Outcome != schema.OutcomeFailure || ev.Src == nil || ev.Src.IP == "" {
		return nil
	}
	if ev.User == nil || ev.User.Name == "" {
		return nil
	}

	cell := sprayCell{ip: ev.Src.IP, bucket: schema.Bucket(ev.TS)}
	users := r.cells[cell]
	if users == nil {
		users = make(map[string][]string)
		r.cells[cell] = users
	}
	users[ev.User.Name] = append(users[ev.User.Name], ev.EventID.String())

	if len(users) < r.minUsers {
		return nil
	}
	for _, ids := range users {
		if len(ids) > r.maxPerUser {
			return nil
		}
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make([]string, 0, len(names))
	for _, name := range names {
		attempts := users[name]
		ids = append(ids, attempts[len(attempts)-1])
	}
	return &Detection{
		RuleID:   RuleIDPasswordSpray,
		Title:    "SSH password spray suspected",
		Severity: 8,
		Entity:   "src_ip:" + cell.ip,
		EventIDs: ids,
		Details: map[string]any{
			"users":          names,
			"distinct_users": len(names),
			"bucket":         cell.bucket,
		},
	}
}
