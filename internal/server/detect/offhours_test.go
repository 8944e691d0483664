package detect_test

import (
	"fmt"
	"testing"

	"github.com/minisoc/minisoc/internal/server/detect"
)

func TestOffHours_WindowBoundaries(t *testing.T) {
	cases := []struct {
		hour  int
		fires bool
	}{
		{0, true},
		{7, true},
		{8, false}, // window start is inclusive
		{12, false},
		{17, false},
		{18, true}, // window end is exclusive
		{23, true},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("hour_%02d", tc.hour), func(t *testing.T) {
			rule := detect.NewOffHours(8, 18)
			ts := fmt.Sprintf("2026-01-12T%02d:30:00Z", tc.hour)

			d := rule.OnEvent(success(ts, "alice", "10.0.0.8"))
			if tc.fires && d == nil {
				t.Fatalf("hour %d did not fire", tc.hour)
			}
			if !tc.fires && d != nil {
				t.Fatalf("hour %d fired: %+v", tc.hour, d)
			}
			if d == nil {
				return
			}
			if d.RuleID != "AUTH004" || d.Severity != 6 {
				t.Errorf("got rule %q severity %d, want AUTH004 severity 6", d.RuleID, d.Severity)
			}
			if d.Entity != "user:alice" {
				t.Errorf("Entity = %q, want user:alice", d.Entity)
			}
			if d.Details["hour"] != tc.hour {
				t.Errorf("hour detail = %v, want %d", d.Details["hour"], tc.hour)
			}
			if d.Details["allowed"] != "08:00-18:00 UTC" {
				t.Errorf("allowed detail = %v, want 08:00-18:00 UTC", d.Details["allowed"])
			}
		})
	}
}

func TestOffHours_JudgesTheUTCHour(t *testing.T) {
	rule := detect.NewOffHours(8, 18)

	// 03:30+05:00 is 22:30 UTC the previous evening.
	if d := rule.OnEvent(success("2026-01-12T03:30:00+05:00", "alice", "10.0.0.8")); d == nil {
		t.Fatal("late-UTC login with local morning offset did not fire")
	} else if d.Details["hour"] != 22 {
		t.Errorf("hour detail = %v, want 22", d.Details["hour"])
	}

	// 12:30+03:00 is 09:30 UTC, inside the window.
	if d := rule.OnEvent(success("2026-01-12T12:30:00+03:00", "alice", "10.0.0.8")); d != nil {
		t.Fatalf("in-window UTC hour fired: %+v", d)
	}
}

func TestOffHours_OnlySuccessfulNamedLogins(t *testing.T) {
	rule := detect.NewOffHours(8, 18)

	if d := rule.OnEvent(failure("2026-01-12T02:00:00Z", "alice", "10.0.0.8")); d != nil {
		t.Fatalf("failure fired: %+v", d)
	}
	if d := rule.OnEvent(success("2026-01-12T02:00:00Z", "", "10.0.0.8")); d != nil {
		t.Fatalf("userless success fired: %+v", d)
	}
}

func TestOffHours_CustomWindow(t *testing.T) {
	rule := detect.NewOffHours(22, 23)

	if d := rule.OnEvent(success("2026-01-12T22:15:00Z", "alice", "10.0.0.8")); d != nil {
		t.Fatalf("in-window hour fired: %+v", d)
	}
	d := rule.OnEvent(success("2026-01-12T21:15:00Z", "alice", "10.0.0.8"))
	if d == nil {
		t.Fatal("out-of-window hour did not fire")
	}
	if d.Details["allowed"] != "22:00-23:00 UTC" {
		t.Errorf("allowed detail = %v, want 22:00-23:00 UTC", d.Details["allowed"])
	}
}
