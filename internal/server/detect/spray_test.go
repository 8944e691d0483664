package detect_test

import (
	"reflect"
	"testing"

	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/server/detect"
)

func TestPasswordSpray_FiresOnDistinctUsersInOneMinute(t *testing.T) {
	rule := detect.NewPasswordSpray(0, 0)

	for i, u := range []string{"alice", "bob", "carol"} {
		if d := rule.OnEvent(failure(at(40, i), u, "198.51.100.7")); d != nil {
			t.Fatalf("fired on user %d: %+v", i+1, d)
		}
	}

	d := rule.OnEvent(failure(at(40, 3), "dave", "198.51.100.7"))
	if d == nil {
		t.Fatal("fourth distinct user did not fire")
	}
	if d.RuleID != "AUTH002" || d.Severity != 8 {
		t.Errorf("got rule %q severity %d, want AUTH002 severity 8", d.RuleID, d.Severity)
	}
	if d.Entity != "src_ip:198.51.100.7" {
		t.Errorf("Entity = %q, want src_ip:198.51.100.7", d.Entity)
	}
	wantUsers := []string{"alice", "bob", "carol", "dave"}
	if !reflect.DeepEqual(d.Details["users"], wantUsers) {
		t.Errorf("users = %v, want %v sorted", d.Details["users"], wantUsers)
	}
	if d.Details["distinct_users"] != 4 {
		t.Errorf("distinct_users = %v, want 4", d.Details["distinct_users"])
	}
	if d.Details["bucket"] != schema.Bucket(at(40, 3)) {
		t.Errorf("bucket = %v, want %q", d.Details["bucket"], schema.Bucket(at(40, 3)))
	}
}

func TestPasswordSpray_QuietWhenOneAccountIsHammered(t *testing.T) {
	rule := detect.NewPasswordSpray(0, 0)

	// bob takes three attempts, over the per-account ceiling of two; that
	// pattern is brute force, not spray, even with enough distinct users.
	seq := []string{"alice", "bob", "bob", "bob", "carol", "dave", "eve"}
	for i, u := range seq {
		if d := rule.OnEvent(failure(at(40, i), u, "198.51.100.7")); d != nil {
			t.Fatalf("fired at step %d (%s): %+v", i, u, d)
		}
	}
}

func TestPasswordSpray_EventIDsAreNewestPerUserInNameOrder(t *testing.T) {
	rule := detect.NewPasswordSpray(0, 0)

	dave := failure(at(40, 0), "dave", "198.51.100.7")
	carol := failure(at(40, 1), "carol", "198.51.100.7")
	alice1 := failure(at(40, 2), "alice", "198.51.100.7")
	alice2 := failure(at(40, 3), "alice", "198.51.100.7")
	bob := failure(at(40, 4), "bob", "198.51.100.7")

	var d *detect.Detection
	for _, ev := range []*schema.NormalizedEvent{dave, carol, alice1, alice2, bob} {
		d = rule.OnEvent(ev)
	}
	if d == nil {
		t.Fatal("spray did not fire")
	}

	want := []string{
		alice2.EventID.String(), // newest alice attempt, not the first
		bob.EventID.String(),
		carol.EventID.String(),
		dave.EventID.String(),
	}
	if !reflect.DeepEqual(d.EventIDs, want) {
		t.Errorf("EventIDs = %v, want newest-per-user in name order %v", d.EventIDs, want)
	}
}

func TestPasswordSpray_MinuteCellsAreIndependent(t *testing.T) {
	rule := detect.NewPasswordSpray(0, 0)

	for i, u := range []string{"alice", "bob", "carol"} {
		rule.OnEvent(failure(at(40, i), u, "198.51.100.7"))
	}

	// A new minute starts a fresh cell; the three users above do not
	// carry over.
	if d := rule.OnEvent(failure(at(41, 0), "dave", "198.51.100.7")); d != nil {
		t.Fatalf("count leaked across minutes: %+v", d)
	}
	for i, u := range []string{"eve", "frank"} {
		if d := rule.OnEvent(failure(at(41, i+1), u, "198.51.100.7")); d != nil {
			t.Fatalf("fired early in new minute on %s: %+v", u, d)
		}
	}

	d := rule.OnEvent(failure(at(41, 3), "grace", "198.51.100.7"))
	if d == nil {
		t.Fatal("fourth distinct user in the new minute did not fire")
	}
	want := []string{"dave", "eve", "frank", "grace"}
	if !reflect.DeepEqual(d.Details["users"], want) {
		t.Errorf("users = %v, want only the new minute's %v", d.Details["users"], want)
	}
}

func TestPasswordSpray_RequiresUserAndSource(t *testing.T) {
	rule := detect.NewPasswordSpray(0, 0)

	for i := 0; i < 6; i++ {
		if d := rule.OnEvent(failure(at(40, i), "", "198.51.100.7")); d != nil {
			t.Fatalf("userless failure fired: %+v", d)
		}
		if d := rule.OnEvent(failure(at(40, i), "alice", "")); d != nil {
			t.Fatalf("sourceless failure fired: %+v", d)
		}
	}
}

func TestPasswordSpray_CustomTunables(t *testing.T) {
	rule := detect.NewPasswordSpray(2, 1)

	if d := rule.OnEvent(failure(at(40, 0), "alice", "198.51.100.7")); d != nil {
		t.Fatalf("fired on first user: %+v", d)
	}
	if d := rule.OnEvent(failure(at(40, 1), "bob", "198.51.100.7")); d == nil {
		t.Fatal("second distinct user did not fire at minUsers=2")
	}
	// A second attempt against alice breaches maxPerUser=1 and mutes the
	// cell.
	if d := rule.OnEvent(failure(at(40, 2), "alice", "198.51.100.7")); d != nil {
		t.Fatalf("fired past the per-user ceiling: %+v", d)
	}
}
