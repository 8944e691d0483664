package detect_test

import (
	"reflect"
	"testing"

	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/server/detect"
)

func TestBruteForce_FiresAtDefaultThreshold(t *testing.T) {
	rule := detect.NewBruteForce(0)

	for i := 0; i < 4; i++ {
		if d := rule.OnEvent(failure(at(30, i), "root", "203.0.113.9")); d != nil {
			t.Fatalf("failure %d fired early: %+v", i+1, d)
		}
	}

	d := rule.OnEvent(failure(at(30, 4), "root", "203.0.113.9"))
	if d == nil {
		t.Fatal("fifth failure did not fire")
	}
	if d.RuleID != "AUTH001" || d.Severity != 7 {
		t.Errorf("got rule %q severity %d, want AUTH001 severity 7", d.RuleID, d.Severity)
	}
	if d.Entity != "src_ip:203.0.113.9" {
		t.Errorf("Entity = %q, want src_ip:203.0.113.9", d.Entity)
	}
	if len(d.EventIDs) != 5 {
		t.Errorf("EventIDs carries %d events, want 5", len(d.EventIDs))
	}
	if d.Details["count"] != 5 || d.Details["threshold"] != 5 {
		t.Errorf("Details = %v, want count=5 threshold=5", d.Details)
	}
	if d.Details["bucket"] != schema.Bucket(at(30, 4)) {
		t.Errorf("bucket = %v, want %q", d.Details["bucket"], schema.Bucket(at(30, 4)))
	}
}

func TestBruteForce_KeepsFiringPastThreshold(t *testing.T) {
	rule := detect.NewBruteForce(0)

	for i := 0; i < 5; i++ {
		rule.OnEvent(failure(at(30, i), "root", "203.0.113.9"))
	}
	d := rule.OnEvent(failure(at(30, 5), "root", "203.0.113.9"))
	if d == nil {
		t.Fatal("sixth failure did not fire; duplicate suppression belongs downstream")
	}
	if d.Details["count"] != 6 {
		t.Errorf("count = %v, want 6", d.Details["count"])
	}
	if len(d.EventIDs) != 5 {
		t.Errorf("EventIDs carries %d events, want the 5 most recent", len(d.EventIDs))
	}
}

func TestBruteForce_EventIDsAreTheMostRecentFailures(t *testing.T) {
	rule := detect.NewBruteForce(0)

	events := make([]*schema.NormalizedEvent, 6)
	for i := range events {
		events[i] = failure(at(30, i), "root", "203.0.113.9")
	}

	var last *detect.Detection
	for _, ev := range events {
		if d := rule.OnEvent(ev); d != nil {
			last = d
		}
	}

	want := make([]string, 0, 5)
	for _, ev := range events[1:] {
		want = append(want, ev.EventID.String())
	}
	if last == nil {
		t.Fatal("no detection fired")
	}
	if !reflect.DeepEqual(last.EventIDs, want) {
		t.Errorf("EventIDs = %v, want the last five %v", last.EventIDs, want)
	}
}

func TestBruteForce_TracksSourcesIndependently(t *testing.T) {
	rule := detect.NewBruteForce(0)

	// Interleave two attackers; neither may borrow the other's count.
	for i := 0; i < 4; i++ {
		if d := rule.OnEvent(failure(at(30, 2*i), "root", "203.0.113.9")); d != nil {
			t.Fatalf("first source fired early: %+v", d)
		}
		if d := rule.OnEvent(failure(at(30, 2*i+1), "root", "198.51.100.7")); d != nil {
			t.Fatalf("second source fired early: %+v", d)
		}
	}
	d := rule.OnEvent(failure(at(30, 8), "root", "203.0.113.9"))
	if d == nil || d.Entity != "src_ip:203.0.113.9" {
		t.Fatalf("fifth failure from first source gave %+v", d)
	}
}

func TestBruteForce_IgnoresSuccessesAndSourcelessFailures(t *testing.T) {
	rule := detect.NewBruteForce(0)

	for i := 0; i < 6; i++ {
		if d := rule.OnEvent(success(at(30, i), "root", "203.0.113.9")); d != nil {
			t.Fatalf("success fired: %+v", d)
		}
		if d := rule.OnEvent(failure(at(31, i), "root", "")); d != nil {
			t.Fatalf("sourceless failure fired: %+v", d)
		}
	}

	// None of the above counted toward the threshold.
	for i := 0; i < 4; i++ {
		if d := rule.OnEvent(failure(at(32, i), "root", "203.0.113.9")); d != nil {
			t.Fatalf("failure %d fired early: %+v", i+1, d)
		}
	}
	if d := rule.OnEvent(failure(at(32, 4), "root", "203.0.113.9")); d == nil {
		t.Fatal("fifth counted failure did not fire")
	}
}

func TestBruteForce_CustomThreshold(t *testing.T) {
	rule := detect.NewBruteForce(2)

	if d := rule.OnEvent(failure(at(30, 0), "root", "203.0.113.9")); d != nil {
		t.Fatalf("first failure fired: %+v", d)
	}
	d := rule.OnEvent(failure(at(30, 1), "root", "203.0.113.9"))
	if d == nil {
		t.Fatal("second failure did not fire at threshold 2")
	}
	if d.Details["threshold"] != 2 || len(d.EventIDs) != 2 {
		t.Errorf("got threshold %v with %d event IDs, want 2 and 2", d.Details["threshold"], len(d.EventIDs))
	}
}
