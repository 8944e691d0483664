package replay_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minisoc/minisoc/internal/replay"
)

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScenario dumps lines (verbatim, newline-joined) into a temp file.
func writeScenario(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

type capturingIngest struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (c *capturingIngest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	c.mu.Unlock()

	if c.status >= 400 {
		http.Error(w, `{"error":"validation failed"}`, c.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"event_id":"e-%d","alerts":0}`, len(c.bodies))
}

func (c *capturingIngest) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

// ---------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------

func TestRun_PostsEveryPayloadInOrder(t *testing.T) {
	ingest := &capturingIngest{}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	scenario := writeScenario(t,
		"# brute force warmup",
		`{"n":1}`,
		"",
		`{"n":2}`,
		`{"n":3}`,
	)

	stats, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    srv.URL,
		ScenarioPath: scenario,
		Delay:        -1,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Sent != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want sent=3 failed=0", stats)
	}
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	got := ingest.seen()
	if len(got) != len(want) {
		t.Fatalf("server saw %d payloads, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_RejectionsCountAsFailedNotFatal(t *testing.T) {
	ingest := &capturingIngest{status: http.StatusBadRequest}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	scenario := writeScenario(t, `{"n":1}`, `{"n":2}`)
	stats, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    srv.URL,
		ScenarioPath: scenario,
		Delay:        -1,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want sent=2 failed=2", stats)
	}
}

func TestRun_UnreachableServerCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	scenario := writeScenario(t, `{"n":1}`, `{"n":2}`)
	stats, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    url,
		ScenarioPath: scenario,
		Delay:        -1,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want sent=2 failed=2", stats)
	}
}

func TestRun_InvalidJSONLineAborts(t *testing.T) {
	ingest := &capturingIngest{}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	scenario := writeScenario(t, `{"n":1}`, `{broken`, `{"n":3}`)
	stats, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    srv.URL,
		ScenarioPath: scenario,
		Delay:        -1,
		Logger:       testLogger(),
	})
	if err == nil {
		t.Fatal("invalid payload line did not abort the run")
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Errorf("error %q does not name line 2", err)
	}
	if stats.Sent != 1 {
		t.Errorf("stats = %+v, want the one pre-abort send", stats)
	}
	if len(ingest.seen()) != 1 {
		t.Errorf("server saw %d payloads after abort, want 1", len(ingest.seen()))
	}
}

func TestRun_MissingScenarioIsFatal(t *testing.T) {
	_, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    "http://127.0.0.1:1",
		ScenarioPath: filepath.Join(t.TempDir(), "missing.jsonl"),
		Logger:       testLogger(),
	})
	if err == nil {
		t.Fatal("missing scenario did not error")
	}
}

func TestRun_ContextCancelStopsPacing(t *testing.T) {
	ingest := &capturingIngest{}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"n":%d}`, i)
	}
	scenario := writeScenario(t, lines...)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	stats, err := replay.Run(ctx, replay.Options{
		ServerURL:    srv.URL,
		ScenarioPath: scenario,
		Delay:        25 * time.Millisecond,
		Logger:       testLogger(),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if stats.Sent == 0 || stats.Sent >= 50 {
		t.Errorf("stats = %+v, want a partial run", stats)
	}
}

func TestRun_EchoesProgressPerEvent(t *testing.T) {
	ingest := &capturingIngest{}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	scenario := writeScenario(t, `{"n":1}`, `{"n":2}`)
	var out bytes.Buffer
	if _, err := replay.Run(context.Background(), replay.Options{
		ServerURL:    srv.URL,
		ScenarioPath: scenario,
		Delay:        -1,
		Logger:       testLogger(),
		Out:          &out,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("progress output has %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "event e-1") || !strings.Contains(lines[0], "alerts=0") {
		t.Errorf("progress line = %q, want the ack echoed", lines[0])
	}
}

func TestStats_String(t *testing.T) {
	s := replay.Stats{Sent: 12, Failed: 3}
	if got := s.String(); got != "sent=12 failed=3" {
		t.Errorf("String() = %q", got)
	}
}
