package api_test

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/minisoc/minisoc/internal/jsonl"
	"github.com/minisoc/minisoc/internal/schema"
	"github.com/minisoc/minisoc/internal/server/alerting"
	"github.com/minisoc/minisoc/internal/server/api"
	"github.com/minisoc/minisoc/internal/server/detect"
	"github.com/minisoc/minisoc/internal/server/storage"
)

// ---------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------

type testServer struct {
	ts          *httptest.Server
	store       storage.Store
	console     *bytes.Buffer
	archivePath string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires the full pipeline: SQLite store, default rules,
// console router with a one-hour dedupe window, JSONL archive, metrics.
func newTestServer(t *testing.T, pubKey *rsa.PublicKey) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	store, err := storage.NewSQLite(filepath.Join(dir, "minisoc.db"), logger)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	cache, err := alerting.NewDedupeCache(filepath.Join(dir, "alerts_dedupe.txt"), time.Hour, logger)
	if err != nil {
		t.Fatalf("NewDedupeCache: %v", err)
	}
	archivePath := filepath.Join(dir, "events.jsonl")
	archive, err := jsonl.OpenWriter(archivePath)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	console := &bytes.Buffer{}
	router := alerting.NewRouter(cache, alerting.NewConsoleNotifier(console), logger)
	reg := prometheus.NewRegistry()
	srv := api.NewServer(store, detect.NewEngine(logger), router, logger,
		api.WithArchive(archive),
		api.WithMetrics(api.NewMetrics(reg)),
	)

	ts := httptest.NewServer(api.NewRouter(srv, pubKey, reg))
	t.Cleanup(func() {
		ts.Close()
		archive.Close()
		store.Close()
	})
	return &testServer{ts: ts, store: store, console: console, archivePath: archivePath}
}

func makeEvent(ts, user, ip string, outcome schema.Outcome) schema.NormalizedEvent {
	return schema.NormalizedEvent{
		SchemaID: schema.SchemaEvent,
		TS:       ts,
		EventID:  uuid.New(),
		Host:     schema.Host{Name: "lab-pi"},
		Source:   schema.Source{Kind: "auth", Path: "/var/log/auth.log"},
		Event: schema.EventCore{
			Type:     "auth",
			Action:   "ssh_login",
			Outcome:  outcome,
			Severity: 4,
		},
		Message: fmt.Sprintf("SSH login %s for user=%s from %s", outcome, user, ip),
		Raw:     schema.Raw{Line: "sshd[811]: test line", Parser: "auth.sshd"},
		User:    &schema.User{Name: user},
		Src:     &schema.NetEndpoint{IP: ip, Port: 50222},
		Tags:    []string{"ssh", "auth"},
	}
}

type ingestAck struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id"`
	Alerts  int    `json:"alerts"`
}

func postEvent(t *testing.T, ts *testServer, ev schema.NormalizedEvent) ingestAck {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	resp, err := http.Post(ts.ts.URL+"/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /ingest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /ingest status %d: %s", resp.StatusCode, data)
	}
	var ack ingestAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

// ---------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------

func TestIngest_PersistsArchivesAndAcks(t *testing.T) {
	srv := newTestServer(t, nil)
	ev := makeEvent("2026-01-12T10:30:45Z", "root", "203.0.113.9", schema.OutcomeFailure)

	ack := postEvent(t, srv, ev)
	if !ack.OK || ack.EventID != ev.EventID.String() || ack.Alerts != 0 {
		t.Errorf("ack = %+v, want ok with matching event_id and no alerts", ack)
	}

	var events struct {
		Events []schema.NormalizedEvent `json:"events"`
	}
	getJSON(t, srv.ts.URL+"/events/recent", &events)
	if len(events.Events) != 1 || events.Events[0].EventID != ev.EventID {
		t.Errorf("stored events = %+v, want the ingested one", events.Events)
	}

	archived, err := os.ReadFile(srv.archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !strings.Contains(string(archived), ev.EventID.String()) {
		t.Errorf("archive missing the event:\n%s", archived)
	}
	if got := strings.Count(string(archived), "\n"); got != 1 {
		t.Errorf("archive has %d lines, want 1", got)
	}
}

func TestIngest_UndecodableBodyIs400(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.ts.URL+"/ingest", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST /ingest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "invalid json" {
		t.Errorf("error = %q, want invalid json", body.Error)
	}
}

func TestIngest_ValidationFailureCarriesFieldMap(t *testing.T) {
	srv := newTestServer(t, nil)
	ev := makeEvent("2026-01-12T10:30:45Z", "root", "203.0.113.9", schema.OutcomeFailure)
	ev.Host.Name = ""
	ev.Event.Severity = 0

	body, _ := json.Marshal(ev)
	resp, err := http.Post(srv.ts.URL+"/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /ingest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var reject struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reject); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if reject.Error != "validation failed" {
		t.Errorf("error = %q, want validation failed", reject.Error)
	}
	if reject.Fields["host.name"] != "required" {
		t.Errorf("fields = %v, want host.name flagged as required", reject.Fields)
	}
	if _, ok := reject.Fields["event.severity"]; !ok {
		t.Errorf("fields = %v, want event.severity flagged", reject.Fields)
	}

	// Nothing was persisted.
	var events struct {
		Events []json.RawMessage `json:"events"`
	}
	getJSON(t, srv.ts.URL+"/events/recent", &events)
	if len(events.Events) != 0 {
		t.Errorf("rejected event reached storage: %d rows", len(events.Events))
	}
}

func TestIngest_BruteForceFlowNotifiesOnceAndPersistsOneAlert(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 4; i++ {
		ack := postEvent(t, srv, makeEvent(fmt.Sprintf("2026-01-12T10:30:%02dZ", i), "root", "203.0.113.9", schema.OutcomeFailure))
		if ack.Alerts != 0 {
			t.Fatalf("failure %d already alerted: %+v", i+1, ack)
		}
	}

	ack := postEvent(t, srv, makeEvent("2026-01-12T10:30:04Z", "root", "203.0.113.9", schema.OutcomeFailure))
	if ack.Alerts != 1 {
		t.Fatalf("fifth failure ack = %+v, want alerts=1", ack)
	}

	// A sixth failure in the same minute re-fires the rule but collapses
	// onto the same alert ID: no second notification, no second row.
	ack = postEvent(t, srv, makeEvent("2026-01-12T10:30:05Z", "root", "203.0.113.9", schema.OutcomeFailure))
	if ack.Alerts != 1 {
		t.Fatalf("sixth failure ack = %+v, want alerts=1", ack)
	}

	if got := strings.Count(srv.console.String(), "[ALERT]"); got != 1 {
		t.Errorf("console shows %d notifications, want 1:\n%s", got, srv.console.String())
	}
	if !strings.Contains(srv.console.String(), "AUTH001") {
		t.Errorf("console notification missing the rule ID:\n%s", srv.console.String())
	}

	var alerts struct {
		Alerts []schema.Alert `json:"alerts"`
	}
	getJSON(t, srv.ts.URL+"/alerts/recent", &alerts)
	if len(alerts.Alerts) != 1 {
		t.Fatalf("stored alerts = %d, want 1", len(alerts.Alerts))
	}
	if alerts.Alerts[0].RuleID != "AUTH001" || alerts.Alerts[0].Entity != "src_ip:203.0.113.9" {
		t.Errorf("stored alert = %+v", alerts.Alerts[0])
	}
}

func TestIngest_SameEventTwiceKeepsOneRow(t *testing.T) {
	srv := newTestServer(t, nil)
	ev := makeEvent("2026-01-12T10:30:45Z", "dana", "10.0.0.8", schema.OutcomeSuccess)

	postEvent(t, srv, ev)
	postEvent(t, srv, ev)

	var events struct {
		Events []json.RawMessage `json:"events"`
	}
	getJSON(t, srv.ts.URL+"/events/recent", &events)
	if len(events.Events) != 1 {
		t.Errorf("re-ingest duplicated the event: %d rows", len(events.Events))
	}
}

// ---------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------

func TestRecentEvents_NewestFirstAndLimited(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		postEvent(t, srv, makeEvent(fmt.Sprintf("2026-01-12T10:3%d:00Z", i), "dana", "10.0.0.8", schema.OutcomeUnknown))
	}

	var events struct {
		Events []schema.NormalizedEvent `json:"events"`
	}
	resp := getJSON(t, srv.ts.URL+"/events/recent?limit=2", &events)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(events.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(events.Events))
	}
	if events.Events[0].TS != "2026-01-12T10:32:00Z" {
		t.Errorf("first event TS = %q, want the newest", events.Events[0].TS)
	}
}

func TestRecentEvents_BadLimitIs400(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, q := range []string{"limit=abc", "limit=0", "limit=-5"} {
		resp, err := http.Get(srv.ts.URL + "/events/recent?" + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}

	// Over-cap limits are clamped, not rejected.
	resp, err := http.Get(srv.ts.URL + "/events/recent?limit=5000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("limit=5000: status = %d, want 200", resp.StatusCode)
	}
}

func TestRecentEndpoints_EmptyStoreReturnsEmptyArrays(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.ts.URL + "/events/recent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), `"events":[]`) {
		t.Errorf("empty store body = %s, want events:[]", data)
	}

	resp, err = http.Get(srv.ts.URL + "/alerts/recent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), `"alerts":[]`) {
		t.Errorf("empty store body = %s, want alerts:[]", data)
	}
}

// ---------------------------------------------------------------------
// Health and metrics
// ---------------------------------------------------------------------

func TestHealth_AlwaysOpen(t *testing.T) {
	srv := newTestServer(t, nil)

	var health struct {
		OK bool   `json:"ok"`
		TS string `json:"ts"`
	}
	resp := getJSON(t, srv.ts.URL+"/health", &health)
	if resp.StatusCode != http.StatusOK || !health.OK {
		t.Fatalf("health = %+v status %d", health, resp.StatusCode)
	}
	if _, err := time.Parse(time.RFC3339, health.TS); err != nil {
		t.Errorf("health ts %q is not RFC3339: %v", health.TS, err)
	}
}

func TestMetricsEndpoint_ExposesPipelineCounters(t *testing.T) {
	srv := newTestServer(t, nil)
	postEvent(t, srv, makeEvent("2026-01-12T10:30:45Z", "root", "203.0.113.9", schema.OutcomeFailure))

	resp, err := http.Get(srv.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "minisoc_events_ingested_total 1") {
		t.Errorf("metrics exposition missing ingest counter:\n%s", data)
	}
}
