// Package storage persists normalized events and alerts behind a small
// backend-neutral interface. The default backend is a WAL-mode SQLite
// file; a PostgreSQL backend is selected by configuring a connection URL.
//
// # Write discipline
//
// Events are idempotent by event_id: re-ingesting a payload overwrites the
// stored row. Alerts are insert-once by alert_id: the deterministic alert
// hash makes a duplicate insert a silent no-op. Neither table is ever
// updated in place beyond that.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/minisoc/minisoc/internal/schema"
)

// defaultRecentLimit bounds recent queries when the caller passes a
// non-positive limit.
const defaultRecentLimit = 50

// Store is the persistence contract shared by both backends.
type Store interface {
	// InsertEvents writes events idempotently and returns how many rows
	// were written.
	InsertEvents(ctx context.Context, events []schema.NormalizedEvent) (int, error)

	// InsertAlert writes an alert; a duplicate alert_id is a no-op.
	InsertAlert(ctx context.Context, alert schema.Alert) error

	// RecentEvents returns the newest events as their original JSON
	// payloads, newest first.
	RecentEvents(ctx context.Context, limit int) ([]json.RawMessage, error)

	// RecentAlerts returns the newest alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]schema.Alert, error)

	Close() error
}

// Open selects a backend: a non-empty dbURL wins and connects PostgreSQL,
// otherwise the SQLite file at dbPath is opened (created if missing).
func Open(ctx context.Context, dbURL, dbPath string, logger *slog.Logger) (Store, error) {
	if dbURL != "" {
		return NewPostgres(ctx, dbURL, logger)
	}
	return NewSQLite(dbPath, logger)
}

// eventRow flattens a normalized event into the indexed columns plus its
// canonical JSON payload.
type eventRow struct {
	eventID   string
	ts        string
	host      string
	eventType string
	action    string
	outcome   string
	severity  int
	user      *string
	srcIP     *string
	message   string
	payload   []byte
}

func newEventRow(ev *schema.NormalizedEvent) (eventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, fmt.Errorf("storage: encode event %s: %w", ev.EventID, err)
	}
	row := eventRow{
		eventID:   ev.EventID.String(),
		ts:        ev.TS,
		host:      ev.Host.Name,
		eventType: ev.Event.Type,
		action:    ev.Event.Action,
		outcome:   string(ev.Event.Outcome),
		severity:  ev.Event.Severity,
		message:   ev.Message,
		payload:   payload,
	}
	if ev.User != nil {
		row.user = nullableStr(ev.User.Name)
	}
	if ev.Src != nil {
		row.srcIP = nullableStr(ev.Src.IP)
	}
	return row, nil
}

// alertRow carries an alert's list and map columns pre-encoded.
type alertRow struct {
	eventIDs []byte
	details  []byte
}

func newAlertRow(alert *schema.Alert) (alertRow, error) {
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return alertRow{}, fmt.Errorf("storage: encode alert %s event ids: %w", alert.AlertID, err)
	}
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return alertRow{}, fmt.Errorf("storage: encode alert %s details: %w", alert.AlertID, err)
	}
	return alertRow{eventIDs: eventIDs, details: details}, nil
}

// decodeAlertColumns fills the list and map fields from their stored JSON.
// A malformed value produces a nil field rather than an error so one bad
// row does not block the readout.
func decodeAlertColumns(alert *schema.Alert, eventIDs, details []byte) {
	if err := json.Unmarshal(eventIDs, &alert.EventIDs); err != nil {
		alert.EventIDs = nil
	}
	if err := json.Unmarshal(details, &alert.Details); err != nil {
		alert.Details = nil
	}
}

// nullableStr converts an empty string to a nil pointer, stored as NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
