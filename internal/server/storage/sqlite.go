package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minisoc/minisoc/internal/schema"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is the default single-file backend. SQLite allows only one
// writer at a time, so the pool is limited to a single connection; every
// call serialises through it instead of surfacing "database is locked".
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (or creates) the database at path, enables WAL journal
// mode with NORMAL synchronous writes, and applies the schema. ":memory:"
// is accepted for tests.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("storage: create db directory for %q: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	// NORMAL synchronous: durable across application crashes, not OS
	// crashes. A lab SIEM trades that margin for write throughput.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	logger.Info("storage: sqlite ready", slog.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// sqliteDDL is the schema, kept here to keep the package self-contained.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS events (
    event_id   TEXT PRIMARY KEY,
    ts         TEXT NOT NULL,
    host       TEXT NOT NULL,
    event_type TEXT NOT NULL,
    action     TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    severity   INTEGER NOT NULL,
    user       TEXT,
    src_ip     TEXT,
    message    TEXT NOT NULL,
    json       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts     ON events (ts);
CREATE INDEX IF NOT EXISTS idx_events_user   ON events (user);
CREATE INDEX IF NOT EXISTS idx_events_src_ip ON events (src_ip);

CREATE TABLE IF NOT EXISTS alerts (
    alert_id  TEXT PRIMARY KEY,
    ts        TEXT NOT NULL,
    rule_id   TEXT NOT NULL,
    title     TEXT NOT NULL,
    severity  INTEGER NOT NULL,
    entity    TEXT NOT NULL,
    event_ids TEXT NOT NULL,
    details   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts      ON alerts (ts);
CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts (rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_entity  ON alerts (entity);
`

// InsertEvents writes all events in one transaction. INSERT OR REPLACE
// makes re-ingest overwrite, keyed by event_id.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []schema.NormalizedEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO events
			(event_id, ts, host, event_type, action, outcome, severity, user, src_ip, message, json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert events: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		row, err := newEventRow(&events[i])
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx,
			row.eventID, row.ts, row.host, row.eventType, row.action, row.outcome,
			row.severity, row.user, row.srcIP, row.message, string(row.payload),
		); err != nil {
			return 0, fmt.Errorf("storage: insert event %s: %w", row.eventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit insert events: %w", err)
	}
	return len(events), nil
}

// InsertAlert writes one alert. INSERT OR IGNORE relies on the stable
// alert_id hash: replaying the same detection is a silent no-op.
func (s *SQLiteStore) InsertAlert(ctx context.Context, alert schema.Alert) error {
	row, err := newAlertRow(&alert)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
			(alert_id, ts, rule_id, title, severity, entity, event_ids, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.TS, alert.RuleID, alert.Title,
		alert.Severity, alert.Entity, string(row.eventIDs), string(row.details),
	)
	if err != nil {
		return fmt.Errorf("storage: insert alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// RecentEvents returns the newest limit events as their stored JSON. The
// rowid tiebreak keeps same-second events in insertion order.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT json FROM events
		ORDER  BY ts DESC, rowid DESC
		LIMIT  ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: query recent events: %w", err)
	}
	defer rows.Close()

	var events []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan recent event: %w", err)
		}
		events = append(events, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recent events rows: %w", err)
	}
	return events, nil
}

// RecentAlerts returns the newest limit alerts with their list and map
// columns decoded.
func (s *SQLiteStore) RecentAlerts(ctx context.Context, limit int) ([]schema.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, ts, rule_id, title, severity, entity, event_ids, details
		FROM   alerts
		ORDER  BY ts DESC, rowid DESC
		LIMIT  ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: query recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []schema.Alert
	for rows.Next() {
		var a schema.Alert
		var eventIDs, details []byte
		if err := rows.Scan(&a.AlertID, &a.TS, &a.RuleID, &a.Title, &a.Severity, &a.Entity, &eventIDs, &details); err != nil {
			return nil, fmt.Errorf("storage: scan recent alert: %w", err)
		}
		decodeAlertColumns(&a, eventIDs, details)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recent alerts rows: %w", err)
	}
	return alerts, nil
}

// Close closes the underlying database. The store must not be used after
// Close returns.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
