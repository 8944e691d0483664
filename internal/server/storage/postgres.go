package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minisoc/minisoc/internal/schema"
)

// PostgresStore backs the same contract with a pgx connection pool, for
// deployments where several agents feed one server and the SQLite single
// writer becomes the bottleneck.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects to connStr, pings the database and applies the
// schema.
func NewPostgres(ctx context.Context, connStr string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	logger.Info("storage: postgres ready")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// postgresDDL mirrors the SQLite schema. "user" needs quoting here, and
// the JSON columns are jsonb. Timestamps stay RFC3339 text so both
// backends sort identically.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS events (
    event_id   TEXT PRIMARY KEY,
    ts         TEXT NOT NULL,
    host       TEXT NOT NULL,
    event_type TEXT NOT NULL,
    action     TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    severity   INTEGER NOT NULL,
    "user"     TEXT,
    src_ip     TEXT,
    message    TEXT NOT NULL,
    json       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts     ON events (ts);
CREATE INDEX IF NOT EXISTS idx_events_user   ON events ("user");
CREATE INDEX IF NOT EXISTS idx_events_src_ip ON events (src_ip);

CREATE TABLE IF NOT EXISTS alerts (
    alert_id  TEXT PRIMARY KEY,
    ts        TEXT NOT NULL,
    rule_id   TEXT NOT NULL,
    title     TEXT NOT NULL,
    severity  INTEGER NOT NULL,
    entity    TEXT NOT NULL,
    event_ids JSONB NOT NULL,
    details   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts      ON alerts (ts);
CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts (rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_entity  ON alerts (entity);
`

// InsertEvents sends all rows in a single pgx.Batch round-trip. The
// conflict clause overwrites every column, matching the SQLite REPLACE
// semantics.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []schema.NormalizedEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO events
			(event_id, ts, host, event_type, action, outcome, severity, "user", src_ip, message, json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO UPDATE SET
			ts         = EXCLUDED.ts,
			host       = EXCLUDED.host,
			event_type = EXCLUDED.event_type,
			action     = EXCLUDED.action,
			outcome    = EXCLUDED.outcome,
			severity   = EXCLUDED.severity,
			"user"     = EXCLUDED."user",
			src_ip     = EXCLUDED.src_ip,
			message    = EXCLUDED.message,
			json       = EXCLUDED.json`

	b := &pgx.Batch{}
	for i := range events {
		row, err := newEventRow(&events[i])
		if err != nil {
			return 0, err
		}
		b.Queue(query,
			row.eventID, row.ts, row.host, row.eventType, row.action, row.outcome,
			row.severity, row.user, row.srcIP, row.message, row.payload,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("storage: batch insert event: %w", err)
		}
	}
	return len(events), nil
}

// InsertAlert writes one alert; a conflicting alert_id is ignored.
func (s *PostgresStore) InsertAlert(ctx context.Context, alert schema.Alert) error {
	row, err := newAlertRow(&alert)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts
			(alert_id, ts, rule_id, title, severity, entity, event_ids, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO NOTHING`,
		alert.AlertID, alert.TS, alert.RuleID, alert.Title,
		alert.Severity, alert.Entity, row.eventIDs, row.details,
	)
	if err != nil {
		return fmt.Errorf("storage: insert alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// RecentEvents returns the newest limit events as their stored JSON.
func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT json FROM events
		ORDER  BY ts DESC, event_id
		LIMIT  $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: query recent events: %w", err)
	}
	defer rows.Close()

	var events []json.RawMessage
	for rows.Next() {
		var payload []byte
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

// RecentAlerts returns the newest limit alerts.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]schema.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_id, ts, rule_id, title, severity, entity, event_ids, details
		FROM   alerts
		ORDER  BY ts DESC, alert_id
		LIMIT  $1`, clampLimit(limit))
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

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
