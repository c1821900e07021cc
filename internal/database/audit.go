package database

import (
	"context"
	"fmt"
	"time"
)

// ClientEvent names a point in a client's lifecycle worth auditing.
type ClientEvent string

const (
	// ClientEventCreated is recorded the moment the manager registers a
	// new client.
	ClientEventCreated ClientEvent = "created"
	// ClientEventRetired is recorded the moment a client's task has
	// finished its last event and the manager has unregistered it.
	ClientEventRetired ClientEvent = "retired"
)

// AuditRecord is one row of the client event log.
type AuditRecord struct {
	ID         int64
	Mode       string
	Event      ClientEvent
	OccurredAt time.Time
}

// AuditLog records client lifecycle events to the database.
type AuditLog struct {
	db *DB
}

// NewAuditLog wraps db as a client event recorder.
func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record inserts one lifecycle event for a client of the given transport mode.
func (a *AuditLog) Record(ctx context.Context, mode string, event ClientEvent) error {
	_, err := a.db.conn.ExecContext(ctx,
		`INSERT INTO client_events (mode, event) VALUES (?, ?)`, mode, string(event))
	if err != nil {
		return fmt.Errorf("failed to record client event: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := a.db.conn.QueryContext(ctx,
		`SELECT id, mode, event, occurred_at FROM client_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query client events: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var event string
		if err := rows.Scan(&r.ID, &r.Mode, &event, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan client event: %w", err)
		}
		r.Event = ClientEvent(event)
		out = append(out, r)
	}
	return out, rows.Err()
}
