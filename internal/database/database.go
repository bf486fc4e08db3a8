// Package database keeps an optional audit log of received webhook deliveries
// in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"deploy-metrics/internal/logger"
	"deploy-metrics/internal/models"
)

const createTable = `
CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	delivery_id TEXT,
	event_type TEXT NOT NULL,
	result TEXT NOT NULL,
	payload TEXT,
	received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events (received_at);`

// InitDB opens the audit database at path and creates its schema.
func InitDB(path string) (*sql.DB, error) {
	log := logger.WithModule("database").WithField("path", path)
	log.Info("Initializing audit database")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	log.Info("Audit database ready")
	return db, nil
}

// InsertEvent stores one delivery and returns its generated ID. A zero
// ReceivedAt is replaced with the current time.
func InsertEvent(db *sql.DB, ev models.AuditEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	_, err := db.Exec(
		"INSERT INTO webhook_events (id, delivery_id, event_type, result, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID, ev.DeliveryID, ev.EventType, ev.Result, ev.Payload, ev.ReceivedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return ev.ID, nil
}

// CountEvents returns how many deliveries of eventType were stored. An empty
// eventType counts all of them.
func CountEvents(db *sql.DB, eventType string) (int, error) {
	var n int
	var err error
	if eventType == "" {
		err = db.QueryRow("SELECT COUNT(*) FROM webhook_events").Scan(&n)
	} else {
		err = db.QueryRow("SELECT COUNT(*) FROM webhook_events WHERE event_type = ?", eventType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
