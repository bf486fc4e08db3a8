package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"deploy-metrics/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// getEvent loads one stored delivery by ID.
func getEvent(db *sql.DB, id string) (models.AuditEvent, error) {
	var ev models.AuditEvent
	err := db.QueryRow(
		"SELECT id, delivery_id, event_type, result, payload, received_at FROM webhook_events WHERE id = ?", id,
	).Scan(&ev.ID, &ev.DeliveryID, &ev.EventType, &ev.Result, &ev.Payload, &ev.ReceivedAt)
	if err != nil {
		return models.AuditEvent{}, err
	}
	return ev, nil
}

func TestInitDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	for i := 0; i < 2; i++ {
		db, err := InitDB(path)
		if err != nil {
			t.Fatalf("InitDB call %d failed: %v", i+1, err)
		}
		db.Close()
	}
}

func TestInitDBInvalidPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "audit.db")

	if _, err := InitDB(path); err == nil {
		t.Fatal("expected an error for a path in a missing directory")
	}
}

func TestInsertEvent(t *testing.T) {
	db := setupTestDB(t)

	receivedAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	id, err := InsertEvent(db, models.AuditEvent{
		DeliveryID: "72d3162e-cc78-11e3-81ab-4c9367dc0958",
		EventType:  "status",
		Result:     "ok",
		Payload:    `{"state":"success"}`,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("id = %q, want a 26 character ULID", id)
	}

	got, err := getEvent(db, id)
	if err != nil {
		t.Fatalf("getEvent failed: %v", err)
	}
	if got.DeliveryID != "72d3162e-cc78-11e3-81ab-4c9367dc0958" {
		t.Errorf("DeliveryID = %v, want 72d3162e-cc78-11e3-81ab-4c9367dc0958", got.DeliveryID)
	}
	if got.EventType != "status" {
		t.Errorf("EventType = %v, want status", got.EventType)
	}
	if got.Result != "ok" {
		t.Errorf("Result = %v, want ok", got.Result)
	}
	if got.Payload != `{"state":"success"}` {
		t.Errorf("Payload = %v, want the raw body", got.Payload)
	}
	if !got.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, receivedAt)
	}
}

func TestInsertEventDefaults(t *testing.T) {
	db := setupTestDB(t)

	before := time.Now().Add(-time.Second)
	id, err := InsertEvent(db, models.AuditEvent{EventType: "push", Result: "ok"})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	got, err := getEvent(db, id)
	if err != nil {
		t.Fatalf("getEvent failed: %v", err)
	}
	if got.ReceivedAt.Before(before) {
		t.Errorf("ReceivedAt = %v, want the insert time", got.ReceivedAt)
	}
}

func TestInsertEventDuplicateID(t *testing.T) {
	db := setupTestDB(t)

	ev := models.AuditEvent{ID: "01HMZ7Z4W2M3K5V6X8Y9Z0ABCD", EventType: "push", Result: "ok"}
	if _, err := InsertEvent(db, ev); err != nil {
		t.Fatalf("first InsertEvent failed: %v", err)
	}
	if _, err := InsertEvent(db, ev); err == nil {
		t.Error("expected an error inserting a duplicate ID")
	}
}

func TestGetEventNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := getEvent(db, "does-not-exist")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("getEvent error = %v, want sql.ErrNoRows", err)
	}
}

func TestCountEvents(t *testing.T) {
	db := setupTestDB(t)

	for _, kind := range []string{"push", "status", "status", "issues"} {
		if _, err := InsertEvent(db, models.AuditEvent{EventType: kind, Result: "ok"}); err != nil {
			t.Fatalf("InsertEvent(%s) failed: %v", kind, err)
		}
	}

	tests := []struct {
		eventType string
		expected  int
	}{
		{eventType: "", expected: 4},
		{eventType: "status", expected: 2},
		{eventType: "push", expected: 1},
		{eventType: "release", expected: 0},
	}

	for _, tt := range tests {
		t.Run("type="+tt.eventType, func(t *testing.T) {
			n, err := CountEvents(db, tt.eventType)
			if err != nil {
				t.Fatalf("CountEvents failed: %v", err)
			}
			if n != tt.expected {
				t.Errorf("CountEvents(%q) = %d, want %d", tt.eventType, n, tt.expected)
			}
		})
	}
}
