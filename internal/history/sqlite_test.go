package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

// setupTestDB creates an in-memory SQLite database with the history table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE zone_state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			zone TEXT NOT NULL,
			state TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'notify',
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX idx_zone_state_history_zone_time
			ON zone_state_history (zone, recorded_at DESC);
		CREATE TABLE connection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			detail TEXT,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX idx_connection_events_time
			ON connection_events (recorded_at DESC);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// insertRow inserts a history row with a specific timestamp.
func insertRow(t *testing.T, db *sql.DB, zone, stateJSON, source string, recordedAt time.Time) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO zone_state_history (zone, state, source, recorded_at) VALUES (?, ?, ?, ?)",
		zone,
		stateJSON,
		source,
		recordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("failed to insert history row: %v", err)
	}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// TestRecord verifies history writes and retrieval.
func TestRecord(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	state := cisip2.ZoneState{
		Zone:       cisip2.ZoneMain,
		Power:      boolPtr(true),
		VolumeStep: intPtr(42),
	}
	if err := store.Record(ctx, cisip2.ZoneMain, state, SourceNotify); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entries, err := store.Recent(ctx, cisip2.ZoneMain, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Zone != cisip2.ZoneMain {
		t.Errorf("Zone = %q, want %q", entry.Zone, cisip2.ZoneMain)
	}
	if entry.Source != SourceNotify {
		t.Errorf("Source = %q, want %q", entry.Source, SourceNotify)
	}
	if entry.RecordedAt.IsZero() {
		t.Error("RecordedAt is zero, want non-zero")
	}
	if entry.State.Power == nil || !*entry.State.Power {
		t.Errorf("State.Power = %v, want true", entry.State.Power)
	}
	if entry.State.VolumeStep == nil || *entry.State.VolumeStep != 42 {
		t.Errorf("State.VolumeStep = %v, want 42", entry.State.VolumeStep)
	}
}

// TestRecordEmptyZone verifies the zone argument is required.
func TestRecordEmptyZone(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)

	err := store.Record(context.Background(), "", cisip2.ZoneState{}, SourceNotify)
	if err == nil {
		t.Fatal("Record() with empty zone should return error")
	}
}

// TestRecent verifies ordering, limit enforcement, and zone filtering.
func TestRecent(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	insertRow(t, db, "main", `{"power":false}`, SourceCommand, now.Add(-2*time.Hour))
	insertRow(t, db, "main", `{"power":true}`, SourceNotify, now.Add(-1*time.Hour))
	insertRow(t, db, "main", `{"power":true,"volume_step":20}`, SourceResync, now)
	insertRow(t, db, "zone2", `{"power":true}`, SourceNotify, now)

	entries, err := store.Recent(ctx, cisip2.ZoneMain, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}

	if !entries[0].RecordedAt.Equal(now) {
		t.Errorf("entry[0] RecordedAt = %s, want %s", entries[0].RecordedAt, now)
	}
	if !entries[1].RecordedAt.Equal(now.Add(-1 * time.Hour)) {
		t.Errorf("entry[1] RecordedAt = %s, want %s", entries[1].RecordedAt, now.Add(-1*time.Hour))
	}
}

// TestRecentLimitClamp verifies the limit bounds.
func TestRecentLimitClamp(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 60; i++ {
		insertRow(t, db, "main", `{"power":true}`, SourceNotify, now.Add(-time.Duration(i)*time.Minute))
	}

	// Zero limit uses the default of 50
	entries, err := store.Recent(ctx, cisip2.ZoneMain, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 50 {
		t.Errorf("entries length = %d, want 50 (default limit)", len(entries))
	}

	// Oversized limit is clamped to 200 and returns what exists
	entries, err = store.Recent(ctx, cisip2.ZoneMain, 10000)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 60 {
		t.Errorf("entries length = %d, want 60", len(entries))
	}
}

// insertConnectionEvent inserts a connection event row with a specific timestamp.
func insertConnectionEvent(t *testing.T, db *sql.DB, event string, recordedAt time.Time) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO connection_events (event, detail, recorded_at) VALUES (?, ?, ?)",
		event,
		"",
		recordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("failed to insert connection event: %v", err)
	}
}

// TestRecordConnection verifies connection event writes and retrieval.
func TestRecordConnection(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	if err := store.RecordConnection(ctx, "disconnected", "read timeout"); err != nil {
		t.Fatalf("RecordConnection() error = %v", err)
	}
	if err := store.RecordConnection(ctx, "ready", ""); err != nil {
		t.Fatalf("RecordConnection() error = %v", err)
	}

	events, err := store.RecentConnections(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConnections() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events length = %d, want 2", len(events))
	}

	// Newest first
	if events[0].Event != "ready" {
		t.Errorf("events[0].Event = %q, want ready", events[0].Event)
	}
	if events[1].Event != "disconnected" || events[1].Detail != "read timeout" {
		t.Errorf("events[1] = %+v, want disconnected with detail", events[1])
	}
	if events[0].RecordedAt.IsZero() {
		t.Error("RecordedAt is zero, want non-zero")
	}
}

// TestRecordConnectionEmptyEvent verifies the event argument is required.
func TestRecordConnectionEmptyEvent(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)

	if err := store.RecordConnection(context.Background(), "", ""); err == nil {
		t.Fatal("RecordConnection() with empty event should return error")
	}
}

// TestPrune verifies old entries are removed from both tables.
func TestPrune(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	insertRow(t, db, "main", `{"power":true}`, SourceNotify, now.Add(-40*24*time.Hour))
	insertRow(t, db, "main", `{"power":false}`, SourceNotify, now.Add(-12*time.Hour))
	insertConnectionEvent(t, db, "disconnected", now.Add(-40*24*time.Hour))
	insertConnectionEvent(t, db, "ready", now.Add(-12*time.Hour))

	deleted, err := store.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	events, err := store.RecentConnections(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConnections() error = %v", err)
	}
	if len(events) != 1 || events[0].Event != "ready" {
		t.Fatalf("remaining connection events = %+v, want one ready", events)
	}

	entries, err := store.Recent(ctx, cisip2.ZoneMain, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}
	if !entries[0].RecordedAt.Equal(now.Add(-12 * time.Hour)) {
		t.Errorf("remaining RecordedAt = %s, want %s", entries[0].RecordedAt, now.Add(-12*time.Hour))
	}
}

// TestPruneInvalidDuration verifies validation of the retention argument.
func TestPruneInvalidDuration(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)

	if _, err := store.Prune(context.Background(), 0); err == nil {
		t.Fatal("Prune() with zero duration should return error")
	}
}

// TestRecorderRecordsZoneEvents verifies the recorder writes zone
// changes and session transitions to their respective tables.
func TestRecorderRecordsZoneEvents(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)

	var handler func(cisip2.Event)
	unsubscribed := false
	subscribe := func(fn func(cisip2.Event)) func() {
		handler = fn
		return func() { unsubscribed = true }
	}

	rec := NewRecorder(store, 0, nil)
	rec.Start(subscribe)

	if handler == nil {
		t.Fatal("recorder did not subscribe")
	}

	handler(cisip2.Event{
		Type: cisip2.EventZoneChanged,
		Zone: cisip2.Zone2,
		State: cisip2.ZoneState{
			Zone:  cisip2.Zone2,
			Power: boolPtr(true),
		},
	})
	handler(cisip2.Event{Type: cisip2.EventSessionChanged, Session: cisip2.StateReady})
	handler(cisip2.Event{Type: cisip2.EventDeviceChanged})

	entries, err := store.Recent(context.Background(), cisip2.Zone2, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}
	if entries[0].State.Power == nil || !*entries[0].State.Power {
		t.Errorf("State.Power = %v, want true", entries[0].State.Power)
	}

	events, err := store.RecentConnections(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentConnections() error = %v", err)
	}
	if len(events) != 1 || events[0].Event != "ready" {
		t.Fatalf("connection events = %+v, want one ready", events)
	}

	rec.Stop()
	if !unsubscribed {
		t.Error("recorder did not unsubscribe on Stop()")
	}
}
