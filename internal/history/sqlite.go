package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// SQLiteStore implements Store using SQLite.
//
// It stores state snapshots as JSON in the zone_state_history table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite history store.
// The zone_state_history table must exist (see database.Migrate).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Record inserts a new history entry for a zone.
func (s *SQLiteStore) Record(ctx context.Context, zone cisip2.ZoneID, state cisip2.ZoneState, source string) error {
	if zone == "" {
		return fmt.Errorf("zone is required")
	}
	if source == "" {
		source = SourceNotify
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO zone_state_history (zone, state, source, recorded_at) VALUES (?, ?, ?, ?)",
		string(zone),
		string(stateJSON),
		source,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting zone history: %w", err)
	}

	return nil
}

// Recent returns recent history entries for a zone, ordered newest first.
// The limit defaults to 50 and is clamped to 200.
func (s *SQLiteStore) Recent(ctx context.Context, zone cisip2.ZoneID, limit int) ([]Entry, error) {
	if zone == "" {
		return nil, fmt.Errorf("zone is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, state, source, recorded_at
		 FROM zone_state_history
		 WHERE zone = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		string(zone),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying zone history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var zoneStr string
		var stateJSON string
		var recordedAt string

		if err := rows.Scan(&entry.ID, &zoneStr, &stateJSON, &entry.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning zone history: %w", err)
		}
		entry.Zone = cisip2.ZoneID(zoneStr)

		if err := json.Unmarshal([]byte(stateJSON), &entry.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}

		timestamp, err := parseTimestamp(recordedAt)
		if err != nil {
			return nil, err
		}
		entry.RecordedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating zone history: %w", err)
	}

	return entries, nil
}

// RecordConnection inserts a receiver session transition.
func (s *SQLiteStore) RecordConnection(ctx context.Context, event, detail string) error {
	if event == "" {
		return fmt.Errorf("event is required")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO connection_events (event, detail, recorded_at) VALUES (?, ?, ?)",
		event,
		detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}

	return nil
}

// RecentConnections returns recent connection events, newest first.
// The limit defaults to 50 and is clamped to 200.
func (s *SQLiteStore) RecentConnections(ctx context.Context, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, detail, recorded_at
		 FROM connection_events
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	events := make([]ConnectionEvent, 0, limit)
	for rows.Next() {
		var event ConnectionEvent
		var detail sql.NullString
		var recordedAt string

		if err := rows.Scan(&event.ID, &event.Event, &detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		event.Detail = detail.String

		timestamp, err := parseTimestamp(recordedAt)
		if err != nil {
			return nil, err
		}
		event.RecordedAt = timestamp

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}

	return events, nil
}

// Prune deletes history entries and connection events older than the
// given duration.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	var total int64
	for _, table := range []string{"zone_state_history", "connection_events"} {
		result, err := s.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE recorded_at < ?",
			cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += rowsAffected
	}

	return total, nil
}

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("recorded_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing recorded_at: %w", err)
}
