package history

import (
	"context"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

// History source values.
const (
	SourceNotify  = "notify"
	SourceCommand = "command"
	SourceResync  = "resync"
)

// Entry represents a single zone state change record.
//
// Each entry stores a full snapshot of the zone state at the time the
// change was observed. This provides a local audit trail even when the
// time-series database is unavailable.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// Zone identifies which zone changed.
	Zone cisip2.ZoneID `json:"zone"`

	// State is the JSON snapshot of the zone state.
	State cisip2.ZoneState `json:"state"`

	// Source identifies how the change was observed (notify, command, resync).
	Source string `json:"source"`

	// RecordedAt is the timestamp of the state change (UTC).
	RecordedAt time.Time `json:"recorded_at"`
}

// ConnectionEvent records one receiver session transition
// (disconnected, connecting, handshaking, ready).
type ConnectionEvent struct {
	// ID is the auto-incremented primary key for the event row.
	ID int64 `json:"id"`

	// Event is the session state the link transitioned into.
	Event string `json:"event"`

	// Detail carries optional context for the transition.
	Detail string `json:"detail,omitempty"`

	// RecordedAt is the timestamp of the transition (UTC).
	RecordedAt time.Time `json:"recorded_at"`
}

// Store records and retrieves zone state change history and receiver
// connection events.
//
// Implementations must be thread-safe and use UTC timestamps.
type Store interface {
	// Record persists a zone state change.
	Record(ctx context.Context, zone cisip2.ZoneID, state cisip2.ZoneState, source string) error

	// Recent returns recent history for the zone, newest first.
	// The limit may be clamped by the implementation.
	Recent(ctx context.Context, zone cisip2.ZoneID, limit int) ([]Entry, error)

	// RecordConnection persists a receiver session transition.
	RecordConnection(ctx context.Context, event, detail string) error

	// RecentConnections returns recent connection events, newest first.
	// The limit may be clamped by the implementation.
	RecentConnections(ctx context.Context, limit int) ([]ConnectionEvent, error)

	// Prune deletes history rows and connection events older than the
	// given duration and returns the number of rows removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
