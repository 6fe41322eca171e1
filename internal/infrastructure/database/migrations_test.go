package database

import (
	"context"
	"testing"
	"time"
)

// TestMigrate verifies migration application.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Verify the history table was created
	var tableName string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='zone_state_history'",
	).Scan(&tableName)
	if err != nil {
		t.Fatalf("table zone_state_history not created: %v", err)
	}

	// Verify all migrations were recorded
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	// Running again should be idempotent
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrateDown verifies migration rollback.
func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Rollback the most recent migration (connection_events)
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='connection_events'",
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if count != 0 {
		t.Error("table connection_events should have been dropped")
	}

	// Earlier migrations stay applied
	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != len(migrations)-1 {
		t.Errorf("expected %d applied migrations after rollback, got %d", len(migrations)-1, len(applied))
	}
}

// TestMigrateDownEmpty verifies rollback on an unmigrated database.
func TestMigrateDownEmpty(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	// Nothing applied yet, should be a no-op
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() on empty database error = %v", err)
	}
}

// TestGetMigrationStatus verifies status reporting.
func TestGetMigrationStatus(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	// Before migration: everything pending
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != len(migrations) {
		t.Errorf("expected %d pending, got %d", len(migrations), len(pending))
	}
}

// TestMigrationVersionsOrdered verifies the schema history is sorted
// and free of duplicates. A misordered entry would apply out of sequence.
func TestMigrationVersionsOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for _, m := range migrations {
		if seen[m.Version] {
			t.Errorf("duplicate migration version %s", m.Version)
		}
		seen[m.Version] = true
		if m.Version <= prev {
			t.Errorf("migration %s not in ascending order (previous %s)", m.Version, prev)
		}
		prev = m.Version
		if m.UpSQL == "" {
			t.Errorf("migration %s has empty up SQL", m.Version)
		}
	}
}
