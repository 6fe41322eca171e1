// Package database owns the daemon's SQLite file: the zone state
// history and connection event tables the recorder writes and the API
// reads.
//
// WAL mode keeps history reads from blocking the recorder. The schema
// lives in migrations.go as versioned SQL that Migrate applies at
// startup, one transaction per step.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Released migrations are immutable and additive. New columns need a
// DEFAULT or must be nullable, and nothing is dropped or renamed once
// shipped, so MigrateDown stays safe.
package database
