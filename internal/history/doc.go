// Package history persists zone state changes and session transitions
// to SQLite.
//
// Every zone change event observed by the controller is stored as a
// JSON snapshot in the zone_state_history table; receiver session
// transitions land in connection_events. Together they give a local
// audit trail that survives daemon restarts and works without InfluxDB.
//
// The Recorder subscribes to controller events, writes them through a
// Store, and prunes rows past the configured retention window on an
// hourly sweep.
package history
