// Package api implements the HTTP REST API and WebSocket server for the
// cisip2 daemon.
//
// This package provides:
//   - REST endpoints for zone state, zone commands, history, and system info
//   - WebSocket hub for real-time state change broadcasts
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API server sits between user interfaces (dashboards, automation
// systems) and the receiver client. Commands submitted via POST are confirmed
// synchronously against the receiver; state changes flow back through the
// client's event stream and are broadcast to WebSocket subscribers.
//
// # Graceful Degradation
//
// The server operates without the history store — the history endpoint
// returns 503 while reads, commands, and WebSocket connections keep working.
package api
