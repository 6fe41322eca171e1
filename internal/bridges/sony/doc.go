// Package sony bridges the CIS-IP2 receiver client onto MQTT.
//
// The bridge sits between the broker and the receiver client:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Automation /  │   MQTT   │   Sony Bridge   │   TCP
//	│   Dashboards    │◄────────►│   (this pkg)    │◄────────► Receiver
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Subscribe to sonyav/command/+ and execute zone commands
//   - Acknowledge every command on sonyav/ack/{zone}
//   - Publish retained zone state to sonyav/state/{zone} on change
//   - Publish retained device identity to sonyav/device/info
//   - Publish receiver connection status to sonyav/connection
//   - Publish periodic health to sonyav/health
//
// # Command Flow
//
// A command arrives as JSON on the zone's command topic:
//
//	{"id":"a1b2...","action":"power","value":true}
//
// The bridge submits it to the receiver and publishes exactly one ack with
// status accepted, failed, or timeout. Failures carry a stable error code
// such as DEVICE_UNREACHABLE or INVALID_COMMAND.
//
// State messages are retained so late subscribers immediately see the last
// known state of every zone.
package sony
