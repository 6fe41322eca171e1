package cisip2

import "errors"

// Domain errors for the CIS-IP2 client package.
var (
	// ErrConnectFailed is returned when the TCP connection or the protocol
	// handshake with the receiver fails.
	ErrConnectFailed = errors.New("cisip2: connection to receiver failed")

	// ErrNotConnected is returned when an operation requires a ready session
	// but the client is not connected. Commands that were in flight when the
	// connection dropped also resolve with this error.
	ErrNotConnected = errors.New("cisip2: not connected to receiver")

	// ErrParse is returned when bytes from the receiver cannot be framed or
	// decoded as a CIS-IP2 message.
	ErrParse = errors.New("cisip2: malformed frame")

	// ErrInvalidCommand is returned when a command fails validation before
	// it is sent: unknown zone, unknown kind, or a value out of range.
	ErrInvalidCommand = errors.New("cisip2: invalid command")

	// ErrCommandInFlight is returned when a command targets a feature that
	// already has an outstanding command awaiting its result.
	ErrCommandInFlight = errors.New("cisip2: command already in flight")

	// ErrTimeout is returned when the receiver does not answer a command
	// within the configured window.
	ErrTimeout = errors.New("cisip2: command timed out")

	// ErrDeviceRejected is returned when the receiver answers a command
	// with NAK.
	ErrDeviceRejected = errors.New("cisip2: command rejected by receiver")

	// ErrCancelled is returned for commands resolved by client shutdown or
	// by the caller's context.
	ErrCancelled = errors.New("cisip2: command cancelled")

	// ErrUnknownZone is returned when a zone identifier is not one of
	// main, zone2, zone3.
	ErrUnknownZone = errors.New("cisip2: unknown zone")
)
