// Package cisip2 implements a client for Sony ES AV receivers speaking the
// CIS-IP2 control protocol.
//
// CIS-IP2 is a line of JSON messages over a persistent TCP socket (default
// port 33336, legacy firmwares use 33335) with no delimiter between messages.
// Each message is a single JSON object:
//
//	{"type":"set","feature":"main.power","value":"on"}
//	{"type":"result","feature":"main.power","value":"ACK"}
//	{"type":"notify","feature":"main.volumestep","value":23}
//
// # Architecture
//
// The package is layered:
//
//   - Decoder/encode helpers (codec.go) split the undelimited byte stream
//     into complete JSON objects and build outgoing frames.
//   - Session (session.go) owns the TCP connection: dial, handshake, the
//     single read loop, write serialization, and automatic reconnection.
//   - StateStore (state.go) mirrors receiver zone state; all writes flow
//     through the router so the store has a single writer.
//   - Dispatcher (dispatcher.go) tracks in-flight commands keyed by feature
//     string, enforcing one outstanding command per feature.
//   - Router (router.go) consumes decoded frames in arrival order and fans
//     out state changes through an ordered notifier queue.
//   - Controller (controller.go) is the facade applications use.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Zone state reads return snapshot copies.
//
// # References
//
//   - Sony STR-ZA1100ES/ZA2100ES/ZA3100ES IP control documentation
package cisip2
