package cisip2

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// mockReceiver simulates an STR-ZA receiver for testing: it answers get
// frames from a canned feature table, acks or naks set frames, and can push
// notify frames and drop connections on demand.
type mockReceiver struct {
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received []Frame
	answers  map[string]any
	nakAll   bool
	silent   bool // swallow set frames without answering

	done chan struct{}
	wg   sync.WaitGroup
}

func newMockReceiver(t *testing.T) *mockReceiver {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	r := &mockReceiver{
		listener: listener,
		answers: map[string]any{
			FeatureMACAddress: "00:11:22:33:44:55",
			FeatureModelType:  "Z21",
			FeatureVersion:    "1.02",
			FeatureSoundField: "stereo",
			"main.power":      "on",
			"main.mute":       "off",
			"main.input":      "bd",
			"main.volumestep": float64(20),
			"main.volumedb":   float64(-40.0),
		},
		done: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

func (r *mockReceiver) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		r.conn = conn
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *mockReceiver) serve(conn net.Conn) {
	defer r.wg.Done()

	dec := NewDecoder()
	buf := make([]byte, 1024)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		dec.Feed(buf[:n])
		for {
			frame, err := dec.Next()
			if err != nil || frame == nil {
				break
			}
			r.handle(conn, frame)
		}
	}
}

func (r *mockReceiver) handle(conn net.Conn, frame *Frame) {
	r.mu.Lock()
	r.received = append(r.received, *frame)
	nakAll, silent := r.nakAll, r.silent
	answer, hasAnswer := r.answers[frame.Feature]
	r.mu.Unlock()

	switch frame.Type {
	case TypeGet:
		if nakAll || !hasAnswer {
			r.reply(conn, Frame{Type: TypeResult, Feature: frame.Feature, Value: "NAK"})
			return
		}
		r.reply(conn, Frame{Type: TypeResult, Feature: frame.Feature, Value: answer})

	case TypeSet:
		if silent {
			return
		}
		if nakAll {
			r.reply(conn, Frame{Type: TypeResult, Feature: frame.Feature, Value: "NAK"})
			return
		}
		// Ack, then broadcast the new value like the real device
		r.reply(conn, Frame{Type: TypeResult, Feature: frame.Feature, Value: "ACK"})
		r.reply(conn, Frame{Type: TypeNotify, Feature: frame.Feature, Value: frame.Value})
		r.mu.Lock()
		r.answers[frame.Feature] = frame.Value
		r.mu.Unlock()
	}
}

func (r *mockReceiver) reply(conn net.Conn, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(data)
}

// notify pushes an unsolicited broadcast to the connected client.
func (r *mockReceiver) notify(t *testing.T, feature string, value any) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connection for notify")
	}
	r.reply(conn, Frame{Type: TypeNotify, Feature: feature, Value: value})
}

// sendRaw writes arbitrary bytes, for malformed-stream tests.
func (r *mockReceiver) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connection for raw send")
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(data)
}

// dropConn severs the client connection without stopping the listener, so
// reconnection can be observed.
func (r *mockReceiver) dropConn() {
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *mockReceiver) setNakAll(v bool) {
	r.mu.Lock()
	r.nakAll = v
	r.mu.Unlock()
}

func (r *mockReceiver) setSilent(v bool) {
	r.mu.Lock()
	r.silent = v
	r.mu.Unlock()
}

func (r *mockReceiver) receivedFrames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame{}, r.received...)
}

func (r *mockReceiver) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(r.listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}
	return host, port
}

func (r *mockReceiver) close() {
	close(r.done)
	r.listener.Close()
	r.dropConn()
	r.wg.Wait()
}

func testSessionConfig(t *testing.T, r *mockReceiver) SessionConfig {
	t.Helper()
	host, port := r.hostPort(t)
	return SessionConfig{
		Host:              host,
		Port:              port,
		ConnectTimeout:    2 * time.Second,
		ReadTimeout:       200 * time.Millisecond,
		WriteTimeout:      time.Second,
		ReconnectInterval: 50 * time.Millisecond,
	}
}

func TestSessionConnectAndHandshake(t *testing.T) {
	receiver := newMockReceiver(t)
	defer receiver.close()

	session := NewSession(testSessionConfig(t, receiver))

	frames := make(chan *Frame, 16)
	session.SetOnFrame(func(f *Frame) { frames <- f })

	var states []SessionState
	var statesMu sync.Mutex
	session.SetOnStateChange(func(s SessionState) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer session.Close()

	if session.State() != StateReady {
		t.Errorf("State() = %v, want ready", session.State())
	}

	// Handshake probe result was dispatched
	select {
	case f := <-frames:
		if f.Feature != FeatureMACAddress {
			t.Errorf("handshake frame = %v, want %s", f.Feature, FeatureMACAddress)
		}
	case <-time.After(time.Second):
		t.Fatal("handshake frame never dispatched")
	}

	statesMu.Lock()
	got := append([]SessionState{}, states...)
	statesMu.Unlock()
	want := []SessionState{StateConnecting, StateHandshaking, StateReady}
	if len(got) != len(want) {
		t.Fatalf("state transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSessionConnectRefused(t *testing.T) {
	// Grab a port with no listener
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	session := NewSession(SessionConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: 500 * time.Millisecond,
	})
	defer session.Close()

	err = session.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if session.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", session.State())
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	// A listener that never answers is not a CIS-IP2 receiver
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	session := NewSession(SessionConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: 300 * time.Millisecond,
		ReadTimeout:    200 * time.Millisecond,
	})
	defer session.Close()

	if err := session.Connect(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
}

func TestSessionSendNotConnected(t *testing.T) {
	session := NewSession(SessionConfig{Host: "127.0.0.1"})
	defer session.Close()

	frame, _ := EncodeGet("main.power")
	if err := session.Send(context.Background(), frame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestSessionSendAndReceive(t *testing.T) {
	receiver := newMockReceiver(t)
	defer receiver.close()

	session := NewSession(testSessionConfig(t, receiver))
	frames := make(chan *Frame, 16)
	session.SetOnFrame(func(f *Frame) { frames <- f })

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer session.Close()

	frame, _ := EncodeSet("main.power", "on")
	if err := session.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	// Expect ack then notify from the mock
	deadline := time.After(2 * time.Second)
	var gotAck, gotNotify bool
	for !gotAck || !gotNotify {
		select {
		case f := <-frames:
			switch {
			case f.Type == TypeResult && f.Feature == "main.power":
				gotAck = true
			case f.Type == TypeNotify && f.Feature == "main.power":
				gotNotify = true
			}
		case <-deadline:
			t.Fatalf("missing frames: ack=%v notify=%v", gotAck, gotNotify)
		}
	}

	stats := session.Stats()
	if stats.FramesTx == 0 || stats.FramesRx == 0 {
		t.Errorf("stats = %+v, want non-zero tx/rx", stats)
	}
}

func TestSessionParseErrorResyncs(t *testing.T) {
	receiver := newMockReceiver(t)
	defer receiver.close()

	session := NewSession(testSessionConfig(t, receiver))
	frames := make(chan *Frame, 16)
	parseErrs := make(chan error, 16)
	session.SetOnFrame(func(f *Frame) { frames <- f })
	session.SetOnParseError(func(err error) { parseErrs <- err })

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer session.Close()

	receiver.sendRaw(t, []byte(`junk{"type":"notify","feature":"main.mute","value":"on"}`))

	select {
	case err := <-parseErrs:
		if !errors.Is(err, ErrParse) {
			t.Errorf("parse error = %v, want ErrParse", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parse error never reported")
	}

	// The frame after the junk still decodes. The handshake's own result
	// frame may sit ahead of it on the channel, so scan past it.
	deadline := time.After(2 * time.Second)
	var decoded *Frame
	for decoded == nil {
		select {
		case f := <-frames:
			if f.Feature == "main.mute" {
				decoded = f
			}
		case <-deadline:
			t.Fatal("frame after junk never arrived")
		}
	}

	if session.Stats().ParseErrors == 0 {
		t.Error("ParseErrors = 0, want > 0")
	}
}

func TestSessionReconnectAfterDrop(t *testing.T) {
	receiver := newMockReceiver(t)
	defer receiver.close()

	session := NewSession(testSessionConfig(t, receiver))

	states := make(chan SessionState, 32)
	session.SetOnStateChange(func(s SessionState) { states <- s })

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer session.Close()

	drainStates(states)
	receiver.dropConn()

	// Expect disconnected, then ready again after automatic reconnect
	waitState(t, states, StateDisconnected)
	waitState(t, states, StateReady)

	if session.Stats().ReconnectsTotal != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", session.Stats().ReconnectsTotal)
	}

	// The restored session is usable
	frame, _ := EncodeGet("main.power")
	if err := session.Send(context.Background(), frame); err != nil {
		t.Errorf("Send() after reconnect error: %v", err)
	}
}

func TestSessionCloseStopsReconnect(t *testing.T) {
	receiver := newMockReceiver(t)

	session := NewSession(testSessionConfig(t, receiver))
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// Kill the server entirely so reconnects fail, then close mid-backoff
	receiver.close()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() hung during reconnection")
	}
}

func drainStates(states chan SessionState) {
	for {
		select {
		case <-states:
		default:
			return
		}
	}
}

func waitState(t *testing.T, states <-chan SessionState, want SessionState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %v", want)
		}
	}
}
