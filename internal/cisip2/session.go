package cisip2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default ports and timeouts for receiver communication.
const (
	// DefaultPort is the CIS-IP2 listener on current STR-ZA firmware.
	DefaultPort = 33336

	// LegacyPort is used by early firmware revisions.
	LegacyPort = 33335

	// defaultConnectTimeout is the maximum time to wait for dial + handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	// The receiver is silent between events, so read deadlines only pace
	// the loop's shutdown checks.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection
	// attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// readBufferSize is the read chunk size for the stream decoder.
	readBufferSize = 4096
)

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateHandshaking
	StateReady
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// SessionConfig holds receiver connection configuration.
type SessionConfig struct {
	// Host is the receiver's address (IP or hostname).
	Host string

	// Port is the CIS-IP2 TCP port. Default: 33336.
	Port int

	// ConnectTimeout bounds dial plus handshake. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the per-read deadline. Default: 30 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the per-write deadline. Default: 5 seconds.
	WriteTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds, growing 1.5x per failure up to 2 minutes.
	ReconnectInterval time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
}

func (c *SessionConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SessionStats holds operational statistics.
type SessionStats struct {
	FramesTx        uint64
	FramesRx        uint64
	ParseErrors     uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	State           SessionState
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Session owns the TCP connection to the receiver: dial, protocol handshake,
// the single read loop, write serialization, and automatic reconnection with
// exponential backoff.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The frame callback runs on the read goroutine so frames are delivered
//     in arrival order; it must not block.
//
// Auto-Reconnection:
//   - On read failure the session reconnects with backoff until Close.
//   - Each successful reconnect repeats the handshake before Ready.
type Session struct {
	cfg SessionConfig

	conn   net.Conn
	connMu sync.RWMutex
	dec    *Decoder

	state atomic.Int32

	// Reconnection state
	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	// Write serialization
	writeMu sync.Mutex

	// Callbacks
	callbackMu   sync.RWMutex
	onFrame      func(*Frame)
	onParseError func(error)
	onState      func(SessionState)

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	parseErrors     atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// NewSession creates a disconnected session. Set callbacks before calling
// Connect so no frame or state transition is missed.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:  cfg,
		done: newCloseOnce(),
	}
}

// SetOnFrame sets the callback for decoded frames. It is invoked on the read
// goroutine in arrival order and must not block.
func (s *Session) SetOnFrame(callback func(*Frame)) {
	s.callbackMu.Lock()
	s.onFrame = callback
	s.callbackMu.Unlock()
}

// SetOnParseError sets the callback for stream decode failures. The stream
// resynchronizes automatically; the callback is for visibility only.
func (s *Session) SetOnParseError(callback func(error)) {
	s.callbackMu.Lock()
	s.onParseError = callback
	s.callbackMu.Unlock()
}

// SetOnStateChange sets the callback for session state transitions.
func (s *Session) SetOnStateChange(callback func(SessionState)) {
	s.callbackMu.Lock()
	s.onState = callback
	s.callbackMu.Unlock()
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Connect dials the receiver, performs the protocol handshake, and starts
// the read loop. On failure the session returns to Disconnected; it does not
// retry the initial connection.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("%w: no host configured", ErrConnectFailed)
	}
	if s.isClosed() {
		return fmt.Errorf("%w: session closed", ErrConnectFailed)
	}

	s.setState(StateConnecting)

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", s.cfg.address())
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, s.cfg.address(), err)
	}

	if err := s.establish(connectCtx, conn); err != nil {
		conn.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: handshake: %w", ErrConnectFailed, err)
	}

	s.lastActivity.Store(time.Now().Unix())
	s.setState(StateReady)

	s.wg.Add(1)
	go s.readLoop()

	return nil
}

// establish installs the connection and runs the handshake: probe a known
// device feature and require one well-formed frame back under a deadline.
// A peer that is not a CIS-IP2 receiver fails here instead of poisoning the
// read loop.
func (s *Session) establish(ctx context.Context, conn net.Conn) error {
	s.connMu.Lock()
	s.conn = conn
	s.dec = NewDecoder()
	s.connMu.Unlock()

	s.setState(StateHandshaking)

	probe, err := EncodeGet(FeatureMACAddress)
	if err != nil {
		return err
	}

	writeDeadline := time.Now().Add(s.cfg.WriteTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(writeDeadline) {
		writeDeadline = deadline
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(probe); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}

	readDeadline := time.Now().Add(s.cfg.ReadTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(readDeadline) {
		readDeadline = deadline
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	// Read until one complete frame decodes. Leftover bytes stay buffered
	// in the decoder for the read loop.
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("read probe response: %w", err)
		}
		s.dec.Feed(buf[:n])

		frame, err := s.dec.Next()
		if err != nil {
			return fmt.Errorf("decode probe response: %w", err)
		}
		if frame == nil {
			continue
		}

		s.framesRx.Add(1)
		s.dispatchFrame(frame)
		return nil
	}
}

// readLoop continuously reads from the receiver, feeding the stream decoder
// and dispatching complete frames. On connection loss it reconnects with
// exponential backoff.
func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-s.done.Done():
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.logError("set read deadline failed", err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if s.handleReadError(err) {
				if s.isClosed() {
					return
				}
				if !s.reconnect() {
					return
				}
			}
			continue
		}

		s.lastActivity.Store(time.Now().Unix())
		s.drainDecoder(buf[:n])
	}
}

// drainDecoder feeds a chunk to the decoder and dispatches every complete
// frame it yields. Parse errors are counted and reported; the decoder has
// already resynchronized.
func (s *Session) drainDecoder(chunk []byte) {
	s.connMu.RLock()
	dec := s.dec
	s.connMu.RUnlock()
	if dec == nil {
		return
	}

	dec.Feed(chunk)
	for {
		frame, err := dec.Next()
		if err != nil {
			s.parseErrors.Add(1)
			s.errorsTotal.Add(1)
			s.logError("frame decode failed", err)
			s.callbackMu.RLock()
			onParseError := s.onParseError
			s.callbackMu.RUnlock()
			if onParseError != nil {
				onParseError(err)
			}
			continue
		}
		if frame == nil {
			return
		}
		s.framesRx.Add(1)
		s.dispatchFrame(frame)
	}
}

// dispatchFrame hands a frame to the router callback, recovering panics so
// a bad handler cannot kill the read loop.
func (s *Session) dispatchFrame(frame *Frame) {
	s.callbackMu.RLock()
	callback := s.onFrame
	s.callbackMu.RUnlock()
	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logError("frame callback panic", fmt.Errorf("%v", r))
		}
	}()
	callback(frame)
}

// handleReadError processes a read error and reports whether the connection
// is lost.
func (s *Session) handleReadError(err error) bool {
	if s.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false // Idle receiver, keep waiting
	}

	s.errorsTotal.Add(1)
	s.logError("read failed", err)
	s.handleDisconnect()
	return true
}

// handleDisconnect transitions to Disconnected on connection loss.
func (s *Session) handleDisconnect() {
	if SessionState(s.state.Load()) != StateDisconnected {
		s.logInfo("connection lost, will attempt reconnection")
	}
	s.setState(StateDisconnected)
}

// reconnect re-establishes the connection with exponential backoff.
// Returns false if shutdown was signalled.
func (s *Session) reconnect() bool {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return s.waitForReconnection()
	}
	defer s.reconnecting.Store(false)

	backoff := s.cfg.ReconnectInterval

	for {
		if s.isClosed() {
			return false
		}

		attempt := s.reconnectCount.Add(1)
		s.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		s.closeOldConnection()
		s.setState(StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", s.cfg.address())
		if err != nil {
			cancel()
			backoff = s.handleReconnectFailure("dial failed", err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		err = s.establish(ctx, conn)
		cancel()
		if err != nil {
			conn.Close()
			s.closeOldConnection()
			backoff = s.handleReconnectFailure("handshake failed", err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		s.finalizeReconnection()
		return true
	}
}

// waitForReconnection waits for another goroutine's reconnection attempt.
func (s *Session) waitForReconnection() bool {
	for s.reconnecting.Load() && !s.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !s.isClosed() && s.State() == StateReady
}

// closeOldConnection closes the existing connection if any.
func (s *Session) closeOldConnection() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.dec = nil
	s.connMu.Unlock()
}

// handleReconnectFailure logs a failed attempt and sleeps out the backoff.
// Returns the next backoff, or 0 if shutdown was signalled.
func (s *Session) handleReconnectFailure(reason string, err error, backoff time.Duration) time.Duration {
	s.logError("reconnect: "+reason, err)
	s.errorsTotal.Add(1)
	s.setState(StateDisconnected)

	select {
	case <-s.done.Done():
		return 0
	case <-time.After(backoff):
	}

	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

// finalizeReconnection marks the session ready and updates stats.
func (s *Session) finalizeReconnection() {
	s.reconnectCount.Store(0)
	s.reconnectsTotal.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	s.setState(StateReady)

	s.logInfo("reconnection successful", "total_reconnects", s.reconnectsTotal.Load())
}

// Send writes one encoded frame to the receiver. Writes are serialized so
// concurrent commands cannot interleave bytes on the wire.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if s.State() != StateReady {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("cisip2: set write deadline: %w", err)
	}

	if _, err := conn.Write(frame); err != nil {
		s.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrNotConnected, err)
	}

	s.framesTx.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	return nil
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState stores the state and notifies the transition callback when the
// state actually changed.
func (s *Session) setState(state SessionState) {
	old := SessionState(s.state.Swap(int32(state)))
	if old == state {
		return
	}

	s.callbackMu.RLock()
	callback := s.onState
	s.callbackMu.RUnlock()
	if callback != nil {
		callback(state)
	}
}

// isClosed returns true if the session has been closed.
func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Close shuts the session down. It stops reconnection, closes the socket to
// unblock the reader, and waits for the read loop to exit. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.done.Close()
	s.setState(StateDisconnected)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.logInfo("session closed")
	return nil
}

// Stats returns current operational statistics.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesTx:        s.framesTx.Load(),
		FramesRx:        s.framesRx.Load(),
		ParseErrors:     s.parseErrors.Load(),
		ErrorsTotal:     s.errorsTotal.Load(),
		ReconnectsTotal: s.reconnectsTotal.Load(),
		LastActivity:    time.Unix(s.lastActivity.Load(), 0),
		State:           s.State(),
		Reconnecting:    s.reconnecting.Load(),
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
