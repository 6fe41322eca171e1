package cisip2

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultCommandTimeout bounds how long a command waits for its result.
const defaultCommandTimeout = 5 * time.Second

// CommandRequest describes one command to the receiver.
type CommandRequest struct {
	Zone  ZoneID
	Kind  CommandKind
	Value any // bool for power/mute, string for input/soundfield, number for volume
}

// CommandResult is the terminal outcome of a command. Value carries the
// feature value for get-style results; Err is non-nil for NAK, timeout,
// cancellation, or connection loss.
type CommandResult struct {
	Feature string
	Value   any
	Err     error
}

// pendingCommand is one command awaiting its result frame.
type pendingCommand struct {
	feature string
	done    chan CommandResult // buffered, resolved exactly once
	timer   *time.Timer
}

// Dispatcher serializes command traffic to the receiver. CIS-IP2 has no
// request identifiers, so results are correlated by feature string: one
// command may be outstanding per feature, and a second submission for the
// same feature is rejected rather than queued.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand

	send    func(ctx context.Context, frame []byte) error
	timeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex

	commandsTotal    atomic.Uint64
	commandsRejected atomic.Uint64
	commandsTimedOut atomic.Uint64
}

// DispatcherStats holds command traffic counters.
type DispatcherStats struct {
	CommandsTotal    uint64
	CommandsRejected uint64
	CommandsTimedOut uint64
	InFlight         int
}

// NewDispatcher creates a dispatcher that transmits frames through send,
// normally Session.Send. A zero timeout uses the default of 5 seconds.
func NewDispatcher(send func(ctx context.Context, frame []byte) error, timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	return &Dispatcher{
		pending: make(map[string]*pendingCommand),
		send:    send,
		timeout: timeout,
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Submit validates, encodes, and transmits a command, returning a channel
// that receives the single terminal result. Validation failures and
// in-flight collisions are returned synchronously and nothing is sent.
func (d *Dispatcher) Submit(ctx context.Context, req CommandRequest) (<-chan CommandResult, error) {
	feature, frame, err := encodeCommand(req)
	if err != nil {
		d.commandsRejected.Add(1)
		return nil, err
	}
	return d.start(ctx, feature, frame)
}

// Get requests a feature's current value and waits for the result frame.
// Gets share the correlation space with commands: a get and a set for the
// same feature cannot overlap.
func (d *Dispatcher) Get(ctx context.Context, feature string) (CommandResult, error) {
	frame, err := EncodeGet(feature)
	if err != nil {
		return CommandResult{}, err
	}

	done, err := d.start(ctx, feature, frame)
	if err != nil {
		return CommandResult{}, err
	}

	select {
	case result := <-done:
		return result, result.Err
	case <-ctx.Done():
		cancelErr := fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		d.Resolve(feature, CommandResult{Feature: feature, Err: cancelErr})
		return CommandResult{Feature: feature, Err: cancelErr}, cancelErr
	}
}

// start registers the pending entry, transmits the frame, and arms the
// timeout.
func (d *Dispatcher) start(ctx context.Context, feature string, frame []byte) (<-chan CommandResult, error) {
	p := &pendingCommand{
		feature: feature,
		done:    make(chan CommandResult, 1),
	}

	d.mu.Lock()
	if _, exists := d.pending[feature]; exists {
		d.mu.Unlock()
		d.commandsRejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrCommandInFlight, feature)
	}
	d.pending[feature] = p
	d.mu.Unlock()

	if err := d.send(ctx, frame); err != nil {
		d.remove(feature, p)
		return nil, err
	}

	d.commandsTotal.Add(1)
	p.timer = time.AfterFunc(d.timeout, func() { d.timeoutCommand(feature, p) })

	return p.done, nil
}

// Do submits a command and waits for its result. A done context resolves
// the command as cancelled; the receiver may still apply it, in which case
// the follow-up broadcast updates the store normally.
func (d *Dispatcher) Do(ctx context.Context, req CommandRequest) (CommandResult, error) {
	done, err := d.Submit(ctx, req)
	if err != nil {
		return CommandResult{}, err
	}

	select {
	case result := <-done:
		return result, result.Err
	case <-ctx.Done():
		feature, _ := FeatureFor(req.Zone, req.Kind)
		cancelErr := fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		d.Resolve(feature, CommandResult{Feature: feature, Err: cancelErr})
		return CommandResult{Feature: feature, Err: cancelErr}, cancelErr
	}
}

// Resolve completes the pending command for a feature. Returns false when
// no command was waiting, which the router logs as an unmatched result.
func (d *Dispatcher) Resolve(feature string, result CommandResult) bool {
	d.mu.Lock()
	p, ok := d.pending[feature]
	if ok {
		delete(d.pending, feature)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- result
	return true
}

// FailAll resolves every pending command with err. Called on connection
// loss (ErrNotConnected) and shutdown (ErrCancelled).
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingCommand)
	d.mu.Unlock()

	for feature, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- CommandResult{Feature: feature, Err: err}
	}
}

// timeoutCommand resolves a command that never got its result frame.
func (d *Dispatcher) timeoutCommand(feature string, p *pendingCommand) {
	d.mu.Lock()
	current, ok := d.pending[feature]
	if !ok || current != p {
		d.mu.Unlock()
		return // Already resolved
	}
	delete(d.pending, feature)
	d.mu.Unlock()

	d.commandsTimedOut.Add(1)
	d.logWarn("command timed out", "feature", feature, "timeout", d.timeout.String())
	p.done <- CommandResult{Feature: feature, Err: fmt.Errorf("%w: %s after %s", ErrTimeout, feature, d.timeout)}
}

// remove deregisters a pending command after a send failure.
func (d *Dispatcher) remove(feature string, p *pendingCommand) {
	d.mu.Lock()
	if current, ok := d.pending[feature]; ok && current == p {
		delete(d.pending, feature)
	}
	d.mu.Unlock()
}

// Stats returns current command counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	inFlight := len(d.pending)
	d.mu.Unlock()

	return DispatcherStats{
		CommandsTotal:    d.commandsTotal.Load(),
		CommandsRejected: d.commandsRejected.Load(),
		CommandsTimedOut: d.commandsTimedOut.Load(),
		InFlight:         inFlight,
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// encodeCommand validates a request and produces the wire feature and the
// encoded set frame.
func encodeCommand(req CommandRequest) (string, []byte, error) {
	if _, err := ParseZone(string(req.Zone)); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	feature, err := FeatureFor(req.Zone, req.Kind)
	if err != nil {
		return "", nil, err
	}

	value, err := wireValue(req)
	if err != nil {
		return "", nil, err
	}

	frame, err := EncodeSet(feature, value)
	if err != nil {
		return "", nil, err
	}
	return feature, frame, nil
}

// wireValue converts a request value to its wire form, enforcing type and
// range per command kind.
func wireValue(req CommandRequest) (any, error) {
	switch req.Kind {
	case CommandPower, CommandMute:
		on, ok := req.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidCommand, req.Kind, req.Value)
		}
		return boolToWire(on), nil

	case CommandInput:
		var raw string
		switch v := req.Value.(type) {
		case string:
			raw = v
		case InputID:
			raw = string(v)
		default:
			return nil, fmt.Errorf("%w: input wants a string, got %T", ErrInvalidCommand, req.Value)
		}
		input, err := ParseInput(raw)
		if err != nil {
			return nil, err
		}
		return string(input), nil

	case CommandVolumeStep:
		n, ok := numberValue(req.Value)
		if !ok {
			return nil, fmt.Errorf("%w: volumestep wants a number, got %T", ErrInvalidCommand, req.Value)
		}
		if n < 0 || n > MaxVolumeStep {
			return nil, fmt.Errorf("%w: volumestep %g out of range 0..%d", ErrInvalidCommand, n, MaxVolumeStep)
		}
		return int(n), nil

	case CommandVolumeDB:
		n, ok := numberValue(req.Value)
		if !ok {
			return nil, fmt.Errorf("%w: volumedb wants a number, got %T", ErrInvalidCommand, req.Value)
		}
		if n < MinVolumeDB || n > MaxVolumeDB {
			return nil, fmt.Errorf("%w: volumedb %g out of range %g..%g", ErrInvalidCommand, n, MinVolumeDB, MaxVolumeDB)
		}
		return n, nil

	case CommandVolumeUp, CommandVolumeDown:
		return PulseValue, nil

	case CommandSoundField:
		v, ok := req.Value.(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: soundfield wants a non-empty string", ErrInvalidCommand)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, req.Kind)
}

// numberValue widens the numeric types callers plausibly pass.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
