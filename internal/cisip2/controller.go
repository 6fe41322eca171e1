package cisip2

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds everything the controller needs to reach one receiver.
type Config struct {
	// Host is the receiver's address. Required.
	Host string

	// Port is the CIS-IP2 TCP port. Default: 33336 (use 33335 for legacy
	// firmware).
	Port int

	// ConnectTimeout bounds dial plus handshake. Default: 10s.
	ConnectTimeout time.Duration

	// ReadTimeout paces the read loop. Default: 30s.
	ReadTimeout time.Duration

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration

	// ReconnectInterval is the initial reconnect backoff. Default: 5s.
	ReconnectInterval time.Duration

	// CommandTimeout is how long a command waits for its result. Default: 5s.
	CommandTimeout time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrConnectFailed)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConnectFailed, c.Port)
	}
	return nil
}

// Stats aggregates counters from every layer.
type Stats struct {
	Session  SessionStats
	Commands DispatcherStats
	Router   RouterStats
}

// Controller is the client facade: it owns the session, state store,
// dispatcher, and router, and exposes the operations applications use.
//
// Lifecycle: New -> Connect -> (commands, reads, events) -> Close.
// Disconnect tears down the socket but keeps the controller usable; a later
// Connect establishes a fresh session.
type Controller struct {
	cfg    Config
	logger Logger

	store      *StateStore
	dispatcher *Dispatcher
	router     *Router

	mu           sync.Mutex
	session      *Session
	resyncCancel context.CancelFunc

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a controller for one receiver. The logger may be nil.
func New(cfg Config, logger Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		logger: logger,
		store:  NewStateStore(),
	}
	c.dispatcher = NewDispatcher(c.sendFrame, cfg.CommandTimeout)
	c.router = NewRouter(c.store, c.dispatcher)

	if logger != nil {
		c.dispatcher.SetLogger(logger)
		c.router.SetLogger(logger)
	}

	c.router.Start()
	return c, nil
}

// Connect establishes the session. Returns an error if already connected or
// if dial/handshake fails; once connected, connection loss is handled by
// automatic reconnection until Disconnect or Close.
func (c *Controller) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: controller closed", ErrConnectFailed)
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected", ErrConnectFailed)
	}

	session := NewSession(SessionConfig{
		Host:              c.cfg.Host,
		Port:              c.cfg.Port,
		ConnectTimeout:    c.cfg.ConnectTimeout,
		ReadTimeout:       c.cfg.ReadTimeout,
		WriteTimeout:      c.cfg.WriteTimeout,
		ReconnectInterval: c.cfg.ReconnectInterval,
	})
	if c.logger != nil {
		session.SetLogger(c.logger)
	}
	session.SetOnFrame(c.router.HandleFrame)
	session.SetOnParseError(func(err error) {
		if c.logger != nil {
			c.logger.Warn("stream parse error", "error", err)
		}
	})
	session.SetOnStateChange(c.handleSessionState)

	c.session = session
	c.mu.Unlock()

	if err := session.Connect(ctx); err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		session.Close()
		return err
	}
	return nil
}

// handleSessionState forwards transitions to the router and kicks off a
// state resync whenever the session becomes ready, including after every
// reconnect.
func (c *Controller) handleSessionState(state SessionState) {
	c.router.HandleSessionState(state)

	if state != StateReady || c.closed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.resyncCancel != nil {
		c.resyncCancel()
	}
	c.resyncCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.resync(ctx)
}

// resync pulls the receiver's current state: device identity, sound field,
// and every zone feature. Individual failures are tolerated; later
// broadcasts fill any gaps.
func (c *Controller) resync(ctx context.Context) {
	defer c.wg.Done()

	features := []string{
		FeatureMACAddress,
		FeatureModelType,
		FeatureVersion,
		FeatureSoundField,
	}
	for _, zone := range AllZones() {
		for _, field := range []string{featurePower, featureMute, featureInput, featureVolumeStep, featureVolumeDB} {
			features = append(features, string(zone)+"."+field)
		}
	}

	for _, feature := range features {
		select {
		case <-ctx.Done():
			return
		default:
		}

		getCtx, cancel := context.WithTimeout(ctx, c.dispatcher.timeout)
		_, err := c.dispatcher.Get(getCtx, feature)
		cancel()
		if err != nil && c.logger != nil {
			c.logger.Debug("resync get failed", "feature", feature, "error", err)
		}
	}

	if c.logger != nil {
		c.logger.Info("state resync complete", "device", c.store.Device().ModelName)
	}
}

// sendFrame routes dispatcher traffic through the current session.
func (c *Controller) sendFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	return session.Send(ctx, frame)
}

// SubmitCommand sends one command and waits for its terminal result.
func (c *Controller) SubmitCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	return c.dispatcher.Do(ctx, req)
}

// ZoneState returns a snapshot of one zone.
func (c *Controller) ZoneState(zone ZoneID) (ZoneState, error) {
	return c.store.Snapshot(zone)
}

// ZoneStates returns snapshots of every zone.
func (c *Controller) ZoneStates() []ZoneState {
	return c.store.Snapshots()
}

// Device returns the receiver identity gathered during resync.
func (c *Controller) Device() DeviceInfo {
	return c.store.Device()
}

// SessionState returns the current connection lifecycle state.
func (c *Controller) SessionState() SessionState {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return StateDisconnected
	}
	return session.State()
}

// Subscribe registers an event callback for zone, device, and session
// events. The returned function unsubscribes.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.router.Subscribe(fn)
}

// Stats returns aggregated counters.
func (c *Controller) Stats() Stats {
	stats := Stats{
		Commands: c.dispatcher.Stats(),
		Router:   c.router.Stats(),
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		stats.Session = session.Stats()
	}
	return stats
}

// Disconnect tears down the session. Outstanding commands resolve as
// cancelled. The controller stays usable; Connect starts a new session.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	if c.resyncCancel != nil {
		c.resyncCancel()
		c.resyncCancel = nil
	}
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	c.dispatcher.FailAll(ErrCancelled)
	return session.Close()
}

// Close shuts the controller down for good: disconnects, stops event
// delivery, and waits for background work.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.Disconnect()
	c.wg.Wait()
	c.router.Stop()
	return err
}
