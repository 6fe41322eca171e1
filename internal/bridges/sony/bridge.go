package sony

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/mqtt"
)

// MQTTClient is the broker surface the bridge needs. Implemented by
// *mqtt.Client; tests substitute a mock.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Controller is the receiver client surface the bridge needs. Implemented by
// *cisip2.Controller.
type Controller interface {
	SubmitCommand(ctx context.Context, req cisip2.CommandRequest) (cisip2.CommandResult, error)
	ZoneStates() []cisip2.ZoneState
	Device() cisip2.DeviceInfo
	SessionState() cisip2.SessionState
	Subscribe(fn func(cisip2.Event)) func()
	Stats() cisip2.Stats
}

// Config holds bridge configuration.
type Config struct {
	// Controller is the receiver client. Required.
	Controller Controller

	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Version is reported in health messages.
	Version string

	// CommandTimeout bounds each MQTT-initiated command. Default: 10s.
	CommandTimeout time.Duration

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration
}

// Bridge connects the receiver client to MQTT. Zone changes go out as
// retained state messages, commands come in on the per-zone command topics,
// and every command gets an ack.
type Bridge struct {
	controller     Controller
	mqtt           MQTTClient
	topics         mqtt.Topics
	health         *HealthReporter
	commandTimeout time.Duration

	unsubscribe func()

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64

	logger   cisip2.Logger
	loggerMu sync.RWMutex
}

// New creates a bridge. Call Start to begin operation.
func New(cfg Config) (*Bridge, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("sony bridge: controller is required")
	}
	if cfg.MQTT == nil {
		return nil, fmt.Errorf("sony bridge: mqtt client is required")
	}

	timeout := cfg.CommandTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	b := &Bridge{
		controller:     cfg.Controller,
		mqtt:           cfg.MQTT,
		commandTimeout: timeout,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Version:    cfg.Version,
		Interval:   cfg.HealthInterval,
		Publisher:  cfg.MQTT,
		Controller: cfg.Controller,
		Stats:      b.statistics,
	})
	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger cisip2.Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// Start subscribes to command topics, hooks into receiver events, publishes
// the initial retained documents, and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.ctxCancel = context.WithCancel(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting health", err)
	}

	if err := b.mqtt.Subscribe(b.topics.AllZoneCommands(), 1, b.handleCommandMessage); err != nil {
		b.ctxCancel()
		return fmt.Errorf("sony bridge: subscribe commands: %w", err)
	}

	b.unsubscribe = b.controller.Subscribe(b.handleEvent)

	// Seed the retained documents so late subscribers see current state.
	b.publishConnection(b.controller.SessionState())
	b.publishDeviceInfo(b.controller.Device())
	for _, state := range b.controller.ZoneStates() {
		b.publishZoneState(state)
	}

	b.health.Start(b.ctx)
	b.logInfo("bridge started")
	return nil
}

// Stop shuts the bridge down: unsubscribes, stops health reporting, and
// waits for in-flight command handlers. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		if err := b.mqtt.Unsubscribe(b.topics.AllZoneCommands()); err != nil {
			b.logError("failed to unsubscribe commands", err)
		}
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// handleCommandMessage processes one message from sonyav/command/{zone}.
// Execution happens on its own goroutine so the broker callback never blocks
// on the receiver.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	b.commandsReceived.Add(1)

	zone, err := zoneFromCommandTopic(topic)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command on unknown zone topic", "topic", topic, "error", err)
		return err
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		b.commandsFailed.Add(1)
		b.publishAck(NewAckError(cmd, zone, fmt.Errorf("%w: %v", cisip2.ErrInvalidCommand, err)))
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(zone, cmd)
	}()
	return nil
}

// executeCommand runs one command against the receiver and acks the outcome.
func (b *Bridge) executeCommand(zone cisip2.ZoneID, cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	req := cisip2.CommandRequest{
		Zone:  zone,
		Kind:  cisip2.CommandKind(strings.ToLower(cmd.Action)),
		Value: cmd.Value,
	}

	result, err := b.controller.SubmitCommand(ctx, req)
	if err == nil {
		err = result.Err
	}
	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command failed", "zone", zone, "action", cmd.Action, "error", err)
		b.publishAck(NewAckError(cmd, zone, err))
		return
	}

	b.logDebug("command accepted", "zone", zone, "action", cmd.Action, "id", cmd.ID)
	b.publishAck(NewAckMessage(cmd, zone, AckAccepted))
}

// handleEvent fans receiver events out to the retained MQTT documents.
func (b *Bridge) handleEvent(ev cisip2.Event) {
	switch ev.Type {
	case cisip2.EventZoneChanged:
		b.publishZoneState(ev.State)
	case cisip2.EventDeviceChanged:
		b.publishDeviceInfo(ev.Device)
	case cisip2.EventSessionChanged:
		b.publishConnection(ev.Session)
		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}
	}
}

func (b *Bridge) publishZoneState(state cisip2.ZoneState) {
	payload, err := json.Marshal(NewStateMessage(state))
	if err != nil {
		b.logError("failed to marshal zone state", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.ZoneState(string(state.Zone)), payload, 1, true); err != nil {
		b.logError("failed to publish zone state", err)
		return
	}
	b.statesPublished.Add(1)
}

func (b *Bridge) publishDeviceInfo(info cisip2.DeviceInfo) {
	if info == (cisip2.DeviceInfo{}) {
		return
	}
	payload, err := json.Marshal(NewDeviceInfoMessage(info))
	if err != nil {
		b.logError("failed to marshal device info", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceInfo(), payload, 1, true); err != nil {
		b.logError("failed to publish device info", err)
	}
}

func (b *Bridge) publishConnection(state cisip2.SessionState) {
	stats := b.controller.Stats()
	payload, err := json.Marshal(NewConnectionMessage(state, stats.Session.ReconnectsTotal))
	if err != nil {
		b.logError("failed to marshal connection status", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Connection(), payload, 1, true); err != nil {
		b.logError("failed to publish connection status", err)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.ZoneAck(ack.Zone), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// statistics assembles counters from the bridge and the receiver client.
func (b *Bridge) statistics() BridgeStatistics {
	stats := b.controller.Stats()
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		FramesTx:         stats.Session.FramesTx,
		FramesRx:         stats.Session.FramesRx,
		Reconnects:       stats.Session.ReconnectsTotal,
		EventsDropped:    stats.Router.EventsDropped,
	}
}

// GetMetrics returns bridge counters for the API metrics endpoint.
func (b *Bridge) GetMetrics() map[string]any {
	stats := b.statistics()
	return map[string]any{
		"commands_received": stats.CommandsReceived,
		"commands_failed":   stats.CommandsFailed,
		"states_published":  stats.StatesPublished,
		"frames_tx":         stats.FramesTx,
		"frames_rx":         stats.FramesRx,
		"reconnects":        stats.Reconnects,
		"events_dropped":    stats.EventsDropped,
	}
}

// zoneFromCommandTopic extracts and validates the zone segment from a
// sonyav/command/{zone} topic.
func zoneFromCommandTopic(topic string) (cisip2.ZoneID, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] != "command" {
		return "", fmt.Errorf("%w: topic %q", cisip2.ErrUnknownZone, topic)
	}
	return cisip2.ParseZone(parts[2])
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
