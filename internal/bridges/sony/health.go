package sony

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/mqtt"
)

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// SessionReporter exposes the receiver connection state for health checks.
type SessionReporter interface {
	SessionState() cisip2.SessionState
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the daemon version reported in health messages.
	Version string

	// Interval is how often to publish health status. Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Controller provides the receiver session state.
	Controller SessionReporter

	// Stats supplies current counters for each report.
	Stats func() BridgeStatistics
}

// HealthReporter publishes periodic health status to sonyav/health.
type HealthReporter struct {
	version    string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	controller SessionReporter
	stats      func() BridgeStatistics

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   cisip2.Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		version:    cfg.Version,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		controller: cfg.Controller,
		stats:      cfg.Stats,
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is
// called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting and publishes a final "stopping"
// status. Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		// Best-effort during shutdown, nothing we can do if it fails.
		//nolint:errcheck
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger cisip2.Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status during initialization.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "daemon starting")
}

// PublishNow publishes the current health status immediately. Useful after a
// significant event such as a session transition.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates overall daemon health.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.controller == nil || h.controller.SessionState() != cisip2.StateReady {
		return HealthDegraded, "receiver disconnected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var stats BridgeStatistics
	if h.stats != nil {
		stats = h.stats()
	}

	receiver := cisip2.StateDisconnected
	if h.controller != nil {
		receiver = h.controller.SessionState()
	}

	msg := NewHealthMessage(h.version, status, receiver.String(), stats, h.startTime)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
