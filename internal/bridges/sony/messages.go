package sony

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

// CommandMessage is the payload published to sonyav/command/{zone}.
// The zone comes from the topic, not the payload.
//
// Example:
//
//	{"id":"550e8400-...","action":"volumestep","value":35,"source":"dashboard"}
type CommandMessage struct {
	// ID is a unique identifier for correlating acks. Optional; the bridge
	// assigns one when missing.
	ID string `json:"id,omitempty"`

	// Action names the operation: power, mute, input, volumestep, volumedb,
	// volume+, volume-, soundfield.
	Action string `json:"action"`

	// Value is the action argument. Bool for power/mute, string for
	// input/soundfield, number for volume levels. Absent for volume nudges.
	Value any `json:"value,omitempty"`

	// Source identifies the publisher (dashboard, automation, cli). Optional.
	Source string `json:"source,omitempty"`
}

// Validate checks required fields and fills in a generated ID if absent.
func (c *CommandMessage) Validate() error {
	if c.Action == "" {
		return fmt.Errorf("command message missing action")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// AckStatus indicates the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the receiver confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout means the receiver did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// Ack error codes.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidZone       = "INVALID_ZONE"
	ErrCodeBusy              = "BUSY"
	ErrCodeRejected          = "REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckError carries failure details inside an ack.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckMessage is published to sonyav/ack/{zone} after every command.
type AckMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Zone      string    `json:"zone"`
	Action    string    `json:"action"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// NewAckMessage builds a success ack for a command.
func NewAckMessage(cmd CommandMessage, zone cisip2.ZoneID, status AckStatus) AckMessage {
	return AckMessage{
		ID:        cmd.ID,
		Timestamp: time.Now().UTC(),
		Zone:      string(zone),
		Action:    cmd.Action,
		Status:    status,
	}
}

// NewAckError builds a failure ack with the error classified into a code.
func NewAckError(cmd CommandMessage, zone cisip2.ZoneID, err error) AckMessage {
	status := AckFailed
	if errors.Is(err, cisip2.ErrTimeout) {
		status = AckTimeout
	}

	ack := NewAckMessage(cmd, zone, status)
	ack.Error = &AckError{
		Code:    classifyError(err),
		Message: err.Error(),
	}
	return ack
}

// classifyError maps client errors to stable ack codes.
func classifyError(err error) string {
	switch {
	case errors.Is(err, cisip2.ErrNotConnected), errors.Is(err, cisip2.ErrConnectFailed):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, cisip2.ErrUnknownZone):
		return ErrCodeInvalidZone
	case errors.Is(err, cisip2.ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, cisip2.ErrCommandInFlight):
		return ErrCodeBusy
	case errors.Is(err, cisip2.ErrDeviceRejected):
		return ErrCodeRejected
	case errors.Is(err, cisip2.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, cisip2.ErrCancelled):
		return ErrCodeCancelled
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage is published retained to sonyav/state/{zone} whenever a zone
// changes. Null fields mean the receiver has not reported that value yet.
type StateMessage struct {
	Zone       string    `json:"zone"`
	Power      *bool     `json:"power"`
	VolumeStep *int      `json:"volume_step"`
	VolumeDB   *float64  `json:"volume_db"`
	Muted      *bool     `json:"muted"`
	Input      *string   `json:"input"`
	InputName  string    `json:"input_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewStateMessage builds a state message from a zone snapshot.
func NewStateMessage(state cisip2.ZoneState) StateMessage {
	msg := StateMessage{
		Zone:       string(state.Zone),
		Power:      state.Power,
		VolumeStep: state.VolumeStep,
		VolumeDB:   state.VolumeDB,
		Muted:      state.Muted,
		Timestamp:  time.Now().UTC(),
	}
	if state.Input != nil {
		code := string(*state.Input)
		msg.Input = &code
		msg.InputName = state.Input.DisplayName()
	}
	return msg
}

// DeviceInfoMessage is published retained to sonyav/device/info once the
// receiver identity is known.
type DeviceInfoMessage struct {
	MACAddress string    `json:"mac_address,omitempty"`
	ModelType  string    `json:"model_type,omitempty"`
	ModelName  string    `json:"model_name,omitempty"`
	Version    string    `json:"version,omitempty"`
	SoundField string    `json:"sound_field,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDeviceInfoMessage builds a device info message from receiver identity.
func NewDeviceInfoMessage(info cisip2.DeviceInfo) DeviceInfoMessage {
	return DeviceInfoMessage{
		MACAddress: info.MACAddress,
		ModelType:  info.ModelType,
		ModelName:  info.ModelName,
		Version:    info.Version,
		SoundField: info.SoundField,
		Timestamp:  time.Now().UTC(),
	}
}

// ConnectionMessage is published retained to sonyav/connection on every
// receiver session transition. Daemon availability is a separate document
// on sonyav/status, so this topic always reflects the receiver link.
type ConnectionMessage struct {
	Status     string    `json:"status"`
	Reconnects uint64    `json:"reconnects"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewConnectionMessage builds a connection message from the session state.
func NewConnectionMessage(state cisip2.SessionState, reconnects uint64) ConnectionMessage {
	status := "disconnected"
	switch state {
	case cisip2.StateConnecting, cisip2.StateHandshaking:
		status = "connecting"
	case cisip2.StateReady:
		status = "connected"
	}
	return ConnectionMessage{
		Status:     status,
		Reconnects: reconnects,
		Timestamp:  time.Now().UTC(),
	}
}

// HealthStatus indicates overall bridge health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// BridgeStatistics aggregates counters for the health message.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	FramesTx         uint64 `json:"frames_tx"`
	FramesRx         uint64 `json:"frames_rx"`
	Reconnects       uint64 `json:"reconnects"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// HealthMessage is published retained to sonyav/health at a regular interval.
type HealthMessage struct {
	Status        HealthStatus     `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Version       string           `json:"version"`
	Receiver      string           `json:"receiver"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Stats         BridgeStatistics `json:"stats"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewHealthMessage builds a health message.
func NewHealthMessage(version string, status HealthStatus, receiver string, stats BridgeStatistics, startTime time.Time) HealthMessage {
	return HealthMessage{
		Status:        status,
		Version:       version,
		Receiver:      receiver,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Stats:         stats,
		Timestamp:     time.Now().UTC(),
	}
}

// parseCommand decodes and validates a command payload.
func parseCommand(payload []byte) (CommandMessage, error) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command payload: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}
