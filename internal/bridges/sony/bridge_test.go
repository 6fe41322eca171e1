package sony

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/mqtt"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	handlers      map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message to the handler whose subscription
// pattern covers the topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range m.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(topic, payload)
}

// topicMatches implements single-level wildcard matching for the mock.
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

// MockController implements Controller for testing.
type MockController struct {
	mu           sync.Mutex
	submitted    []cisip2.CommandRequest
	submitResult cisip2.CommandResult
	submitErr    error
	zoneStates   []cisip2.ZoneState
	device       cisip2.DeviceInfo
	sessionState cisip2.SessionState
	stats        cisip2.Stats
	subscriber   func(cisip2.Event)
	unsubscribed bool
}

func NewMockController() *MockController {
	return &MockController{sessionState: cisip2.StateReady}
}

func (m *MockController) SubmitCommand(ctx context.Context, req cisip2.CommandRequest) (cisip2.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	return m.submitResult, m.submitErr
}

func (m *MockController) ZoneStates() []cisip2.ZoneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoneStates
}

func (m *MockController) Device() cisip2.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *MockController) SessionState() cisip2.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionState
}

func (m *MockController) Subscribe(fn func(cisip2.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribed = true
	}
}

func (m *MockController) Stats() cisip2.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *MockController) GetSubmitted() []cisip2.CommandRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

// SimulateEvent delivers an event to the bridge's subscriber.
func (m *MockController) SimulateEvent(ev cisip2.Event) {
	m.mu.Lock()
	fn := m.subscriber
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func createTestBridge(t *testing.T) (*Bridge, *MockMQTTClient, *MockController) {
	t.Helper()
	broker := NewMockMQTTClient()
	controller := NewMockController()
	b, err := New(Config{
		Controller:     controller,
		MQTT:           broker,
		Version:        "test",
		CommandTimeout: time.Second,
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return b, broker, controller
}

// waitForTopic polls until a message appears on the topic or the deadline
// passes. Command execution happens on a separate goroutine, so acks arrive
// asynchronously.
func waitForTopic(t *testing.T, broker *MockMQTTClient, topic string) mockPublish {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range broker.GetPublished() {
			if p.Topic == topic {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no message published to %s", topic)
	return mockPublish{}
}

func TestNew(t *testing.T) {
	b, _, _ := createTestBridge(t)
	if b.health == nil {
		t.Error("New() did not create health reporter")
	}
}

func TestNewMissingController(t *testing.T) {
	_, err := New(Config{MQTT: NewMockMQTTClient()})
	if err == nil {
		t.Error("New() expected error for nil controller")
	}
}

func TestNewMissingMQTT(t *testing.T) {
	_, err := New(Config{Controller: NewMockController()})
	if err == nil {
		t.Error("New() expected error for nil mqtt client")
	}
}

func TestStartSubscribesAndSeeds(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	power := true
	controller.zoneStates = []cisip2.ZoneState{{Zone: cisip2.ZoneMain, Power: &power}}
	controller.device = cisip2.DeviceInfo{ModelType: "za5es", ModelName: "STR-ZA5000ES"}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	subs := broker.GetSubscriptions()
	if len(subs) != 1 || subs[0] != "sonyav/command/+" {
		t.Errorf("subscriptions = %v, want [sonyav/command/+]", subs)
	}

	conn := waitForTopic(t, broker, "sonyav/connection")
	if !conn.Retained {
		t.Error("connection message not retained")
	}

	info := waitForTopic(t, broker, "sonyav/device/info")
	var infoMsg DeviceInfoMessage
	if err := json.Unmarshal(info.Payload, &infoMsg); err != nil {
		t.Fatalf("unmarshal device info: %v", err)
	}
	if infoMsg.ModelName != "STR-ZA5000ES" {
		t.Errorf("ModelName = %q, want STR-ZA5000ES", infoMsg.ModelName)
	}

	state := waitForTopic(t, broker, "sonyav/state/main")
	if !state.Retained {
		t.Error("state message not retained")
	}
}

func TestCommandAccepted(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	payload := []byte(`{"id":"cmd-1","action":"power","value":true}`)
	if err := broker.SimulateMessage("sonyav/command/main", payload); err != nil {
		t.Fatalf("SimulateMessage() error: %v", err)
	}

	ack := waitForTopic(t, broker, "sonyav/ack/main")
	var msg AckMessage
	if err := json.Unmarshal(ack.Payload, &msg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if msg.Status != AckAccepted {
		t.Errorf("Status = %q, want accepted", msg.Status)
	}
	if msg.ID != "cmd-1" {
		t.Errorf("ID = %q, want cmd-1", msg.ID)
	}
	if msg.Zone != "main" {
		t.Errorf("Zone = %q, want main", msg.Zone)
	}

	submitted := controller.GetSubmitted()
	if len(submitted) != 1 {
		t.Fatalf("submitted %d commands, want 1", len(submitted))
	}
	if submitted[0].Zone != cisip2.ZoneMain || submitted[0].Kind != cisip2.CommandPower {
		t.Errorf("submitted = %+v", submitted[0])
	}
	if v, ok := submitted[0].Value.(bool); !ok || !v {
		t.Errorf("Value = %v, want true", submitted[0].Value)
	}
}

func TestCommandRejected(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	controller.submitResult = cisip2.CommandResult{Err: cisip2.ErrDeviceRejected}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	payload := []byte(`{"id":"cmd-2","action":"input","value":"bd"}`)
	if err := broker.SimulateMessage("sonyav/command/zone2", payload); err != nil {
		t.Fatalf("SimulateMessage() error: %v", err)
	}

	ack := waitForTopic(t, broker, "sonyav/ack/zone2")
	var msg AckMessage
	if err := json.Unmarshal(ack.Payload, &msg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if msg.Status != AckFailed {
		t.Errorf("Status = %q, want failed", msg.Status)
	}
	if msg.Error == nil || msg.Error.Code != ErrCodeRejected {
		t.Errorf("Error = %+v, want code REJECTED", msg.Error)
	}
}

func TestCommandTimeout(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	controller.submitErr = cisip2.ErrTimeout

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	payload := []byte(`{"action":"volumestep","value":40}`)
	if err := broker.SimulateMessage("sonyav/command/main", payload); err != nil {
		t.Fatalf("SimulateMessage() error: %v", err)
	}

	ack := waitForTopic(t, broker, "sonyav/ack/main")
	var msg AckMessage
	if err := json.Unmarshal(ack.Payload, &msg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if msg.Status != AckTimeout {
		t.Errorf("Status = %q, want timeout", msg.Status)
	}
	if msg.Error == nil || msg.Error.Code != ErrCodeTimeout {
		t.Errorf("Error = %+v, want code TIMEOUT", msg.Error)
	}
	if msg.ID == "" {
		t.Error("ack missing generated command ID")
	}
}

func TestCommandInvalidPayload(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	if err := broker.SimulateMessage("sonyav/command/main", []byte("{not json")); err == nil {
		t.Error("SimulateMessage() expected error for invalid payload")
	}

	ack := waitForTopic(t, broker, "sonyav/ack/main")
	var msg AckMessage
	if err := json.Unmarshal(ack.Payload, &msg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if msg.Status != AckFailed {
		t.Errorf("Status = %q, want failed", msg.Status)
	}
	if msg.Error == nil || msg.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("Error = %+v, want code INVALID_COMMAND", msg.Error)
	}

	if len(controller.GetSubmitted()) != 0 {
		t.Error("invalid payload reached the receiver")
	}
}

func TestCommandUnknownZone(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	payload := []byte(`{"action":"power","value":true}`)
	if err := broker.SimulateMessage("sonyav/command/zone9", payload); err == nil {
		t.Error("SimulateMessage() expected error for unknown zone")
	}

	if len(controller.GetSubmitted()) != 0 {
		t.Error("command on unknown zone reached the receiver")
	}
}

func TestZoneEventPublishesState(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	muted := false
	volume := 42
	input := cisip2.InputID("bd")
	controller.SimulateEvent(cisip2.Event{
		Type: cisip2.EventZoneChanged,
		Zone: cisip2.Zone2,
		State: cisip2.ZoneState{
			Zone:       cisip2.Zone2,
			Muted:      &muted,
			VolumeStep: &volume,
			Input:      &input,
		},
		Timestamp: time.Now(),
	})

	pub := waitForTopic(t, broker, "sonyav/state/zone2")
	if !pub.Retained {
		t.Error("state message not retained")
	}

	var msg StateMessage
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.Zone != "zone2" {
		t.Errorf("Zone = %q, want zone2", msg.Zone)
	}
	if msg.VolumeStep == nil || *msg.VolumeStep != 42 {
		t.Errorf("VolumeStep = %v, want 42", msg.VolumeStep)
	}
	if msg.Input == nil || *msg.Input != "bd" {
		t.Errorf("Input = %v, want bd", msg.Input)
	}
	if msg.InputName != "BD/DVD" {
		t.Errorf("InputName = %q, want BD/DVD", msg.InputName)
	}
	if msg.Power != nil {
		t.Errorf("Power = %v, want null", msg.Power)
	}
}

func TestSessionEventPublishesConnection(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	controller.SimulateEvent(cisip2.Event{
		Type:      cisip2.EventSessionChanged,
		Session:   cisip2.StateDisconnected,
		Timestamp: time.Now(),
	})

	pub := waitForTopic(t, broker, "sonyav/connection")
	var msg ConnectionMessage
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatalf("unmarshal connection: %v", err)
	}
	if msg.Status != "disconnected" {
		t.Errorf("Status = %q, want disconnected", msg.Status)
	}

	// A session transition also forces a health report.
	waitForTopic(t, broker, "sonyav/health")
}

func TestStop(t *testing.T) {
	b, broker, controller := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	b.Stop()
	b.Stop() // idempotent

	controller.mu.Lock()
	unsubscribed := controller.unsubscribed
	controller.mu.Unlock()
	if !unsubscribed {
		t.Error("Stop() did not unsubscribe from controller events")
	}

	if len(broker.GetSubscriptions()) == 0 {
		t.Fatal("no subscriptions recorded")
	}
	broker.mu.Lock()
	_, stillSubscribed := broker.handlers["sonyav/command/+"]
	broker.mu.Unlock()
	if stillSubscribed {
		t.Error("Stop() did not unsubscribe from command topics")
	}
}

func TestGetMetrics(t *testing.T) {
	b, broker, _ := createTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	payload := []byte(`{"action":"power","value":true}`)
	if err := broker.SimulateMessage("sonyav/command/main", payload); err != nil {
		t.Fatalf("SimulateMessage() error: %v", err)
	}
	waitForTopic(t, broker, "sonyav/ack/main")

	metrics := b.GetMetrics()
	if metrics["commands_received"].(uint64) != 1 {
		t.Errorf("commands_received = %v, want 1", metrics["commands_received"])
	}
	if metrics["commands_failed"].(uint64) != 0 {
		t.Errorf("commands_failed = %v, want 0", metrics["commands_failed"])
	}
}
