package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
receiver:
  host: "192.168.1.50"
  port: 33336
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Receiver.Host != "192.168.1.50" {
		t.Errorf("Receiver.Host = %q, want %q", cfg.Receiver.Host, "192.168.1.50")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
receiver:
  host: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty receiver.host, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 33336},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				MQTT:     MQTTConfig{QoS: 1},
				API:      APIConfig{Port: 8080},
			},
			wantErr: false,
		},
		{
			name: "missing receiver host",
			config: &Config{
				Receiver: ReceiverConfig{Host: "", Port: 33336},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				API:      APIConfig{Port: 8080},
			},
			wantErr: true,
		},
		{
			name: "invalid receiver port",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 0},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				API:      APIConfig{Port: 8080},
			},
			wantErr: true,
		},
		{
			name: "missing database path",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 33336},
				Database: DatabaseConfig{Path: ""},
				API:      APIConfig{Port: 8080},
			},
			wantErr: true,
		},
		{
			name: "invalid QoS",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 33336},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				MQTT:     MQTTConfig{QoS: 3},
				API:      APIConfig{Port: 8080},
			},
			wantErr: true,
		},
		{
			name: "invalid api port high",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 33336},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				MQTT:     MQTTConfig{QoS: 1},
				API:      APIConfig{Port: 70000},
			},
			wantErr: true,
		},
		{
			name: "negative history retention",
			config: &Config{
				Receiver: ReceiverConfig{Host: "10.0.0.5", Port: 33336},
				Database: DatabaseConfig{Path: "/data/cisip2.db"},
				History:  HistoryConfig{RetentionDays: -1},
				MQTT:     MQTTConfig{QoS: 1},
				API:      APIConfig{Port: 8080},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		Receiver: ReceiverConfig{
			ConnectTimeoutSeconds:    10,
			CommandTimeoutSeconds:    5,
			ReconnectIntervalSeconds: 5,
		},
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetConnectTimeout().Seconds(); got != 10 {
		t.Errorf("GetConnectTimeout() = %v, want 10", got)
	}

	if got := cfg.GetCommandTimeout().Seconds(); got != 5 {
		t.Errorf("GetCommandTimeout() = %v, want 5", got)
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("SONYCISIP2_RECEIVER_HOST", "192.168.1.99")
	t.Setenv("SONYCISIP2_RECEIVER_PORT", "33335")
	t.Setenv("SONYCISIP2_DATABASE_PATH", "/custom/path.db")
	t.Setenv("SONYCISIP2_MQTT_HOST", "mqtt.example.com")
	t.Setenv("SONYCISIP2_MQTT_USERNAME", "testuser")
	t.Setenv("SONYCISIP2_MQTT_PASSWORD", "testpass")
	t.Setenv("SONYCISIP2_API_HOST", "192.168.1.1")
	t.Setenv("SONYCISIP2_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Receiver.Host != "192.168.1.99" {
		t.Errorf("Receiver.Host = %q, want %q", cfg.Receiver.Host, "192.168.1.99")
	}

	if cfg.Receiver.Port != 33335 {
		t.Errorf("Receiver.Port = %d, want 33335", cfg.Receiver.Port)
	}

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Receiver.Port != 33336 {
		t.Errorf("defaultConfig Receiver.Port = %d, want 33336", cfg.Receiver.Port)
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
