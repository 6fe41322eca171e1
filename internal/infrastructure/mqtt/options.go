package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zimmra/sony-cisip2/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout bounds the initial broker connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds publish/subscribe acknowledgements.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the drain window on disconnect, in
	// milliseconds.
	defaultDisconnectQuiesce = 1000

	// defaultKeepAlive is the broker keepalive interval.
	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Daemon availability, published retained on the status topic.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	reasonGracefulShutdown     = "graceful_shutdown"
	reasonUnexpectedDisconnect = "unexpected_disconnect"
)

// availabilityMessage is the retained document on sonyav/status. It
// describes the daemon's broker session, not the receiver link; the
// receiver connection document lives on sonyav/connection.
type availabilityMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func availabilityPayload(status, clientID, reason string) []byte {
	payload, err := json.Marshal(availabilityMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		// The struct has no unmarshalable fields; keep the LWT usable anyway.
		return []byte(`{"status":"` + status + `"}`)
	}
	return payload
}

// buildClientOptions maps daemon config onto paho client options:
// broker URL scheme from the TLS flag, credentials when configured,
// clean session, and auto-reconnect with capped backoff.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// No persistent broker session; subscriptions are restored from the
	// client's own tracking on reconnect.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT registers the offline availability document as the
// broker's Last Will, retained on the status topic, so subscribers see
// the daemon drop even when it never gets to shut down cleanly.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	payload := availabilityPayload(availabilityOffline, clientID, reasonUnexpectedDisconnect)
	opts.SetBinaryWill(Topics{}.Status(), payload, 1, true)
}
