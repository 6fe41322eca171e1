// Package mqtt provides MQTT client connectivity for the cisip2 daemon.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The daemon exposes the receiver over MQTT so home automation systems
// can command zones and observe state without speaking CIS-IP2 themselves.
//
//	Automation / Dashboards ↔ MQTT Broker ↔ cisip2 daemon ↔ Receiver
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to zone commands
//	err = client.Subscribe(mqtt.Topics{}.AllZoneCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish retained zone state
//	topic := mqtt.Topics{}.ZoneState("main")
//	client.Publish(topic, stateJSON, 1, true)
//
// # Topic ownership
//
// The client owns sonyav/status (daemon availability, also the LWT).
// The bridge owns sonyav/connection (receiver session state). Keeping
// the two retained documents on separate topics means a broker
// reconnect never overwrites the receiver's state.
package mqtt
