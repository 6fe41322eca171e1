package mqtt

import "fmt"

// TopicPrefix is the base for all daemon topics.
//
// Flat scheme: sonyav/{category}/{zone_or_component}
const TopicPrefix = "sonyav"

// Topics provides builders for the daemon's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.ZoneState("zone2")
//	// Returns: "sonyav/state/zone2"
type Topics struct{}

// ZoneState returns the retained state topic for a zone.
//
// Example: sonyav/state/main
func (Topics) ZoneState(zone string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, zone)
}

// ZoneCommand returns the topic for commands addressed to a zone.
//
// Example: sonyav/command/main
func (Topics) ZoneCommand(zone string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, zone)
}

// ZoneAck returns the topic for command acknowledgements for a zone.
//
// Example: sonyav/ack/main
func (Topics) ZoneAck(zone string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, zone)
}

// DeviceInfo returns the retained device identity topic.
//
// Example: sonyav/device/info
func (Topics) DeviceInfo() string {
	return fmt.Sprintf("%s/device/info", TopicPrefix)
}

// Connection returns the retained receiver connection state topic.
// Only the bridge writes here; daemon availability lives on Status so
// a broker reconnect cannot clobber the receiver document.
//
// Example: sonyav/connection
func (Topics) Connection() string {
	return fmt.Sprintf("%s/connection", TopicPrefix)
}

// Status returns the retained daemon availability topic. This doubles
// as the broker LWT topic so subscribers see the daemon go offline
// even on a crash.
//
// Example: sonyav/status
func (Topics) Status() string {
	return fmt.Sprintf("%s/status", TopicPrefix)
}

// Health returns the periodic daemon health topic.
//
// Example: sonyav/health
func (Topics) Health() string {
	return fmt.Sprintf("%s/health", TopicPrefix)
}

// AllZoneCommands returns a pattern matching commands for every zone.
//
// Pattern: sonyav/command/+
func (Topics) AllZoneCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllZoneStates returns a pattern matching all zone state updates.
//
// Pattern: sonyav/state/+
func (Topics) AllZoneStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllTopics returns a pattern matching every daemon topic.
// Use with caution - this receives ALL traffic.
//
// Pattern: sonyav/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
