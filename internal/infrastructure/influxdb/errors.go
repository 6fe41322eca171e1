package influxdb

import "errors"

var (
	// ErrNotConnected means the client is closed or never connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps ping failures during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled means telemetry is turned off in config.yaml.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
