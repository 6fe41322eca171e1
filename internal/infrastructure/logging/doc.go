// Package logging provides the daemon's structured logging on top of
// log/slog.
//
// Every entry carries service and version fields so log aggregation
// can separate this daemon from whatever else shares the broker host.
// Format (json or text), level, and destination come from the logging
// section of config.yaml.
//
// Subsystems take child loggers so entries are attributable:
//
//	logger := logging.New(cfg.Logging, version)
//	sessionLog := logger.With("component", "session")
//	sessionLog.Info("connected", "host", cfg.Receiver.Host)
//
// Receiver credentials and MQTT passwords must never appear in log
// fields.
package logging
