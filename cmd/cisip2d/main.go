// cisip2d - Sony CIS-IP2 receiver control daemon
//
// cisip2d connects to a Sony STR-ZA series AV receiver over TCP, mirrors its
// zone state, and exposes control surfaces over MQTT, HTTP, and WebSocket.
// It is designed for always-on LAN deployment next to home automation stacks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zimmra/sony-cisip2/internal/api"
	"github.com/zimmra/sony-cisip2/internal/bridges/sony"
	"github.com/zimmra/sony-cisip2/internal/cisip2"
	"github.com/zimmra/sony-cisip2/internal/history"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/config"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/database"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/influxdb"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/logging"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting cisip2d",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Create the receiver client
	controller, err := cisip2.New(cisip2.Config{
		Host:              cfg.Receiver.Host,
		Port:              cfg.Receiver.Port,
		ConnectTimeout:    cfg.GetConnectTimeout(),
		CommandTimeout:    cfg.GetCommandTimeout(),
		ReconnectInterval: cfg.GetReconnectInterval(),
	}, log)
	if err != nil {
		return fmt.Errorf("creating receiver client: %w", err)
	}
	defer func() {
		log.Info("closing receiver client")
		if closeErr := controller.Close(); closeErr != nil {
			log.Error("error closing receiver client", "error", closeErr)
		}
	}()

	// Start state history recording (before connect so the initial resync
	// is captured)
	var recorder *history.Recorder
	if cfg.History.Enabled {
		store := history.NewSQLiteStore(db.DB)
		recorder = history.NewRecorder(store, cfg.GetHistoryRetention(), log)
		recorder.Start(controller.Subscribe)
		defer func() {
			log.Info("stopping history recorder")
			recorder.Stop()
		}()
		log.Info("state history enabled", "retention_days", cfg.History.RetentionDays)
	} else {
		log.Info("state history disabled")
	}

	// Connect to the receiver
	if err := controller.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to receiver: %w", err)
	}
	log.Info("receiver connected",
		"host", cfg.Receiver.Host,
		"port", cfg.Receiver.Port,
	)

	// Connect to MQTT broker and start the bridge (optional)
	var mqttClient *mqtt.Client
	var bridge *sony.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = sony.New(sony.Config{
			Controller: controller,
			MQTT:       mqttClient,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		bridge.SetLogger(log)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
		log.Info("MQTT bridge started")
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB and start telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		unsubscribe := startTelemetry(controller, influxClient)
		defer unsubscribe()
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Controller: controller,
			Version:    version,
		}
		if cfg.History.Enabled {
			deps.History = history.NewSQLiteStore(db.DB)
		}
		if bridge != nil {
			deps.Bridge = bridge
		}

		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API, InfluxDB, bridge, MQTT, receiver client, recorder, database.

	log.Info("cisip2d stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SONYCISIP2_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SONYCISIP2_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startTelemetry forwards zone and session events to InfluxDB.
// The returned function unsubscribes.
func startTelemetry(controller *cisip2.Controller, influx *influxdb.Client) func() {
	return controller.Subscribe(func(ev cisip2.Event) {
		switch ev.Type {
		case cisip2.EventZoneChanged:
			fields := make(map[string]interface{})
			if ev.State.Power != nil {
				fields["power"] = boolToFloat(*ev.State.Power)
			}
			if ev.State.Muted != nil {
				fields["muted"] = boolToFloat(*ev.State.Muted)
			}
			if ev.State.VolumeStep != nil {
				fields["volume_step"] = float64(*ev.State.VolumeStep)
				influx.WriteZoneMetric(string(ev.Zone), "volume_step", float64(*ev.State.VolumeStep))
			}
			if ev.State.VolumeDB != nil {
				fields["volume_db"] = *ev.State.VolumeDB
			}
			influx.WriteZoneSnapshot(string(ev.Zone), fields)
		case cisip2.EventSessionChanged:
			stats := controller.Stats()
			influx.WriteConnectionEvent(ev.Session.String(), int64(stats.Session.ReconnectsTotal))
		}
	})
}

// boolToFloat converts a bool to 1.0/0.0 for numeric time series.
func boolToFloat(v bool) float64 {
	if v {
		return 1.0
	}
	return 0.0
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
