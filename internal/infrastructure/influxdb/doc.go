// Package influxdb ships receiver telemetry to InfluxDB v2.
//
// Three measurements cover the daemon's needs: zone_metrics holds one
// numeric series per zone facet (volume_step and friends), zone_state
// holds full per-zone snapshots after each change, and connection
// tracks session transitions with the reconnect counter.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // ErrDisabled just means telemetry is off
//	}
//	defer client.Close()
//
//	client.WriteZoneMetric("main", "volume_step", 42)
//
// Writes are non-blocking and batched per the batch_size and
// flush_interval settings in config.yaml. Write failures surface
// through the SetOnError callback; the daemon logs and carries on,
// since losing telemetry must not affect receiver control.
package influxdb
