package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteZoneMetric records one numeric facet of a zone, e.g. the
// volume_step series that dashboards graph directly. Booleans go in
// as 0/1. Non-blocking; the point is batched.
func (c *Client) WriteZoneMetric(zone string, metric string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"zone_metrics",
		map[string]string{
			"zone":   zone,
			"metric": metric,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteZoneSnapshot records every known facet of a zone against one
// timestamp, written after each state change so power, volume, mute,
// and input line up on the same point.
func (c *Client) WriteZoneSnapshot(zone string, fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"zone_state",
		map[string]string{"zone": zone},
		fields,
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteConnectionEvent records a session transition with the running
// reconnect count, for tracking link stability to the receiver.
func (c *Client) WriteConnectionEvent(state string, reconnects int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"connection",
		map[string]string{"state": state},
		map[string]interface{}{"reconnects": reconnects},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}
