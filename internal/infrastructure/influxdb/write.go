package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names for the cloud bucket.
const (
	measurementEvents  = "relay_events"
	measurementTraffic = "relay_traffic"
	measurementQueue   = "relay_queue"
)

// submit batches one point. Points are dropped silently once the
// client is closed; the recorder treats history as best-effort.
func (c *Client) submit(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteRelayEvent records a relay channel lifecycle transition.
//
// Channel names the relay channel ("relay", "report_state"); event is
// "connected" or "disconnected". For disconnects the point carries
// whether the close was clean and, when known, the reason; connects
// carry neither.
func (c *Client) WriteRelayEvent(channel, event string, clean bool, reason string) {
	fields := map[string]any{
		"count": 1,
	}
	if event == "disconnected" {
		fields["clean"] = clean
		if reason != "" {
			fields["reason"] = reason
		}
	}

	c.submit(measurementEvents, map[string]string{
		"channel": channel,
		"event":   event,
	}, fields, time.Now())
}

// WriteRelayTraffic records a snapshot of one channel's cumulative
// traffic counters. The recorder samples these periodically; rates
// fall out at query time.
func (c *Client) WriteRelayTraffic(channel string, framesTx, framesRx, reconnects, errors uint64) {
	c.submit(measurementTraffic, map[string]string{
		"channel": channel,
	}, map[string]any{
		// #nosec G115 -- frame counters never approach int64 range
		"frames_tx":  int64(framesTx),
		"frames_rx":  int64(framesRx),
		"reconnects": int64(reconnects),
		"errors":     int64(errors),
	}, time.Now())
}

// WriteQueueDepth records the report queue's depth and the number of
// callers still awaiting acknowledgement. A persistently high depth
// means the relay cannot keep up with local state changes, or that
// the link is flapping.
func (c *Client) WriteQueueDepth(channel string, depth, pending int) {
	c.submit(measurementQueue, map[string]string{
		"channel": channel,
	}, map[string]any{
		"depth":   depth,
		"pending": pending,
	}, time.Now())
}

// WritePoint records a custom measurement stamped with the current
// time. Keep tags low-cardinality; they are indexed.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.submit(measurement, tags, fields, time.Now())
}

// WritePointWithTime is WritePoint with an explicit timestamp, for
// backfilling data that did not originate now.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	c.submit(measurement, tags, fields, timestamp)
}
