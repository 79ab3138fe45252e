package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSend  = "insteon_send"
	measurementHops  = "insteon_hops"
	measurementLink  = "insteon_link"
	measurementEvent = "insteon_event"
	measurementSync  = "insteon_sync"
)

// WriteSend records one resolved send.
//
// Parameters:
//   - device: Destination address in dotted form
//   - op: Operation name (e.g. "write link", "ping")
//   - outcome: ok, nak, timeout, link_down, canceled or error
//   - attempts: Transmissions made, retries included
//   - elapsed: Time from first transmission to resolution
func (c *Client) WriteSend(device, op, outcome string, attempts int, elapsed time.Duration) {
	c.write(measurementSend,
		map[string]string{"device": device, "op": op, "outcome": outcome},
		map[string]interface{}{
			"attempts":   attempts,
			"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
		},
		time.Now(),
	)
}

// WriteHops records the hops a device frame took to arrive.
func (c *Client) WriteHops(device string, hops int) {
	c.write(measurementHops,
		map[string]string{"device": device},
		map[string]interface{}{"hops": hops},
		time.Now(),
	)
}

// WriteLinkState records a modem connection transition.
func (c *Client) WriteLinkState(connected bool) {
	c.write(measurementLink,
		nil,
		map[string]interface{}{"connected": connected},
		time.Now(),
	)
}

// WriteGroupEvent records a group broadcast delivered to subscribers. The
// point is stamped with at, the time the broadcast arrived, because state
// publishing may lag behind the radio.
func (c *Client) WriteGroupEvent(device string, group int, command string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	c.write(measurementEvent,
		map[string]string{"device": device, "command": command},
		map[string]interface{}{"group": group},
		at,
	)
}

// WriteSync records the outcome of reconciling one link table.
func (c *Client) WriteSync(device string, added, deleted, failed int, dryRun bool) {
	c.write(measurementSync,
		map[string]string{"device": device},
		map[string]interface{}{
			"added":   added,
			"deleted": deleted,
			"failed":  failed,
			"dry_run": dryRun,
		},
		time.Now(),
	)
}

// write adds the site tag and hands the point to the batching writer.
// Points are dropped while disconnected.
func (c *Client) write(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	all := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		all[k] = v
	}
	if c.site != "" {
		all["site"] = c.site
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, all, fields, ts))
}
