package influxdb

import (
	"errors"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/plm"
)

// Telemetry feeds send engine events into InfluxDB. It implements
// plm.Observer; every method returns without waiting on the network.
type Telemetry struct {
	client *Client
}

var _ plm.Observer = (*Telemetry)(nil)

// NewTelemetry returns an observer writing through client.
func NewTelemetry(client *Client) *Telemetry {
	return &Telemetry{client: client}
}

// SendAttempt is not recorded; SendResult carries the attempt count.
func (t *Telemetry) SendAttempt(insteon.Address, string, int, int) {}

// SendResult records the resolution of one send.
func (t *Telemetry) SendResult(dest insteon.Address, op string, attempts int, elapsed time.Duration, err error) {
	t.client.WriteSend(dest.String(), op, Outcome(err), attempts, elapsed)
}

// HopsObserved records the hops a frame took.
func (t *Telemetry) HopsObserved(from insteon.Address, hops int) {
	t.client.WriteHops(from.String(), hops)
}

// LinkState records a modem connection transition.
func (t *Telemetry) LinkState(connected bool) {
	t.client.WriteLinkState(connected)
}

// Outcome classifies a send error for the outcome tag.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, insteon.ErrNak):
		return "nak"
	case errors.Is(err, insteon.ErrTimeout):
		return "timeout"
	case errors.Is(err, insteon.ErrLinkDown):
		return "link_down"
	case errors.Is(err, insteon.ErrCanceled):
		return "canceled"
	default:
		return "error"
	}
}
