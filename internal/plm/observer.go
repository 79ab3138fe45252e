package plm

import (
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Observer receives protocol telemetry from the engine loop. Implementations
// must not block.
type Observer interface {
	// SendAttempt is called for every transmission, retries included.
	SendAttempt(dest insteon.Address, op string, attempt, hops int)

	// SendResult is called once per send when it resolves.
	SendResult(dest insteon.Address, op string, attempts int, elapsed time.Duration, err error)

	// HopsObserved is called for every device frame received.
	HopsObserved(from insteon.Address, hops int)
}

// NopObserver discards telemetry.
type NopObserver struct{}

func (NopObserver) SendAttempt(insteon.Address, string, int, int)                 {}
func (NopObserver) SendResult(insteon.Address, string, int, time.Duration, error) {}
func (NopObserver) HopsObserved(insteon.Address, int)                             {}

// Stats holds engine counters.
type Stats struct {
	Enqueued   uint64
	Attempts   uint64
	Retries    uint64
	Naks       uint64
	Timeouts   uint64
	Succeeded  uint64
	Failed     uint64
	Canceled   uint64
	FramesRx   uint64
	Delivered  uint64
	Duplicates uint64
	Unrouted   uint64
	Queued     int64
	InFlight   int64
	LinkUp     bool
}
