package plm

import (
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// hopHistorySize is the number of observations averaged per address.
const hopHistorySize = 10

// HopTracker derives the hop count to use for each destination from the
// hops observed on frames received from it.
//
// The hop count is the ceiling of the average of the last ten observations,
// clamped to [0,3]. Addresses never heard from use the maximum. An operator
// floor set with SetMinHops is never undercut.
type HopTracker struct {
	mu      sync.Mutex
	history map[insteon.Address][]int
	floor   map[insteon.Address]int
}

// NewHopTracker creates an empty tracker.
func NewHopTracker() *HopTracker {
	return &HopTracker{
		history: make(map[insteon.Address][]int),
		floor:   make(map[insteon.Address]int),
	}
}

// Observe records that a frame from addr arrived after hops repeats.
func (h *HopTracker) Observe(addr insteon.Address, hops int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := append(h.history[addr], int(insteon.ClampHops(hops)))
	if len(hist) > hopHistorySize {
		hist = hist[len(hist)-hopHistorySize:]
	}
	h.history[addr] = hist
}

// SetMinHops sets the operator floor for addr. Zero removes it.
func (h *HopTracker) SetMinHops(addr insteon.Address, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		delete(h.floor, addr)
		return
	}
	h.floor[addr] = int(insteon.ClampHops(n))
}

// Hops returns the hop count to send to addr with.
func (h *HopTracker) Hops(addr insteon.Address) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	hops := insteon.MaxHops
	if hist := h.history[addr]; len(hist) > 0 {
		sum := 0
		for _, v := range hist {
			sum += v
		}
		hops = (sum + len(hist) - 1) / len(hist)
	}
	if f := h.floor[addr]; hops < f {
		hops = f
	}
	return int(insteon.ClampHops(hops))
}

// History returns a copy of the observations for addr, oldest first.
func (h *HopTracker) History(addr insteon.Address) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.history[addr]...)
}
