package plm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// AnyGroup subscribes to every unsolicited frame from an address.
const AnyGroup = -1

// defaultDedupWindow is how long a group event suppresses its repeats.
const defaultDedupWindow = 400 * time.Millisecond

// Callback receives a routed frame. Callbacks run on the engine loop and
// must hand work off rather than block.
type Callback func(m insteon.Message)

// SubscriptionID identifies one registration for Unsubscribe.
type SubscriptionID uint64

type subKey struct {
	addr  insteon.Address
	group int
}

type subscription struct {
	id SubscriptionID
	cb Callback
}

// Dispatcher routes unsolicited frames to subscribers.
//
// Broadcast and cleanup frames go to subscribers of (source, group) and of
// (source, AnyGroup); a cleanup that repeats its broadcast within the
// suppression window is absorbed. Every other frame goes to the AnyGroup
// subscribers of its source, which is ModemAddress for modem frames that
// carry no device address.
//
// Subscribe and Unsubscribe are safe for concurrent use. Delivery happens on
// the engine loop.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[subKey][]subscription
	byID   map[SubscriptionID]subKey
	nextID atomic.Uint64

	window time.Duration
	dedup  *suppressor
	logger Logger

	delivered  atomic.Uint64
	duplicates atomic.Uint64
	unrouted   atomic.Uint64
}

// NewDispatcher creates a dispatcher with the given suppression window.
// A zero window uses the default of 400ms.
func NewDispatcher(window time.Duration, logger Logger) *Dispatcher {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		subs:   make(map[subKey][]subscription),
		byID:   make(map[SubscriptionID]subKey),
		window: window,
		dedup:  newSuppressor(),
		logger: logger,
	}
}

// Subscribe registers cb for frames from addr in group, or every frame from
// addr when group is AnyGroup.
func (d *Dispatcher) Subscribe(addr insteon.Address, group int, cb Callback) SubscriptionID {
	id := SubscriptionID(d.nextID.Add(1))
	k := subKey{addr: addr, group: group}

	d.mu.Lock()
	d.subs[k] = append(d.subs[k], subscription{id: id, cb: cb})
	d.byID[id] = k
	d.mu.Unlock()
	return id
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	list := d.subs[k]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.subs, k)
	} else {
		d.subs[k] = list
	}
}

// Deliver routes one frame that no in-flight send consumed.
func (d *Dispatcher) Deliver(m insteon.Message, now time.Time) {
	if m.IsInsteon() && m.Flags.Type == insteon.TypeCleanupAck {
		// Device replies to a modem scene; the send engine already has
		// the outcome from the modem's status frame.
		return
	}

	if g, ok := m.Group(); ok {
		k := eventKey{from: m.From, group: g, cmd1: m.Cmd1}
		if d.dedup.event(k, now, d.window+m.Flags.Expiry()) {
			d.duplicates.Add(1)
			d.logger.Debug("duplicate group event absorbed", "from", m.From.String(), "group", g, "cmd1", fmt.Sprintf("0x%02x", m.Cmd1))
			return
		}
		n := d.notify(subKey{addr: m.From, group: int(g)}, m)
		n += d.notify(subKey{addr: m.From, group: AnyGroup}, m)
		d.account(m, n)
		return
	}

	if m.IsInsteon() && d.dedup.frame(m, now, d.window+m.Flags.Expiry()) {
		d.duplicates.Add(1)
		return
	}
	d.account(m, d.notify(subKey{addr: m.From, group: AnyGroup}, m))
}

func (d *Dispatcher) account(m insteon.Message, n int) {
	if n > 0 {
		d.delivered.Add(1)
		return
	}
	d.unrouted.Add(1)
	d.logger.Debug("unhandled frame", "frame", m.String())
}

// notify calls every subscriber of k and returns how many were called.
func (d *Dispatcher) notify(k subKey, m insteon.Message) int {
	d.mu.RLock()
	list := append([]subscription(nil), d.subs[k]...)
	d.mu.RUnlock()

	for _, s := range list {
		d.call(s.cb, m)
	}
	return len(list)
}

func (d *Dispatcher) call(cb Callback, m insteon.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber callback panic", "error", fmt.Errorf("%v", r), "frame", m.String())
		}
	}()
	cb(m)
}
