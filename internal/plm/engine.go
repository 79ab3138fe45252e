package plm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Default protocol timing.
const (
	// DefaultMaxAttempts is the total number of transmissions per send.
	DefaultMaxAttempts = 3

	// DefaultAckTimeout is the base wait for a reply to one transmission.
	DefaultAckTimeout = 3 * time.Second

	// DefaultHopTimeout is added to the ack wait for every hop requested.
	DefaultHopTimeout = 500 * time.Millisecond

	// DefaultRetryBackoff is multiplied by the attempt number before a
	// retry.
	DefaultRetryBackoff = 250 * time.Millisecond

	// DefaultAwakeWindow is how long a battery device listens after it was
	// heard from.
	DefaultAwakeWindow = 3 * time.Minute

	// DefaultWriteTimeout bounds a single frame write to the link.
	DefaultWriteTimeout = 2 * time.Second

	enqueueBufferSize = 64
	frameBufferSize   = 256
	ctrlBufferSize    = 32
)

// Writer puts encoded frames on the modem link.
type Writer interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Config holds the engine's protocol timing.
type Config struct {
	MaxAttempts  int
	AckTimeout   time.Duration
	HopTimeout   time.Duration
	RetryBackoff time.Duration
	AwakeWindow  time.Duration
	DedupWindow  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.HopTimeout < 0 {
		c.HopTimeout = 0
	} else if c.HopTimeout == 0 {
		c.HopTimeout = DefaultHopTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.AwakeWindow <= 0 {
		c.AwakeWindow = DefaultAwakeWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// EngineOptions configures NewEngine.
type EngineOptions struct {
	Config   Config
	Writer   Writer
	Logger   Logger
	Observer Observer
}

// destQueue is the FIFO of sends for one conversation key.
type destQueue struct {
	items  []*Pending
	active *Pending
}

// Engine is the send queue, retry engine and inbound router for one modem
// link.
//
// All protocol state lives on a single goroutine started with Run. Public
// methods post work to that goroutine and are safe for concurrent use.
//
// Sends are queued per conversation key: the destination address for
// device commands and ModemAddress for modem commands. One send per key is
// on the wire at a time and sends with the same key go out in FIFO order.
// Different keys proceed independently.
type Engine struct {
	cfg    Config
	writer Writer
	logger Logger
	obs    Observer

	hops *HopTracker
	disp *Dispatcher

	enqueueCh chan *Pending
	frameCh   chan insteon.Message
	ctrlCh    chan func()
	stopped   *closeOnce
	linkUp    atomic.Bool

	// Loop-owned state.
	ctx        context.Context
	queues     map[insteon.Address]*destQueue
	sleepy     map[insteon.Address]bool
	awakeUntil map[insteon.Address]time.Time
	quietUntil time.Time

	enqueued  atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
	naks      atomic.Uint64
	timeouts  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
	framesRx  atomic.Uint64
	queued    atomic.Int64
	inFlight  atomic.Int64
}

// NewEngine creates an engine. The link is assumed up until SetLinkUp(false)
// is called.
//
// Parameters:
//   - opts: Writer is required; zero Config fields take defaults
//
// Returns:
//   - *Engine: Engine ready for Run
func NewEngine(opts EngineOptions) *Engine {
	opts.Config.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}

	e := &Engine{
		cfg:        opts.Config,
		writer:     opts.Writer,
		logger:     opts.Logger,
		obs:        opts.Observer,
		hops:       NewHopTracker(),
		disp:       NewDispatcher(opts.Config.DedupWindow, opts.Logger),
		enqueueCh:  make(chan *Pending, enqueueBufferSize),
		frameCh:    make(chan insteon.Message, frameBufferSize),
		ctrlCh:     make(chan func(), ctrlBufferSize),
		stopped:    newCloseOnce(),
		ctx:        context.Background(),
		queues:     make(map[insteon.Address]*destQueue),
		sleepy:     make(map[insteon.Address]bool),
		awakeUntil: make(map[insteon.Address]time.Time),
	}
	e.linkUp.Store(true)
	return e
}

// Dispatcher returns the subscription table for unsolicited frames.
func (e *Engine) Dispatcher() *Dispatcher { return e.disp }

// Hops returns the hop tracker.
func (e *Engine) Hops() *HopTracker { return e.hops }

// Run drives the engine until ctx ends. Sends still queued or in flight
// when it returns resolve with ErrCanceled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	defer e.shutdown()

	e.logger.Info("send engine started",
		"max_attempts", e.cfg.MaxAttempts,
		"ack_timeout", e.cfg.AckTimeout.String(),
	)

	for {
		now := time.Now()
		e.pump(now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wake, ok := e.nextWake(now); ok {
			timer.Reset(max(time.Until(wake), time.Millisecond))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-e.enqueueCh:
			e.accept(p)
		case m := <-e.frameCh:
			e.onFrame(m, time.Now())
		case fn := <-e.ctrlCh:
			fn()
		case <-timer.C:
		}
	}
}

// Enqueue submits m for dest. The responder decides which inbound frames
// answer it.
//
// While the link is down Enqueue fails fast: the returned Pending is already
// resolved with a *insteon.LinkDownError.
func (e *Engine) Enqueue(dest insteon.Address, m insteon.Message, resp Responder) *Pending {
	p := newPending(e, dest, m, resp)
	if !e.linkUp.Load() {
		p.resolve(&insteon.LinkDownError{})
		return p
	}
	select {
	case <-e.stopped.Done():
		p.resolve(ErrEngineStopped)
		return p
	default:
	}
	select {
	case e.enqueueCh <- p:
	case <-e.stopped.Done():
		p.resolve(ErrEngineStopped)
	}
	return p
}

// Send enqueues m and waits for the outcome. If ctx ends first the send is
// cancelled.
//
// Parameters:
//   - ctx: Context bounding the wait
//   - dest: Conversation key (device address or ModemAddress)
//   - m: Message to transmit
//   - resp: Responder matching the reply
//
// Returns:
//   - *Result: Attempts and consumed replies
//   - error: *insteon.NakError, *insteon.TimeoutError, *insteon.LinkDownError,
//     ErrCanceled or the context error
func (e *Engine) Send(ctx context.Context, dest insteon.Address, m insteon.Message, resp Responder) (*Result, error) {
	p := e.Enqueue(dest, m, resp)
	res, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil && res == nil {
		p.Cancel()
	}
	return res, err
}

// HandleFrame feeds one decoded inbound frame to the engine. It is the
// link's frame callback.
func (e *Engine) HandleFrame(m insteon.Message) {
	select {
	case e.frameCh <- m:
	case <-e.stopped.Done():
	}
}

// SetLinkUp reports the transport state. While down nothing is written and
// new sends are refused; queued sends resume when the link comes back.
func (e *Engine) SetLinkUp(up bool) {
	if e.linkUp.Swap(up) == up {
		return
	}
	if up {
		e.logger.Info("modem link up, resuming sends")
	} else {
		e.logger.Warn("modem link down, holding sends")
	}
	e.post(func() {})
}

// LinkUp reports the last transport state.
func (e *Engine) LinkUp() bool { return e.linkUp.Load() }

// SetSleepy marks addr as a battery device whose sends wait for it to wake.
func (e *Engine) SetSleepy(addr insteon.Address, sleepy bool) {
	e.post(func() {
		if sleepy {
			e.sleepy[addr] = true
		} else {
			delete(e.sleepy, addr)
			delete(e.awakeUntil, addr)
		}
	})
}

// MarkAwake opens the awake window for addr now.
func (e *Engine) MarkAwake(addr insteon.Address) {
	e.post(func() { e.wake(addr, time.Now()) })
}

// SetMinHops sets the operator hop floor for addr.
func (e *Engine) SetMinHops(addr insteon.Address, n int) {
	e.hops.SetMinHops(addr, n)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Enqueued:   e.enqueued.Load(),
		Attempts:   e.attempts.Load(),
		Retries:    e.retries.Load(),
		Naks:       e.naks.Load(),
		Timeouts:   e.timeouts.Load(),
		Succeeded:  e.succeeded.Load(),
		Failed:     e.failed.Load(),
		Canceled:   e.canceled.Load(),
		FramesRx:   e.framesRx.Load(),
		Delivered:  e.disp.delivered.Load(),
		Duplicates: e.disp.duplicates.Load(),
		Unrouted:   e.disp.unrouted.Load(),
		Queued:     e.queued.Load(),
		InFlight:   e.inFlight.Load(),
		LinkUp:     e.linkUp.Load(),
	}
}

// post runs fn on the loop.
func (e *Engine) post(fn func()) {
	select {
	case e.ctrlCh <- fn:
	case <-e.stopped.Done():
	}
}

func (e *Engine) accept(p *Pending) {
	if p.canceled {
		e.canceled.Add(1)
		p.resolve(fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
		return
	}
	q := e.queues[p.dest]
	if q == nil {
		q = &destQueue{}
		e.queues[p.dest] = q
	}
	q.items = append(q.items, p)
	e.enqueued.Add(1)
	e.queued.Add(1)
	e.logger.Debug("send queued", "dest", p.dest.String(), "op", p.op, "depth", len(q.items))
}

// pump transmits whatever may go out at now and expires overdue attempts.
func (e *Engine) pump(now time.Time) {
	for dest, q := range e.queues {
		if p := q.active; p != nil {
			switch {
			case p.state == stateSent && !now.Before(p.deadline):
				e.timedOut(q, now)
			case p.state == stateBackoff && !now.Before(p.retryAt) && e.canTransmit(dest, now):
				e.transmit(q, now)
			}
		}
		if q.active == nil && len(q.items) > 0 && e.canTransmit(dest, now) {
			q.active = q.items[0]
			q.items = q.items[1:]
			e.queued.Add(-1)
			e.inFlight.Add(1)
			e.transmit(q, now)
		}
		if q.active == nil && len(q.items) == 0 {
			delete(e.queues, dest)
		}
	}
}

func (e *Engine) canTransmit(dest insteon.Address, now time.Time) bool {
	if !e.linkUp.Load() || now.Before(e.quietUntil) {
		return false
	}
	if e.sleepy[dest] {
		until, ok := e.awakeUntil[dest]
		return ok && now.Before(until)
	}
	return true
}

// nextWake returns the earliest future time pump has work to do. Sends
// blocked on the link or on a sleeping device wait for an event instead.
func (e *Engine) nextWake(now time.Time) (time.Time, bool) {
	for addr, until := range e.awakeUntil {
		if !now.Before(until) {
			delete(e.awakeUntil, addr)
		}
	}

	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, q := range e.queues {
		p := q.active
		switch {
		case p != nil && p.state == stateSent:
			consider(p.deadline)
		case p != nil && p.state == stateBackoff:
			consider(p.retryAt)
			consider(e.quietUntil)
		case len(q.items) > 0:
			consider(e.quietUntil)
		}
	}
	return next, !next.IsZero()
}

// transmit writes the active send of q.
func (e *Engine) transmit(q *destQueue, now time.Time) {
	p := q.active
	p.attempts++
	p.hops = 0

	m := p.msg
	if m.Kind == insteon.KindSend {
		p.hops = int(insteon.ClampHops(e.hops.Hops(p.dest) + p.hopBoost))
		m = m.WithHops(p.hops)
	}

	frame, err := insteon.Encode(m)
	if err != nil {
		e.finish(q, fmt.Errorf("%s to %s: %w", p.op, p.dest, err))
		return
	}

	p.state = stateSent
	p.deadline = now.Add(e.ackWait(p))
	e.attempts.Add(1)
	if p.attempts > 1 {
		e.retries.Add(1)
	}
	e.obs.SendAttempt(p.dest, p.op, p.attempts, p.hops)
	e.logger.Debug("send attempt", "dest", p.dest.String(), "op", p.op, "attempt", p.attempts, "hops", p.hops)

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
	err = e.writer.WriteFrame(ctx, frame)
	cancel()
	if err != nil {
		e.logger.Warn("write to modem failed", "dest", p.dest.String(), "op", p.op, "error", err)
		e.retryOrFail(q, now, &insteon.TimeoutError{Addr: p.dest, Op: p.op, Attempts: p.attempts})
	}
}

func (e *Engine) ackWait(p *Pending) time.Duration {
	return e.cfg.AckTimeout + time.Duration(p.hops)*e.cfg.HopTimeout
}

func (e *Engine) timedOut(q *destQueue, now time.Time) {
	p := q.active
	e.timeouts.Add(1)
	e.logger.Warn("send timed out", "dest", p.dest.String(), "op", p.op, "attempt", p.attempts, "hops", p.hops)
	if p.msg.Kind == insteon.KindSend {
		p.hopBoost++
	}
	e.retryOrFail(q, now, &insteon.TimeoutError{Addr: p.dest, Op: p.op, Attempts: p.attempts})
}

// retryOrFail ends the current attempt with cause. The send is retried
// after a linear backoff unless it was cancelled or has used every attempt.
func (e *Engine) retryOrFail(q *destQueue, now time.Time, cause error) {
	p := q.active
	switch {
	case p.canceled:
		e.finish(q, fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
	case p.attempts >= e.cfg.MaxAttempts:
		e.finish(q, cause)
	default:
		p.state = stateBackoff
		p.retryAt = now.Add(e.cfg.RetryBackoff * time.Duration(p.attempts))
	}
}

// finish resolves the active send of q.
func (e *Engine) finish(q *destQueue, err error) {
	p := q.active
	q.active = nil
	e.inFlight.Add(-1)
	p.resolve(err)

	switch {
	case err == nil:
		e.succeeded.Add(1)
	case p.canceled:
		e.canceled.Add(1)
	default:
		e.failed.Add(1)
		e.logger.Warn("send failed", "dest", p.dest.String(), "op", p.op, "attempts", p.attempts, "error", err)
	}
	e.obs.SendResult(p.dest, p.op, p.attempts, p.result.Elapsed, err)
}

func (e *Engine) cancel(p *Pending) {
	if p.state == stateResolved {
		return
	}
	q := e.queues[p.dest]
	if q == nil {
		// Not accepted yet; accept resolves it.
		p.canceled = true
		return
	}
	if q.active == p {
		p.canceled = true
		if p.state == stateBackoff {
			e.finish(q, fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
		}
		return
	}
	for i, item := range q.items {
		if item == p {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			e.queued.Add(-1)
			e.canceled.Add(1)
			p.resolve(fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
			return
		}
	}
	p.canceled = true
}

func (e *Engine) wake(addr insteon.Address, now time.Time) {
	if !e.sleepy[addr] {
		return
	}
	if until, ok := e.awakeUntil[addr]; !ok || !now.Before(until) {
		e.logger.Debug("device awake", "addr", addr.String(), "window", e.cfg.AwakeWindow.String())
	}
	e.awakeUntil[addr] = now.Add(e.cfg.AwakeWindow)
}

// onFrame handles one inbound frame: hop and awake bookkeeping, then the
// in-flight conversation for its key, then the subscribers.
func (e *Engine) onFrame(m insteon.Message, now time.Time) {
	e.framesRx.Add(1)

	if m.IsInsteon() {
		hops := m.Flags.HopsTaken()
		e.hops.Observe(m.From, hops)
		e.obs.HopsObserved(m.From, hops)
		if quiet := now.Add(m.Flags.Expiry()); quiet.After(e.quietUntil) {
			e.quietUntil = quiet
		}
		e.wake(m.From, now)
	}

	if q := e.queues[conversationKey(m)]; q != nil && q.active != nil && q.active.state == stateSent {
		if e.offer(q, m, now) {
			return
		}
	}
	e.disp.Deliver(m, now)
}

// offer hands m to the in-flight send of q and reports whether it was
// consumed.
func (e *Engine) offer(q *destQueue, m insteon.Message, now time.Time) bool {
	p := q.active
	v := p.resp(&m)
	if v == Unhandled {
		return false
	}
	p.replies = append(p.replies, m)

	switch v {
	case Continue:
		p.deadline = now.Add(e.ackWait(p))
	case Done:
		if p.canceled {
			e.finish(q, fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
		} else {
			e.finish(q, nil)
		}
	case Retry:
		e.naks.Add(1)
		e.retryOrFail(q, now, e.nakError(p, m))
	case Fail:
		e.naks.Add(1)
		if p.canceled {
			e.finish(q, fmt.Errorf("%w: %s to %s", insteon.ErrCanceled, p.op, p.dest))
		} else {
			e.finish(q, e.nakError(p, m))
		}
	}
	return true
}

func (e *Engine) nakError(p *Pending, m insteon.Message) error {
	nak := &insteon.NakError{Addr: p.dest, Op: p.op, Attempts: p.attempts}
	switch {
	case m.IsDirectNak():
		nak.Reason = m.NakReason()
	case m.Ack == insteon.AckNak:
		nak.Modem = true
		if m.Kind != insteon.KindDbUpdate {
			nak.Reason = insteon.NakModemBusy
		}
	}
	return nak
}

// shutdown fails everything still owned by the loop.
func (e *Engine) shutdown() {
	e.stopped.Close()
	for dest, q := range e.queues {
		if q.active != nil {
			q.active.canceled = true
			e.finish(q, fmt.Errorf("%w: %w", insteon.ErrCanceled, ErrEngineStopped))
		}
		for _, p := range q.items {
			p.resolve(fmt.Errorf("%w: %w", insteon.ErrCanceled, ErrEngineStopped))
		}
		delete(e.queues, dest)
	}
	for {
		select {
		case p := <-e.enqueueCh:
			p.resolve(fmt.Errorf("%w: %w", insteon.ErrCanceled, ErrEngineStopped))
			continue
		default:
		}
		break
	}
	e.queued.Store(0)
	e.logger.Info("send engine stopped")
}

// conversationKey returns the queue an inbound frame belongs to.
func conversationKey(m insteon.Message) insteon.Address {
	switch m.Kind {
	case insteon.KindStandard, insteon.KindExtended:
		return m.From
	case insteon.KindSend:
		return m.To
	default:
		return insteon.ModemAddress
	}
}
