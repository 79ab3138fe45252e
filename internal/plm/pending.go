package plm

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

type sendState int

const (
	stateQueued sendState = iota
	stateSent
	stateBackoff
	stateResolved
)

// Result describes a completed send.
type Result struct {
	// Attempts is the number of times the message was transmitted.
	Attempts int

	// Replies holds every frame the responder consumed, in arrival order.
	Replies []insteon.Message

	// Elapsed is the time from enqueue to completion.
	Elapsed time.Duration
}

// Last returns the final consumed frame.
func (r *Result) Last() (insteon.Message, bool) {
	if r == nil || len(r.Replies) == 0 {
		return insteon.Message{}, false
	}
	return r.Replies[len(r.Replies)-1], true
}

// Pending is a send owned by the engine. The caller holds it only to wait
// for the outcome or to cancel.
type Pending struct {
	engine *Engine
	dest   insteon.Address
	msg    insteon.Message
	resp   Responder
	op     string

	// Loop-owned state.
	state    sendState
	attempts int
	hopBoost int
	hops     int
	deadline time.Time
	retryAt  time.Time
	canceled bool
	replies  []insteon.Message
	created  time.Time

	done   chan struct{}
	result *Result
	err    error
}

func newPending(e *Engine, dest insteon.Address, m insteon.Message, resp Responder) *Pending {
	return &Pending{
		engine:  e,
		dest:    dest,
		msg:     m,
		resp:    resp,
		op:      opName(m),
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Dest returns the conversation key the send is queued under.
func (p *Pending) Dest() insteon.Address { return p.dest }

// Message returns the message as enqueued.
func (p *Pending) Message() insteon.Message { return p.msg }

// Done is closed when the send resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the send resolves or ctx ends. Giving up on ctx does not
// cancel the send.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the send. A queued send resolves with ErrCanceled at
// once; one already on the wire gets no further retries and resolves with
// ErrCanceled when the current attempt ends.
func (p *Pending) Cancel() {
	if p.engine == nil {
		return
	}
	p.engine.post(func() { p.engine.cancel(p) })
}

func (p *Pending) resolve(err error) {
	if p.state == stateResolved {
		return
	}
	p.state = stateResolved
	p.result = &Result{
		Attempts: p.attempts,
		Replies:  p.replies,
		Elapsed:  time.Since(p.created),
	}
	p.err = err
	close(p.done)
}

// opName labels a message for errors and telemetry.
func opName(m insteon.Message) string {
	switch m.Kind {
	case insteon.KindSend:
		if m.Flags.Extended {
			return fmt.Sprintf("ext-cmd-0x%02x", m.Cmd1)
		}
		return fmt.Sprintf("cmd-0x%02x", m.Cmd1)
	default:
		return m.Kind.String()
	}
}
