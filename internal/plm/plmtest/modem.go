// Package plmtest provides a simulated modem and Insteon network for tests.
//
// Modem implements plm.Writer. Every frame the engine writes is decoded and
// passed to a Handler; the frames the handler returns are fed back to the
// engine as if the modem had received them. Network is a Handler that
// models devices with link tables and the modem's own link database.
//
//	net := plmtest.NewNetwork()
//	dev := net.AddDevice(addr)
//	modem := plmtest.NewModem(net.Handle)
//	eng := plm.NewEngine(plm.EngineOptions{Writer: modem})
//	modem.Attach(eng.HandleFrame)
package plmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// ModemAddr is the simulated modem's own address.
var ModemAddr = insteon.Address{0x44, 0x85, 0x11}

// Handler answers one frame written to the modem.
type Handler func(sent insteon.Message) []insteon.Message

// Modem records written frames and injects the handler's replies.
type Modem struct {
	mu       sync.Mutex
	handler  Handler
	sink     func(insteon.Message)
	sent     []insteon.Message
	writeErr error
	replies  sync.WaitGroup
}

// NewModem creates a modem answering with h. A nil handler never replies.
func NewModem(h Handler) *Modem {
	return &Modem{handler: h}
}

// Attach sets where replies are delivered, normally Engine.HandleFrame.
func (m *Modem) Attach(sink func(insteon.Message)) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// SetHandler replaces the reply handler.
func (m *Modem) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// FailWrites makes every write return err until called with nil.
func (m *Modem) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// WriteFrame implements plm.Writer.
func (m *Modem) WriteFrame(_ context.Context, frame []byte) error {
	msg, err := DecodeSent(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, msg)
	h, sink := m.handler, m.sink
	m.mu.Unlock()

	if h == nil || sink == nil {
		return nil
	}
	replies := h(msg)
	if len(replies) == 0 {
		return nil
	}
	m.replies.Add(1)
	go func() {
		defer m.replies.Done()
		for _, r := range replies {
			sink(r)
		}
	}()
	return nil
}

// Inject delivers an unsolicited frame.
func (m *Modem) Inject(msgs ...insteon.Message) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	for _, r := range msgs {
		sink(r)
	}
}

// Sent returns every frame written so far.
func (m *Modem) Sent() []insteon.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]insteon.Message(nil), m.sent...)
}

// Writes returns the number of frames written.
func (m *Modem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Wait blocks until every reply batch has been delivered.
func (m *Modem) Wait() {
	m.replies.Wait()
}

// DecodeSent parses a host-to-modem frame.
func DecodeSent(frame []byte) (insteon.Message, error) {
	if len(frame) == 2 && frame[0] == insteon.StartByte && insteon.Kind(frame[1]) == insteon.KindModemInfo {
		// Only the echo carries the modem's address and info.
		return insteon.NewModemCommand(insteon.KindModemInfo), nil
	}
	// The decoder knows the echo form, which is the command plus a trailing
	// ACK byte.
	echo := append(append([]byte(nil), frame...), 0x06)
	msg, n, err := insteon.Decode(echo, insteon.DecodeOptions{})
	if err != nil {
		return insteon.Message{}, fmt.Errorf("decoding sent frame % x: %w", frame, err)
	}
	if n != len(echo) {
		return insteon.Message{}, fmt.Errorf("decoding sent frame % x: %d trailing bytes", frame, len(echo)-n)
	}
	msg.Ack = insteon.AckNone
	return msg, nil
}

// Echo is the modem's ACK echo of sent.
func Echo(sent insteon.Message) insteon.Message {
	return sent.WithAck(insteon.AckOK)
}

// NakEcho is the modem's NAK echo of sent.
func NakEcho(sent insteon.Message) insteon.Message {
	return sent.WithAck(insteon.AckNak)
}

// DirectAck is a standard direct ACK from a device. Hop counts are zero so
// no quiet window follows.
func DirectAck(from insteon.Address, cmd1, cmd2 byte) insteon.Message {
	return insteon.Message{
		Kind:  insteon.KindStandard,
		From:  from,
		To:    ModemAddr,
		Flags: insteon.Flags{Type: insteon.TypeDirectAck},
		Cmd1:  cmd1,
		Cmd2:  cmd2,
	}
}

// DirectNak is a direct NAK from a device carrying reason.
func DirectNak(from insteon.Address, cmd1 byte, reason insteon.NakReason) insteon.Message {
	return insteon.Message{
		Kind:  insteon.KindStandard,
		From:  from,
		To:    ModemAddr,
		Flags: insteon.Flags{Type: insteon.TypeDirectNak},
		Cmd1:  cmd1,
		Cmd2:  byte(reason),
	}
}

// ExtendedReply is an extended direct message from a device.
func ExtendedReply(from insteon.Address, cmd1, cmd2 byte, data [insteon.ExtDataLen]byte) insteon.Message {
	return insteon.Message{
		Kind:  insteon.KindExtended,
		From:  from,
		To:    ModemAddr,
		Flags: insteon.Flags{Type: insteon.TypeDirect, Extended: true},
		Cmd1:  cmd1,
		Cmd2:  cmd2,
		Data:  data,
	}
}

// Broadcast is an all-link broadcast for group.
func Broadcast(from insteon.Address, group, cmd1 byte) insteon.Message {
	return insteon.Message{
		Kind:  insteon.KindStandard,
		From:  from,
		To:    insteon.Address{0, 0, group},
		Flags: insteon.Flags{Type: insteon.TypeAllLinkBroadcast},
		Cmd1:  cmd1,
	}
}

// Cleanup is the all-link cleanup that follows a broadcast.
func Cleanup(from insteon.Address, group, cmd1 byte) insteon.Message {
	return insteon.Message{
		Kind:  insteon.KindStandard,
		From:  from,
		To:    ModemAddr,
		Flags: insteon.Flags{Type: insteon.TypeAllLinkCleanup},
		Cmd1:  cmd1,
		Cmd2:  group,
	}
}
