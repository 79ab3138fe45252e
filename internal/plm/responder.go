package plm

import "github.com/nerrad567/insteon-bridge/internal/insteon"

// Verdict is a Responder's decision about one inbound frame.
type Verdict int

const (
	// Unhandled means the frame is not part of this conversation; the
	// dispatcher routes it to subscribers instead.
	Unhandled Verdict = iota

	// Continue consumes the frame and keeps waiting. The ack deadline is
	// restarted.
	Continue

	// Done consumes the frame and completes the send successfully.
	Done

	// Retry consumes the frame and counts the attempt as failed with a
	// transient NAK.
	Retry

	// Fail consumes the frame and fails the send without further attempts.
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return "unhandled"
	}
}

// Responder inspects frames routed to an in-flight send. Frames consumed by
// the responder are recorded in the send's Result.
//
// Responders run on the engine loop and must not block.
type Responder func(m *insteon.Message) Verdict

// sendEcho handles the modem echo of a 0x62 send with cmd1.
func sendEcho(m *insteon.Message, cmd1 byte) (Verdict, bool) {
	if m.Kind != insteon.KindSend || m.Cmd1 != cmd1 {
		return Unhandled, false
	}
	if m.Ack == insteon.AckNak {
		return Retry, true
	}
	return Continue, true
}

// nakVerdict classifies a direct NAK by its reason.
func nakVerdict(m *insteon.Message) Verdict {
	if m.NakReason().Retryable() {
		return Retry
	}
	return Fail
}

// DirectAck completes on the device's direct ACK carrying cmd1.
func DirectAck(cmd1 byte) Responder {
	return func(m *insteon.Message) Verdict {
		if v, ok := sendEcho(m, cmd1); ok {
			return v
		}
		switch {
		case m.IsDirectAck() && m.Cmd1 == cmd1:
			return Done
		case m.IsDirectNak():
			return nakVerdict(m)
		}
		return Unhandled
	}
}

// AnyDirectAck completes on any direct ACK. Status requests answer with the
// link table delta in cmd1, so cmd1 cannot be matched.
func AnyDirectAck(cmd1 byte) Responder {
	return func(m *insteon.Message) Verdict {
		if v, ok := sendEcho(m, cmd1); ok {
			return v
		}
		switch {
		case m.IsDirectAck() && m.Kind == insteon.KindStandard:
			return Done
		case m.IsDirectNak():
			return nakVerdict(m)
		}
		return Unhandled
	}
}

// ExtendedReply waits for the standard ACK and then the extended direct
// reply with cmd1.
func ExtendedReply(cmd1 byte) Responder {
	return func(m *insteon.Message) Verdict {
		if v, ok := sendEcho(m, cmd1); ok {
			return v
		}
		switch {
		case m.Kind == insteon.KindExtended && m.Cmd1 == cmd1 && !m.Flags.IsNak():
			return Done
		case m.IsDirectAck() && m.Cmd1 == cmd1:
			return Continue
		case m.IsDirectNak():
			return nakVerdict(m)
		}
		return Unhandled
	}
}

// LinkRecordReply waits for the 0x2F reply describing the record at offset.
// Replies for other offsets are left to the dispatcher.
func LinkRecordReply(offset uint16) Responder {
	hi, lo := byte(offset>>8), byte(offset)
	return func(m *insteon.Message) Verdict {
		if v, ok := sendEcho(m, insteon.CmdLinkTable); ok {
			return v
		}
		switch {
		case m.Kind == insteon.KindExtended && m.Cmd1 == insteon.CmdLinkTable:
			if m.Data[1] == 0x01 && m.Data[2] == hi && m.Data[3] == lo {
				return Done
			}
			return Unhandled
		case m.IsDirectAck() && m.Cmd1 == insteon.CmdLinkTable:
			return Continue
		case m.IsDirectNak():
			return nakVerdict(m)
		}
		return Unhandled
	}
}

// ModemAck completes on the modem's echo of a command of kind k. A NAK echo
// means the modem was busy and is retried.
func ModemAck(k insteon.Kind) Responder {
	return func(m *insteon.Message) Verdict {
		if m.Kind != k {
			return Unhandled
		}
		if m.Ack == insteon.AckNak {
			return Retry
		}
		return Done
	}
}

// ModemDbAck completes on the echo of a 0x6F update. A NAK echo means the
// record was not found or the table is full, which is not retried.
func ModemDbAck() Responder {
	return func(m *insteon.Message) Verdict {
		if m.Kind != insteon.KindDbUpdate {
			return Unhandled
		}
		if m.Ack == insteon.AckNak {
			return Fail
		}
		return Done
	}
}

// ModemRecord handles a 0x69/0x6A request: the echo is followed by one 0x57
// record. A NAK echo means there are no more records and also completes.
func ModemRecord(k insteon.Kind) Responder {
	return func(m *insteon.Message) Verdict {
		switch {
		case m.Kind == k && m.Ack == insteon.AckNak:
			return Done
		case m.Kind == k:
			return Continue
		case m.Kind == insteon.KindAllLinkRecord:
			return Done
		}
		return Unhandled
	}
}

// ModemScene handles a 0x61 virtual scene: the echo is followed by the
// modem's 0x58 status once every responder was cleaned up.
func ModemScene() Responder {
	return func(m *insteon.Message) Verdict {
		switch {
		case m.Kind == insteon.KindModemScene && m.Ack == insteon.AckNak:
			return Retry
		case m.Kind == insteon.KindModemScene:
			return Continue
		case m.Kind == insteon.KindAllLinkStatus:
			return Done
		}
		return Unhandled
	}
}
