package insteon

import (
	"errors"
	"fmt"
)

// Frame lengths as read from the modem, including StartByte, the code and
// any echo trailer. 0x62 is the standard length; extended sends are
// sendExtLen.
var frameSizes = map[Kind]int{
	KindStandard:        11,
	KindExtended:        25,
	KindAllLinkComplete: 10,
	KindButtonEvent:     3,
	KindUserReset:       2,
	KindAllLinkFailure:  7,
	KindAllLinkRecord:   10,
	KindAllLinkStatus:   3,
	KindUnreachable:     11,
	KindModemInfo:       9,
	KindModemScene:      6,
	KindSend:            9,
	KindStartLinking:    5,
	KindCancelLinking:   3,
	KindGetFirst:        3,
	KindGetNext:         3,
	KindDbUpdate:        12,
}

const (
	sendExtLen = 23
	// sendFlagsPos is where the flags byte sits in a 0x62 frame.
	sendFlagsPos = 5
	// allLinkFailureMarker is the fixed byte after the 0x56 code.
	allLinkFailureMarker = 0x01
)

// DecodeOptions controls inbound validation.
type DecodeOptions struct {
	// Scheme returns the checksum scheme expected on extended messages
	// from addr. When nil, inbound checksums are not validated.
	Scheme func(addr Address) Checksum
}

// Encode converts a message to its wire form.
//
// Host-originated kinds encode as the command sent to the modem when Ack is
// AckNone, and as the modem echo (with the trailing ACK/NAK byte and any
// echo-only payload) otherwise.
//
// Parameters:
//   - m: Message to encode
//
// Returns:
//   - []byte: Frame bytes starting with StartByte
//   - error: ErrEncodingFailed if the message is inconsistent
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Known() {
		return nil, fmt.Errorf("%w: unknown kind %s", ErrEncodingFailed, m.Kind)
	}
	echo := m.Ack != AckNone
	if echo && !m.Kind.HostOriginated() && m.Kind != KindAllLinkStatus {
		return nil, fmt.Errorf("%w: %s cannot carry an echo ack", ErrEncodingFailed, m.Kind)
	}

	b := make([]byte, 0, sendExtLen+2)
	b = append(b, StartByte, byte(m.Kind))

	switch m.Kind {
	case KindStandard, KindUnreachable:
		if m.Flags.Extended {
			return nil, fmt.Errorf("%w: %s with extended flag", ErrEncodingFailed, m.Kind)
		}
		b = appendStd(b, m)
	case KindExtended:
		if !m.Flags.Extended {
			return nil, fmt.Errorf("%w: extended message without extended flag", ErrEncodingFailed)
		}
		b = appendStd(b, m)
		b = append(b, m.Data[:]...)
	case KindAllLinkComplete:
		b = append(b, m.Code, m.LinkGroup)
		b = append(b, m.From[:]...)
		b = append(b, m.Info[:]...)
	case KindButtonEvent:
		b = append(b, m.Code)
	case KindUserReset:
	case KindAllLinkFailure:
		b = append(b, allLinkFailureMarker, m.LinkGroup)
		b = append(b, m.From[:]...)
	case KindAllLinkRecord:
		b = append(b, m.RecordFlags, m.LinkGroup)
		b = append(b, m.From[:]...)
		b = append(b, m.Info[:]...)
	case KindAllLinkStatus:
		if !echo {
			return nil, fmt.Errorf("%w: all-link status needs an ack state", ErrEncodingFailed)
		}
	case KindModemInfo:
		if echo {
			b = append(b, m.From[:]...)
			b = append(b, m.Info[:]...)
		}
	case KindModemScene:
		b = append(b, m.LinkGroup, m.Cmd1, m.Cmd2)
	case KindSend:
		b = append(b, m.To[:]...)
		b = append(b, m.Flags.Byte(), m.Cmd1, m.Cmd2)
		if m.Flags.Extended {
			b = append(b, m.Data[:]...)
		}
	case KindStartLinking:
		b = append(b, m.Code, m.LinkGroup)
	case KindCancelLinking, KindGetFirst, KindGetNext:
	case KindDbUpdate:
		b = append(b, m.Code, m.RecordFlags, m.LinkGroup)
		b = append(b, m.From[:]...)
		b = append(b, m.Info[:]...)
	}

	if echo {
		if m.Ack == AckOK {
			b = append(b, ackByte)
		} else {
			b = append(b, nakByte)
		}
	}
	return b, nil
}

func appendStd(b []byte, m Message) []byte {
	b = append(b, m.From[:]...)
	b = append(b, m.To[:]...)
	return append(b, m.Flags.Byte(), m.Cmd1, m.Cmd2)
}

// FrameSize returns the number of bytes the frame at the start of buf needs.
// It returns 0 when buf is too short to tell.
func FrameSize(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	k := Kind(buf[1])
	size, ok := frameSizes[k]
	if !ok {
		return 0
	}
	if k == KindSend {
		if len(buf) <= sendFlagsPos {
			return 0
		}
		if ParseFlags(buf[sendFlagsPos]).Extended {
			return sendExtLen
		}
	}
	return size
}

// Decode parses the first frame in buf.
//
// The link is an unframed byte stream, so Decode never fails hard: a bad
// leading byte, an unknown code, a malformed trailer or a checksum failure
// returns a *FrameError with consumed=1 so the caller drops one byte and
// tries again. A partial frame returns ErrNeedMoreBytes with consumed=0.
//
// Parameters:
//   - buf: Buffered bytes read from the link
//   - opts: Inbound validation options
//
// Returns:
//   - Message: Decoded message (zero on error)
//   - int: Number of bytes consumed from buf
//   - error: nil, ErrNeedMoreBytes or *FrameError
func Decode(buf []byte, opts DecodeOptions) (Message, int, error) {
	if len(buf) == 0 {
		return Message{}, 0, ErrNeedMoreBytes
	}
	if buf[0] != StartByte {
		return Message{}, 1, &FrameError{Reason: fmt.Sprintf("unexpected byte 0x%02x", buf[0]), Err: ErrInvalidFrame}
	}
	if len(buf) < 2 {
		return Message{}, 0, ErrNeedMoreBytes
	}

	k := Kind(buf[1])
	if !k.Known() {
		return Message{}, 1, &FrameError{Code: byte(k), Reason: "unknown message code", Err: ErrInvalidFrame}
	}

	size := FrameSize(buf)
	if size == 0 || len(buf) < size {
		return Message{}, 0, ErrNeedMoreBytes
	}

	m, err := parseFrame(k, buf[:size])
	if err != nil {
		return Message{}, 1, &FrameError{Code: byte(k), Reason: err.Error(), Err: ErrInvalidFrame}
	}

	if k == KindExtended && opts.Scheme != nil {
		if scheme := opts.Scheme(m.From); !scheme.Valid(m.Cmd1, m.Cmd2, m.Data) {
			return Message{}, 1, &FrameError{
				Code:   byte(k),
				Reason: fmt.Sprintf("%s checksum from %s", scheme, m.From),
				Err:    ErrChecksum,
			}
		}
	}

	return m, size, nil
}

func parseFrame(k Kind, f []byte) (Message, error) {
	m := Message{Kind: k}
	p := f[2:]

	switch k {
	case KindStandard, KindExtended, KindUnreachable:
		copy(m.From[:], p[0:3])
		copy(m.To[:], p[3:6])
		m.Flags = ParseFlags(p[6])
		m.Cmd1, m.Cmd2 = p[7], p[8]
		if k == KindExtended {
			copy(m.Data[:], p[9:23])
		}
	case KindAllLinkComplete:
		m.Code, m.LinkGroup = p[0], p[1]
		copy(m.From[:], p[2:5])
		copy(m.Info[:], p[5:8])
	case KindButtonEvent:
		m.Code = p[0]
	case KindUserReset:
	case KindAllLinkFailure:
		if p[0] != allLinkFailureMarker {
			return Message{}, errors.New("bad all-link failure marker")
		}
		m.LinkGroup = p[1]
		copy(m.From[:], p[2:5])
	case KindAllLinkRecord:
		m.RecordFlags, m.LinkGroup = p[0], p[1]
		copy(m.From[:], p[2:5])
		copy(m.Info[:], p[5:8])
	case KindAllLinkStatus:
	case KindModemInfo:
		copy(m.From[:], p[0:3])
		copy(m.Info[:], p[3:6])
	case KindModemScene:
		m.LinkGroup, m.Cmd1, m.Cmd2 = p[0], p[1], p[2]
	case KindSend:
		copy(m.To[:], p[0:3])
		m.Flags = ParseFlags(p[3])
		m.Cmd1, m.Cmd2 = p[4], p[5]
		if m.Flags.Extended {
			copy(m.Data[:], p[6:20])
		}
	case KindStartLinking:
		m.Code, m.LinkGroup = p[0], p[1]
	case KindCancelLinking, KindGetFirst, KindGetNext:
	case KindDbUpdate:
		m.Code, m.RecordFlags, m.LinkGroup = p[0], p[1], p[2]
		copy(m.From[:], p[3:6])
		copy(m.Info[:], p[6:9])
	}

	if k.HostOriginated() || k == KindAllLinkStatus {
		switch f[len(f)-1] {
		case ackByte:
			m.Ack = AckOK
		case nakByte:
			m.Ack = AckNak
		default:
			return Message{}, fmt.Errorf("bad echo trailer 0x%02x", f[len(f)-1])
		}
	}
	return m, nil
}

// Decoder turns a byte stream into messages, resynchronising after noise.
//
// A Decoder is not safe for concurrent use; the link reader owns it.
type Decoder struct {
	buf     []byte
	opts    DecodeOptions
	dropped uint64
}

// NewDecoder creates a stream decoder.
func NewDecoder(opts DecodeOptions) *Decoder {
	return &Decoder{opts: opts}
}

// Feed appends bytes read from the link.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message.
//
// It returns ErrNeedMoreBytes when the buffer holds no complete frame, and
// a *FrameError for every byte dropped while resynchronising. Callers loop
// until ErrNeedMoreBytes.
func (d *Decoder) Next() (Message, error) {
	m, n, err := Decode(d.buf, d.opts)
	if n > 0 {
		d.buf = d.buf[n:]
	}
	if err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			d.dropped++
		}
		if len(d.buf) == 0 {
			d.buf = nil
		}
		return Message{}, err
	}
	return m, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Dropped returns the number of bytes discarded during resynchronisation.
func (d *Decoder) Dropped() uint64 { return d.dropped }

// Reset discards buffered bytes, used after a reconnect.
func (d *Decoder) Reset() {
	d.buf = nil
}
