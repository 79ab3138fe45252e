package insteon

import (
	"fmt"
	"time"
)

// MsgType is the 3-bit message type carried in the flags byte of standard
// and extended messages.
type MsgType uint8

// Message types.
const (
	TypeDirect           MsgType = 0b000
	TypeDirectAck        MsgType = 0b001
	TypeAllLinkCleanup   MsgType = 0b010
	TypeCleanupAck       MsgType = 0b011
	TypeBroadcast        MsgType = 0b100
	TypeDirectNak        MsgType = 0b101
	TypeAllLinkBroadcast MsgType = 0b110
	TypeCleanupNak       MsgType = 0b111
)

var msgTypeNames = map[MsgType]string{
	TypeDirect:           "direct",
	TypeDirectAck:        "direct-ack",
	TypeAllLinkCleanup:   "cleanup",
	TypeCleanupAck:       "cleanup-ack",
	TypeBroadcast:        "broadcast",
	TypeDirectNak:        "direct-nak",
	TypeAllLinkBroadcast: "all-link-broadcast",
	TypeCleanupNak:       "cleanup-nak",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// MaxHops is the largest hop count the protocol can express.
const MaxHops = 3

// Per-hop propagation time used to work out when the last repeat of a
// message has left the medium.
const (
	StandardHopTime = 87 * time.Millisecond
	ExtendedHopTime = 183 * time.Millisecond
)

// Flags is the decoded flags byte.
//
// Layout: TTTE LLMM
//   - T = message type (3 bits)
//   - E = extended message
//   - L = hops left
//   - M = max hops
type Flags struct {
	Type     MsgType
	Extended bool
	HopsLeft uint8
	MaxHops  uint8
}

// NewFlags returns flags for an outbound message using hops for both the
// max and remaining hop counts. hops is clamped to [0,3].
func NewFlags(t MsgType, extended bool, hops int) Flags {
	h := ClampHops(hops)
	return Flags{Type: t, Extended: extended, HopsLeft: h, MaxHops: h}
}

// ParseFlags decodes a flags byte.
func ParseFlags(b byte) Flags {
	return Flags{
		Type:     MsgType((b >> 5) & 0x07),
		Extended: b&0x10 != 0,
		HopsLeft: (b >> 2) & 0x03,
		MaxHops:  b & 0x03,
	}
}

// Byte encodes the flags.
func (f Flags) Byte() byte {
	b := byte(f.Type&0x07)<<5 | (f.HopsLeft&0x03)<<2 | f.MaxHops&0x03
	if f.Extended {
		b |= 0x10
	}
	return b
}

// WithHops returns a copy of f with both hop counts set to hops.
func (f Flags) WithHops(hops int) Flags {
	h := ClampHops(hops)
	f.HopsLeft, f.MaxHops = h, h
	return f
}

// HopsTaken is the number of repeats the message went through before it
// reached us.
func (f Flags) HopsTaken() int {
	if f.HopsLeft > f.MaxHops {
		return 0
	}
	return int(f.MaxHops - f.HopsLeft)
}

// Expiry is how long the remaining repeats of this message stay on the
// medium.
func (f Flags) Expiry() time.Duration {
	per := StandardHopTime
	if f.Extended {
		per = ExtendedHopTime
	}
	return time.Duration(f.HopsLeft) * per
}

// IsNak reports whether the flags carry a direct or cleanup NAK.
func (f Flags) IsNak() bool {
	return f.Type == TypeDirectNak || f.Type == TypeCleanupNak
}

func (f Flags) String() string {
	ext := ""
	if f.Extended {
		ext = " ext"
	}
	return fmt.Sprintf("%s%s mh:%d hl:%d", f.Type, ext, f.MaxHops, f.HopsLeft)
}

// ClampHops limits n to the valid hop range.
func ClampHops(n int) uint8 {
	switch {
	case n < 0:
		return 0
	case n > MaxHops:
		return MaxHops
	default:
		return uint8(n) //nolint:gosec // bounded above
	}
}

// NakReason is the cmd2 explanation carried by an I2CS direct NAK.
type NakReason uint8

// I2CS NAK reasons.
const (
	NakNone          NakReason = 0x00
	NakSenderNotInDB NakReason = 0xFF
	NakNoLoad        NakReason = 0xFE
	NakBadChecksum   NakReason = 0xFD
	NakPreNak        NakReason = 0xFC
	NakIllegalValue  NakReason = 0xFB
	// NakModemBusy is not sent by devices; it marks a modem echo NAK.
	NakModemBusy NakReason = 0x15
)

func (r NakReason) String() string {
	switch r {
	case NakNone:
		return ""
	case NakSenderNotInDB:
		return "sender not in responder link table"
	case NakNoLoad:
		return "load sense detects no load"
	case NakBadChecksum:
		return "checksum incorrect"
	case NakPreNak:
		return "pre-NAK, link table search too slow"
	case NakIllegalValue:
		return "illegal value in command"
	case NakModemBusy:
		return "modem busy"
	default:
		return fmt.Sprintf("reason 0x%02x", uint8(r))
	}
}

// Retryable reports whether a NAK with this reason is transient.
func (r NakReason) Retryable() bool {
	switch r {
	case NakSenderNotInDB, NakNoLoad, NakIllegalValue:
		return false
	default:
		return true
	}
}
