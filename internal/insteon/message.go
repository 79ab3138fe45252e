package insteon

import (
	"fmt"
	"strings"
)

// StartByte begins every frame on the modem link.
const StartByte = 0x02

// ExtDataLen is the payload length of an extended message.
const ExtDataLen = 14

// Modem echo trailer bytes.
const (
	ackByte = 0x06
	nakByte = 0x15
)

// Kind is the modem message code (the byte after StartByte).
type Kind uint8

// Modem to host codes.
const (
	KindStandard        Kind = 0x50
	KindExtended        Kind = 0x51
	KindAllLinkComplete Kind = 0x53
	KindButtonEvent     Kind = 0x54
	KindUserReset       Kind = 0x55
	KindAllLinkFailure  Kind = 0x56
	KindAllLinkRecord   Kind = 0x57
	KindAllLinkStatus   Kind = 0x58
	KindUnreachable     Kind = 0x5C
)

// Host to modem codes. The modem echoes each of them back with a trailing
// ACK or NAK byte.
const (
	KindModemInfo     Kind = 0x60
	KindModemScene    Kind = 0x61
	KindSend          Kind = 0x62
	KindStartLinking  Kind = 0x64
	KindCancelLinking Kind = 0x65
	KindGetFirst      Kind = 0x69
	KindGetNext       Kind = 0x6A
	KindDbUpdate      Kind = 0x6F
)

var kindNames = map[Kind]string{
	KindStandard:        "standard",
	KindExtended:        "extended",
	KindAllLinkComplete: "all-link-complete",
	KindButtonEvent:     "button-event",
	KindUserReset:       "user-reset",
	KindAllLinkFailure:  "all-link-failure",
	KindAllLinkRecord:   "all-link-record",
	KindAllLinkStatus:   "all-link-status",
	KindUnreachable:     "unreachable",
	KindModemInfo:       "modem-info",
	KindModemScene:      "modem-scene",
	KindSend:            "send",
	KindStartLinking:    "start-linking",
	KindCancelLinking:   "cancel-linking",
	KindGetFirst:        "get-first",
	KindGetNext:         "get-next",
	KindDbUpdate:        "db-update",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Known reports whether k is a code the codec understands.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// HostOriginated reports whether k is a command sent by the host (and so
// arrives inbound only as a modem echo).
func (k Kind) HostOriginated() bool {
	return k >= KindModemInfo
}

// Ack is the modem echo trailer of a host command.
type Ack uint8

// Echo states. Outbound messages carry AckNone.
const (
	AckNone Ack = iota
	AckOK
	AckNak
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ack"
	case AckNak:
		return "nak"
	default:
		return ""
	}
}

// Modem link-table update control codes (0x6F cmd byte).
const (
	DbFindFirst     byte = 0x00
	DbFindNext      byte = 0x01
	DbUpdate        byte = 0x20
	DbAddController byte = 0x40
	DbAddResponder  byte = 0x41
	DbDelete        byte = 0x80
)

// Message is one frame on the modem link.
//
// Messages are immutable values: every field is an array or scalar, so
// messages compare with == and can be copied freely. Which fields are
// meaningful depends on Kind:
//
//	0x50/0x51/0x5C/0x62  From, To, Flags, Cmd1, Cmd2, Data (extended only)
//	0x53                 Code (link code), LinkGroup, From, Info (cat, subcat, firmware)
//	0x54                 Code (button event)
//	0x56                 LinkGroup, From
//	0x57                 RecordFlags, LinkGroup, From, Info (link data)
//	0x60                 From (modem address), Info (cat, subcat, firmware)
//	0x61                 LinkGroup, Cmd1, Cmd2
//	0x64                 Code (link mode), LinkGroup
//	0x6F                 Code (control), RecordFlags, LinkGroup, From, Info (link data)
//
// For 0x62 To is the destination and From is unused. Host-originated kinds
// carry Ack when they were decoded from a modem echo.
type Message struct {
	Kind        Kind
	From        Address
	To          Address
	Flags       Flags
	Cmd1        byte
	Cmd2        byte
	Data        [ExtDataLen]byte
	Code        byte
	LinkGroup   byte
	RecordFlags byte
	Info        [3]byte
	Ack         Ack
}

// Standard command bytes used by the core.
const (
	CmdGetEngine    byte = 0x0D
	CmdOn           byte = 0x11
	CmdOnFast       byte = 0x12
	CmdOff          byte = 0x13
	CmdOffFast      byte = 0x14
	CmdStatus       byte = 0x19
	CmdSceneTrigger byte = 0x30
	CmdLinkTable    byte = 0x2F
)

// NewDirect builds a standard direct command to to.
func NewDirect(to Address, cmd1, cmd2 byte) Message {
	return Message{
		Kind:  KindSend,
		To:    to,
		Flags: NewFlags(TypeDirect, false, MaxHops),
		Cmd1:  cmd1,
		Cmd2:  cmd2,
	}
}

// NewExtendedDirect builds an extended direct command to to, applying the
// checksum scheme to the payload.
func NewExtendedDirect(to Address, cmd1, cmd2 byte, data [ExtDataLen]byte, scheme Checksum) Message {
	return Message{
		Kind:  KindSend,
		To:    to,
		Flags: NewFlags(TypeDirect, true, MaxHops),
		Cmd1:  cmd1,
		Cmd2:  cmd2,
		Data:  scheme.Apply(cmd1, cmd2, data),
	}
}

// NewModemScene builds a modem scene (virtual button) command.
func NewModemScene(group, cmd1, cmd2 byte) Message {
	return Message{Kind: KindModemScene, LinkGroup: group, Cmd1: cmd1, Cmd2: cmd2}
}

// NewModemDbUpdate builds a 0x6F modem link-table update.
func NewModemDbUpdate(code, recordFlags, group byte, addr Address, data [3]byte) Message {
	return Message{
		Kind:        KindDbUpdate,
		Code:        code,
		RecordFlags: recordFlags,
		LinkGroup:   group,
		From:        addr,
		Info:        data,
	}
}

// NewModemCommand builds a payload-less modem command (0x60, 0x65, 0x69, 0x6A).
func NewModemCommand(k Kind) Message {
	return Message{Kind: k}
}

// WithHops returns m with its flags set to send using hops repeats.
func (m Message) WithHops(hops int) Message {
	m.Flags = m.Flags.WithHops(hops)
	return m
}

// WithAck returns m as the modem would echo it back.
func (m Message) WithAck(a Ack) Message {
	m.Ack = a
	return m
}

// IsExtended reports whether the message carries the 14-byte payload.
func (m Message) IsExtended() bool {
	switch m.Kind {
	case KindExtended:
		return true
	case KindSend:
		return m.Flags.Extended
	default:
		return false
	}
}

// IsInsteon reports whether m is a standard or extended network message
// from a device (as opposed to a modem status frame).
func (m Message) IsInsteon() bool {
	return m.Kind == KindStandard || m.Kind == KindExtended
}

// IsBroadcast reports whether m is an all-link broadcast.
func (m Message) IsBroadcast() bool {
	return m.IsInsteon() && m.Flags.Type == TypeAllLinkBroadcast
}

// IsCleanup reports whether m is an all-link cleanup (or its ack).
func (m Message) IsCleanup() bool {
	return m.IsInsteon() && (m.Flags.Type == TypeAllLinkCleanup || m.Flags.Type == TypeCleanupAck)
}

// IsDirectAck reports whether m is a direct ACK from a device.
func (m Message) IsDirectAck() bool {
	return m.IsInsteon() && m.Flags.Type == TypeDirectAck
}

// IsDirectNak reports whether m is a direct NAK from a device.
func (m Message) IsDirectNak() bool {
	return m.IsInsteon() && m.Flags.Type == TypeDirectNak
}

// NakReason returns the I2CS NAK explanation of a direct NAK.
func (m Message) NakReason() NakReason {
	if !m.IsDirectNak() {
		return NakNone
	}
	return NakReason(m.Cmd2)
}

// Group returns the scene group a broadcast or cleanup message refers to.
// Broadcasts carry it in the low byte of the destination, cleanups in cmd2.
func (m Message) Group() (byte, bool) {
	switch {
	case m.IsBroadcast():
		return m.To[2], true
	case m.IsCleanup():
		return m.Cmd2, true
	default:
		return 0, false
	}
}

func (m Message) String() string {
	var b strings.Builder
	switch m.Kind {
	case KindStandard, KindExtended, KindUnreachable:
		if g, ok := m.Group(); ok {
			fmt.Fprintf(&b, "%s %s %s grp:%02x cmd:%02x %02x", m.Kind, m.From, m.Flags, g, m.Cmd1, m.Cmd2)
		} else {
			fmt.Fprintf(&b, "%s %s->%s %s cmd:%02x %02x", m.Kind, m.From, m.To, m.Flags, m.Cmd1, m.Cmd2)
		}
	case KindSend:
		fmt.Fprintf(&b, "send ->%s %s cmd:%02x %02x", m.To, m.Flags, m.Cmd1, m.Cmd2)
	case KindAllLinkRecord, KindDbUpdate:
		fmt.Fprintf(&b, "%s %s grp:%02x flags:%02x data:%02x %02x %02x", m.Kind, m.From, m.LinkGroup,
			m.RecordFlags, m.Info[0], m.Info[1], m.Info[2])
	case KindModemScene:
		fmt.Fprintf(&b, "%s grp:%02x cmd:%02x %02x", m.Kind, m.LinkGroup, m.Cmd1, m.Cmd2)
	default:
		b.WriteString(m.Kind.String())
	}
	if m.IsExtended() {
		fmt.Fprintf(&b, " data:% x", m.Data[:])
	}
	if m.Ack != AckNone {
		b.WriteString(" " + m.Ack.String())
	}
	return b.String()
}
