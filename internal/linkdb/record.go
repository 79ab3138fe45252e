package linkdb

import (
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Link table geometry. Device tables start at HighWater and grow downward
// one RecordSize at a time.
const (
	HighWater  uint16 = 0x0FFF
	RecordSize uint16 = 8
	// LowWater is the lowest offset a record may occupy.
	LowWater uint16 = 0x0007
)

// 0x2F extended command sub-codes (D2).
const (
	opRead  byte = 0x00
	opReply byte = 0x01
	opWrite byte = 0x02
)

// DbFlags are the control bits of a link record.
type DbFlags struct {
	InUse      bool
	Controller bool
	// Last marks the end-of-table sentinel. It is stored inverted on the
	// wire (bit 1 set means "more records follow").
	Last bool
}

// ParseDbFlags decodes a record flags byte.
func ParseDbFlags(b byte) DbFlags {
	return DbFlags{
		InUse:      b&0x80 != 0,
		Controller: b&0x40 != 0,
		Last:       b&0x02 == 0,
	}
}

// Byte encodes the flags. Bit 5 is always set, matching what devices write.
func (f DbFlags) Byte() byte {
	b := byte(0x20)
	if f.InUse {
		b |= 0x80
	}
	if f.Controller {
		b |= 0x40
	}
	if !f.Last {
		b |= 0x02
	}
	return b
}

// Key identifies a link independently of where it is stored.
type Key struct {
	Addr       insteon.Address
	Group      uint8
	Controller bool
}

func (k Key) String() string {
	return fmt.Sprintf("%s grp:%d %s", k.Addr, k.Group, roleName(k.Controller))
}

// Record is one entry of a device or modem link table.
type Record struct {
	Offset uint16
	Flags  DbFlags
	Group  uint8
	Addr   insteon.Address
	Data   [3]byte
}

// Sentinel returns an end-of-table record at offset.
func Sentinel(offset uint16) Record {
	return Record{Offset: offset, Flags: DbFlags{Last: true}}
}

// Key returns the link identity of r.
func (r Record) Key() Key {
	return Key{Addr: r.Addr, Group: r.Group, Controller: r.Flags.Controller}
}

// InUse reports whether r is a live link (not unused, not the sentinel).
func (r Record) InUse() bool {
	return r.Flags.InUse && !r.Flags.Last
}

// Identical reports whether r and o describe the same link with the same
// data bytes. Offsets are ignored.
func (r Record) Identical(o Record) bool {
	return r.Key() == o.Key() && r.Data == o.Data
}

// WritePayload returns the 0x2F extended payload that writes r to a device.
func (r Record) WritePayload() [insteon.ExtDataLen]byte {
	var d [insteon.ExtDataLen]byte
	d[1] = opWrite
	d[2], d[3] = byte(r.Offset>>8), byte(r.Offset)
	d[4] = byte(RecordSize)
	d[5] = r.Flags.Byte()
	d[6] = r.Group
	copy(d[7:10], r.Addr[:])
	copy(d[10:13], r.Data[:])
	return d
}

// ReadPayload returns the 0x2F extended payload that requests the single
// record at offset.
func ReadPayload(offset uint16) [insteon.ExtDataLen]byte {
	var d [insteon.ExtDataLen]byte
	d[1] = opRead
	d[2], d[3] = byte(offset>>8), byte(offset)
	d[4] = 0x01
	return d
}

// ParseReply decodes the record carried by a 0x2F extended reply.
func ParseReply(d [insteon.ExtDataLen]byte) (Record, error) {
	if d[1] != opReply {
		return Record{}, fmt.Errorf("%w: unexpected link table sub-command 0x%02x", ErrBadRecord, d[1])
	}
	r := Record{
		Offset: uint16(d[2])<<8 | uint16(d[3]),
		Flags:  ParseDbFlags(d[5]),
		Group:  d[6],
		Data:   [3]byte{d[10], d[11], d[12]},
	}
	copy(r.Addr[:], d[7:10])
	return r, nil
}

// ReplyPayload builds the payload a device sends for r in answer to a read.
// It is the inverse of ParseReply and is used by simulators and tests.
func ReplyPayload(r Record) [insteon.ExtDataLen]byte {
	d := r.WritePayload()
	d[1] = opReply
	d[4] = 0x00
	return d
}

// ValidOffset reports whether offset lies on the record grid.
func ValidOffset(offset uint16) bool {
	return offset <= HighWater && offset >= LowWater && (HighWater-offset)%RecordSize == 0
}

func (r Record) String() string {
	state := ""
	switch {
	case r.Flags.Last:
		state = " (LAST)"
	case !r.Flags.InUse:
		state = " (UNUSED)"
	}
	return fmt.Sprintf("%04x: %s grp: %3d type: %s data: %#04x %#04x %#04x%s",
		r.Offset, r.Addr, r.Group, roleName(r.Flags.Controller), r.Data[0], r.Data[1], r.Data[2], state)
}

func roleName(controller bool) string {
	if controller {
		return "CTRL"
	}
	return "RESP"
}
