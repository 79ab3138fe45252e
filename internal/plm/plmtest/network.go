package plmtest

import (
	"sort"
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// Network simulates the modem's link database and a set of devices.
// Its Handle method is a Handler.
type Network struct {
	mu      sync.Mutex
	devices map[insteon.Address]*Device

	modemLinks  []linkdb.Record
	modemCursor int
	modemInfo   [3]byte
	scenes      []insteon.Message
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		devices:   make(map[insteon.Address]*Device),
		modemInfo: [3]byte{0x03, 0x15, 0x9e},
	}
}

// AddDevice adds an I2CS device with an empty link table.
func (n *Network) AddDevice(addr insteon.Address) *Device {
	d := &Device{
		addr:   addr,
		engine: insteon.EngineI2CS,
		mem:    map[uint16]linkdb.Record{linkdb.HighWater: linkdb.Sentinel(linkdb.HighWater)},
	}
	n.mu.Lock()
	n.devices[addr] = d
	n.mu.Unlock()
	return d
}

// Device returns a simulated device.
func (n *Network) Device(addr insteon.Address) *Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.devices[addr]
}

// SetModemLinks replaces the modem's link database.
func (n *Network) SetModemLinks(recs ...linkdb.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modemLinks = nil
	for _, r := range recs {
		r.Flags.InUse = true
		r.Flags.Last = false
		n.modemLinks = append(n.modemLinks, r)
	}
}

// ModemLinks returns the modem's link database in storage order.
func (n *Network) ModemLinks() []linkdb.Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]linkdb.Record(nil), n.modemLinks...)
}

// ModemScenes returns every 0x61 command the modem received.
func (n *Network) ModemScenes() []insteon.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]insteon.Message(nil), n.scenes...)
}

// Handle answers one frame the engine wrote.
func (n *Network) Handle(sent insteon.Message) []insteon.Message {
	if sent.Kind == insteon.KindSend {
		n.mu.Lock()
		d := n.devices[sent.To]
		n.mu.Unlock()
		if d == nil {
			return []insteon.Message{Echo(sent)}
		}
		replies := d.handle(sent)
		if sent.Cmd1 == insteon.CmdSceneTrigger && len(replies) > 1 && replies[1].IsDirectAck() {
			n.runScene(d, sent)
		}
		return replies
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch sent.Kind {
	case insteon.KindModemInfo:
		echo := Echo(sent)
		echo.From = ModemAddr
		echo.Info = n.modemInfo
		return []insteon.Message{echo}
	case insteon.KindGetFirst:
		n.modemCursor = 0
		return n.nextModemRecord(sent)
	case insteon.KindGetNext:
		return n.nextModemRecord(sent)
	case insteon.KindDbUpdate:
		return n.updateModemLinks(sent)
	case insteon.KindModemScene:
		n.scenes = append(n.scenes, sent)
		return []insteon.Message{Echo(sent), {Kind: insteon.KindAllLinkStatus, Ack: insteon.AckOK}}
	default:
		return []insteon.Message{Echo(sent)}
	}
}

func (n *Network) nextModemRecord(sent insteon.Message) []insteon.Message {
	if n.modemCursor >= len(n.modemLinks) {
		return []insteon.Message{NakEcho(sent)}
	}
	r := n.modemLinks[n.modemCursor]
	n.modemCursor++
	return []insteon.Message{
		Echo(sent),
		{
			Kind:        insteon.KindAllLinkRecord,
			RecordFlags: r.Flags.Byte(),
			LinkGroup:   r.Group,
			From:        r.Addr,
			Info:        r.Data,
		},
	}
}

// updateModemLinks applies a 0x6F command the way the modem does: delete
// and update act on the first record with the same address and group.
func (n *Network) updateModemLinks(sent insteon.Message) []insteon.Message {
	first := -1
	for i, r := range n.modemLinks {
		if r.Addr == sent.From && r.Group == sent.LinkGroup {
			first = i
			break
		}
	}

	switch sent.Code {
	case insteon.DbAddController, insteon.DbAddResponder:
		ctrl := sent.Code == insteon.DbAddController
		rec := linkdb.Record{
			Flags: linkdb.DbFlags{InUse: true, Controller: ctrl},
			Group: sent.LinkGroup,
			Addr:  sent.From,
			Data:  sent.Info,
		}
		for i, r := range n.modemLinks {
			if r.Key() == rec.Key() {
				n.modemLinks[i] = rec
				return []insteon.Message{Echo(sent)}
			}
		}
		n.modemLinks = append(n.modemLinks, rec)
	case insteon.DbUpdate:
		if first < 0 {
			return []insteon.Message{NakEcho(sent)}
		}
		n.modemLinks[first].Data = sent.Info
	case insteon.DbDelete:
		if first < 0 {
			return []insteon.Message{NakEcho(sent)}
		}
		n.modemLinks = append(n.modemLinks[:first], n.modemLinks[first+1:]...)
	default:
		return []insteon.Message{NakEcho(sent)}
	}
	return []insteon.Message{Echo(sent)}
}

// runScene drives the responders of controller group on d. Responders use
// the on-level in their own link record unless the command carries one.
// Off scenes are ignored, matching devices that miss the off broadcast.
func (n *Network) runScene(d *Device, sent insteon.Message) {
	group, useLevel, level, cmd1 := sent.Data[0], sent.Data[1], sent.Data[2], sent.Data[3]
	if cmd1 != insteon.CmdOn && cmd1 != insteon.CmdOnFast {
		return
	}
	for _, ctrl := range d.controllers(group) {
		n.mu.Lock()
		r := n.devices[ctrl.Addr]
		n.mu.Unlock()
		if r == nil {
			continue
		}
		resp, ok := r.responderOf(d.addr, group)
		if !ok {
			continue
		}
		if useLevel == 0x01 {
			r.setLevel(level)
		} else {
			r.setLevel(resp.Data[0])
		}
	}
}

// Device is a simulated device with a link table in raw memory.
type Device struct {
	addr   insteon.Address
	engine insteon.EngineVersion

	mu       sync.Mutex
	mem      map[uint16]linkdb.Record
	delta    int
	level    byte
	drop     int
	naks     []insteon.NakReason
	received []insteon.Message
}

// Addr returns the device address.
func (d *Device) Addr() insteon.Address { return d.addr }

// SetEngine sets the engine version the device reports.
func (d *Device) SetEngine(e insteon.EngineVersion) {
	d.mu.Lock()
	d.engine = e
	d.mu.Unlock()
}

// SetLinks writes recs from the top of memory down and terminates the table.
func (d *Device) SetLinks(recs ...linkdb.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mem = make(map[uint16]linkdb.Record)
	off := linkdb.HighWater
	for _, r := range recs {
		r.Offset = off
		r.Flags.Last = false
		d.mem[off] = r
		off -= linkdb.RecordSize
	}
	d.mem[off] = linkdb.Sentinel(off)
}

// Memory returns every record up to and including the sentinel, highest
// offset first.
func (d *Device) Memory() []linkdb.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []linkdb.Record
	for off := linkdb.HighWater; off >= linkdb.LowWater; off -= linkdb.RecordSize {
		r := d.read(off)
		out = append(out, r)
		if r.Flags.Last {
			break
		}
	}
	return out
}

// Links returns the in-use records.
func (d *Device) Links() []linkdb.Record {
	var out []linkdb.Record
	for _, r := range d.Memory() {
		if r.InUse() {
			out = append(out, r)
		}
	}
	return out
}

// Delta returns the link table change counter.
func (d *Device) Delta() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delta
}

// BumpDelta simulates a change made to the table behind our back.
func (d *Device) BumpDelta() {
	d.mu.Lock()
	d.delta = (d.delta + 1) & 0xff
	d.mu.Unlock()
}

// Level returns the load level.
func (d *Device) Level() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *Device) setLevel(l byte) {
	d.mu.Lock()
	d.level = l
	d.mu.Unlock()
}

// Drop makes the device ignore the next count commands. The modem still
// echoes them.
func (d *Device) Drop(count int) {
	d.mu.Lock()
	d.drop += count
	d.mu.Unlock()
}

// Nak queues NAK replies for the next commands, one reason per command.
func (d *Device) Nak(reasons ...insteon.NakReason) {
	d.mu.Lock()
	d.naks = append(d.naks, reasons...)
	d.mu.Unlock()
}

// Received returns the commands the device answered or dropped.
func (d *Device) Received() []insteon.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]insteon.Message(nil), d.received...)
}

func (d *Device) read(off uint16) linkdb.Record {
	if r, ok := d.mem[off]; ok {
		return r
	}
	return linkdb.Sentinel(off)
}

func (d *Device) controllers(group byte) []linkdb.Record {
	var out []linkdb.Record
	for _, r := range d.Links() {
		if r.Flags.Controller && r.Group == group {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset > out[j].Offset })
	return out
}

func (d *Device) responderOf(ctrl insteon.Address, group byte) (linkdb.Record, bool) {
	for _, r := range d.Links() {
		if !r.Flags.Controller && r.Addr == ctrl && r.Group == group {
			return r, true
		}
	}
	return linkdb.Record{}, false
}

func (d *Device) handle(sent insteon.Message) []insteon.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, sent)
	echo := Echo(sent)

	if d.drop > 0 {
		d.drop--
		return []insteon.Message{echo}
	}
	if len(d.naks) > 0 {
		reason := d.naks[0]
		d.naks = d.naks[1:]
		return []insteon.Message{echo, DirectNak(d.addr, sent.Cmd1, reason)}
	}

	switch sent.Cmd1 {
	case insteon.CmdStatus:
		return []insteon.Message{echo, DirectAck(d.addr, byte(d.delta), d.level)}

	case insteon.CmdGetEngine:
		return []insteon.Message{echo, DirectAck(d.addr, sent.Cmd1, byte(d.engine)-1)}

	case insteon.CmdOn, insteon.CmdOnFast:
		d.level = sent.Cmd2
		return []insteon.Message{echo, DirectAck(d.addr, sent.Cmd1, sent.Cmd2)}

	case insteon.CmdOff, insteon.CmdOffFast:
		d.level = 0
		return []insteon.Message{echo, DirectAck(d.addr, sent.Cmd1, 0x00)}

	case insteon.CmdLinkTable:
		return d.linkTable(sent, echo)

	default:
		return []insteon.Message{echo, DirectAck(d.addr, sent.Cmd1, sent.Cmd2)}
	}
}

func (d *Device) linkTable(sent, echo insteon.Message) []insteon.Message {
	data := sent.Data
	off := uint16(data[2])<<8 | uint16(data[3])
	ack := DirectAck(d.addr, sent.Cmd1, sent.Cmd2)

	switch data[1] {
	case 0x00:
		r := d.read(off)
		payload := linkdb.ReplyPayload(r)
		payload = d.engine.Checksum().Apply(insteon.CmdLinkTable, 0x00, payload)
		return []insteon.Message{echo, ack, ExtendedReply(d.addr, insteon.CmdLinkTable, 0x00, payload)}

	case 0x02:
		data[1] = 0x01
		r, err := linkdb.ParseReply(data)
		if err != nil || !linkdb.ValidOffset(r.Offset) {
			return []insteon.Message{echo, DirectNak(d.addr, sent.Cmd1, insteon.NakIllegalValue)}
		}
		d.mem[r.Offset] = r
		d.delta = (d.delta + 1) & 0xff
		return []insteon.Message{echo, ack}

	default:
		return []insteon.Message{echo, DirectNak(d.addr, sent.Cmd1, insteon.NakIllegalValue)}
	}
}
