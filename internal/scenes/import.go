package scenes

import (
	"sort"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// ImportFromLive adds the links found in live tables to the declared
// scenes and returns the result. existing is not modified.
//
// The modem's table is read first, then every device in address order.
// Each in-use record that no descriptor accounts for becomes a one
// controller scene: a controller record is paired with the matching
// responder records on the other device, a responder record with the
// matching controller record. Bootstrap links are skipped. The new scene
// is then merged:
//
//  1. a scene with that controller and that responder gets the data bytes
//     updated
//  2. a scene with that controller and no other controllers gets the
//     responder appended
//  3. a scene with that controller among several is split: the controller
//     moves to a new scene that inherits the old responders, appended last
//  4. without a scene for that controller the new scene is appended last
//
// Existing scenes keep their position, so importing a network that
// already matches its declaration returns the declaration unchanged.
//
// Parameters:
//   - existing: The declared scenes
//   - stores: Live link tables by node address; missing nodes are skipped
//   - modem: The modem's own address
func ImportFromLive(existing []Descriptor, stores map[insteon.Address]*linkdb.Store, modem insteon.Address) []Descriptor {
	out := make([]Descriptor, 0, len(existing))
	for _, d := range existing {
		out = append(out, d.Clone())
	}

	for _, addr := range importOrder(stores, modem) {
		live := stores[addr]
		for _, rec := range live.Records() {
			if Bootstrap(addr, rec, modem) || declared(out, addr, rec, modem) {
				continue
			}
			out = addOrUpdate(out, fromRecord(addr, rec, stores), modem)
		}
	}
	return out
}

// importOrder returns the modem first, then the devices by address.
func importOrder(stores map[insteon.Address]*linkdb.Store, modem insteon.Address) []insteon.Address {
	addrs := make([]insteon.Address, 0, len(stores))
	for a, s := range stores {
		if s != nil && a != modem {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Uint32() < addrs[j].Uint32() })
	if stores[modem] != nil {
		addrs = append([]insteon.Address{modem}, addrs...)
	}
	return addrs
}

// declared reports whether descs already account for rec on node self.
func declared(descs []Descriptor, self insteon.Address, rec linkdb.Record, modem insteon.Address) bool {
	links, _ := Desired(descs, self)
	for _, l := range links {
		if l.Key == rec.Key() && (self == modem || l.Data == rec.Data) {
			return true
		}
	}
	return false
}

// fromRecord builds the one controller scene rec on node self describes.
func fromRecord(self insteon.Address, rec linkdb.Record, stores map[insteon.Address]*linkdb.Store) Descriptor {
	remote := stores[rec.Addr]

	if rec.Flags.Controller {
		d := Descriptor{Controllers: []Member{{Addr: self, Group: rec.Group, Data: rec.Data}}}
		if remote != nil {
			for _, r := range remote.Records() {
				if r.Addr == self && r.Group == rec.Group && !r.Flags.Controller {
					d.Responders = append(d.Responders, Member{Addr: rec.Addr, Group: responderGroup(r.Data), Data: r.Data})
				}
			}
		}
		if len(d.Responders) == 0 {
			d.Responders = []Member{{Addr: rec.Addr, Group: 1, Data: device.DefaultData(false, 1)}}
		}
		return d
	}

	d := Descriptor{Responders: []Member{{Addr: self, Group: responderGroup(rec.Data), Data: rec.Data}}}
	ctrl := Member{Addr: rec.Addr, Group: rec.Group, Data: device.DefaultData(true, rec.Group)}
	if remote != nil {
		if c, ok := remote.Find(linkdb.Key{Addr: self, Group: rec.Group, Controller: true}); ok {
			ctrl.Data = c.Data
		}
	}
	d.Controllers = []Member{ctrl}
	return d
}

// responderGroup returns the local button a responder record reacts with.
// Multi-button devices keep it in the third data byte.
func responderGroup(data [3]byte) uint8 {
	if data[2] == 0 {
		return 1
	}
	return data[2]
}

// addOrUpdate merges the one controller scene nd into descs.
func addOrUpdate(descs []Descriptor, nd Descriptor, modem insteon.Address) []Descriptor {
	nc := nd.Controllers[0]

	for i := range descs {
		s := &descs[i]
		ci := s.findController(nc)
		if ci < 0 {
			continue
		}

		var missing []Member
		for _, nr := range nd.Responders {
			if ri := s.findResponder(nr); ri >= 0 {
				s.Responders[ri].Data = nr.Data
				s.Controllers[ci].Data = nc.Data
				continue
			}
			missing = append(missing, nr)
		}
		if len(missing) == 0 {
			return descs
		}
		if len(s.Controllers) == 1 {
			s.Responders = append(s.Responders, missing...)
			return descs
		}

		split := Descriptor{Controllers: []Member{nc}}
		split.Responders = append(append([]Member(nil), s.Responders...), missing...)
		s.Controllers = append(s.Controllers[:ci:ci], s.Controllers[ci+1:]...)
		if nc.Addr == modem && s.Name != "" {
			split.Name = s.Name
			s.Name = ""
		}
		return append(descs, split)
	}

	return append(descs, nd)
}
