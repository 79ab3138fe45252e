package scenes

import (
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// Desired returns the links node self must hold for descs, in declaration
// order. Links that repeat an earlier key are dropped; the ones whose data
// differs from the first declaration are returned as conflicts.
//
// Every controller of a descriptor gets a controller record per responder,
// and every responder gets a responder record per controller. A device
// never links to itself, which is how n-way descriptors (the same devices
// on both sides) expand.
func Desired(descs []Descriptor, self insteon.Address) (links, conflicts []Link) {
	seen := make(map[linkdb.Key][3]byte)
	add := func(l Link) {
		if data, ok := seen[l.Key]; ok {
			if data != l.Data {
				conflicts = append(conflicts, l)
			}
			return
		}
		seen[l.Key] = l.Data
		links = append(links, l)
	}

	for _, d := range descs {
		for _, c := range d.Controllers {
			for _, r := range d.Responders {
				if c.Addr == r.Addr {
					continue
				}
				if c.Addr == self {
					add(Link{Key: linkdb.Key{Addr: r.Addr, Group: c.Group, Controller: true}, Data: c.Data})
				}
				if r.Addr == self {
					add(Link{Key: linkdb.Key{Addr: c.Addr, Group: c.Group}, Data: r.Data})
				}
			}
		}
	}
	return links, conflicts
}

// Diff computes the writes that make live, the table of node self, hold
// exactly the links descs declare for it.
//
// A live record whose key is declared with the same data bytes is kept; one
// with other data bytes is planned as an add, which overwrites it in place.
// Every other in-use record is a delete candidate unless it is a bootstrap
// link (see Bootstrap). The modem stores data bytes it never acts on, so on
// the modem only keys are compared.
func Diff(descs []Descriptor, self insteon.Address, live *linkdb.Store, modem insteon.Address) Plan {
	desired, conflicts := Desired(descs, self)
	plan := Plan{Addr: self, Conflicts: conflicts}
	keysOnly := self == modem

	wanted := make(map[linkdb.Key][3]byte, len(desired))
	for _, l := range desired {
		wanted[l.Key] = l.Data
	}

	matched := make(map[linkdb.Key]bool, len(desired))
	for _, rec := range live.Records() {
		k := rec.Key()
		data, ok := wanted[k]
		switch {
		case ok && (keysOnly || data == rec.Data):
			matched[k] = true
		case ok:
			// Planned as an add below.
		case Bootstrap(self, rec, modem):
		default:
			plan.Delete = append(plan.Delete, rec)
		}
	}

	for _, l := range desired {
		if matched[l.Key] {
			continue
		}
		if Bootstrap(self, linkdb.Record{Flags: linkdb.DbFlags{InUse: true, Controller: l.Key.Controller}, Group: l.Key.Group, Addr: l.Key.Addr}, modem) {
			continue
		}
		plan.Add = append(plan.Add, l)
	}
	return plan
}

// Bootstrap reports whether rec on node self is one of the links the pair
// and join procedures create between a device and the modem. Those links
// carry state reports to the modem and let the modem command the device;
// synchronisation never adds or removes them.
//
// On a device these are controller records of the modem and responder
// records of the modem in groups 0 and 1. On the modem they are the mirror
// image: every responder record, and controller records in groups 0 and 1.
func Bootstrap(self insteon.Address, rec linkdb.Record, modem insteon.Address) bool {
	if self == modem {
		return !rec.Flags.Controller || rec.Group <= 0x01
	}
	if rec.Addr != modem {
		return false
	}
	return rec.Flags.Controller || rec.Group <= 0x01
}
