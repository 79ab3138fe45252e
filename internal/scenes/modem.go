package scenes

import (
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// firstModemGroup is the lowest group handed out to modem scenes. Groups 0
// and 1 belong to the pair and join links.
const firstModemGroup = 0x03

// AssignModemGroups gives every modem controller declared with group 0 or
// 1 the next free modem group, counting up from 0x03. A group is taken when
// another declared modem scene or a controller record in live uses it
// (live may be nil). Controller data left at its default follows the new
// group. Returns whether any descriptor changed.
func AssignModemGroups(descs []Descriptor, modem insteon.Address, live *linkdb.Store) (bool, error) {
	used := make(map[uint8]bool)
	for _, d := range descs {
		for _, c := range d.Controllers {
			if c.Addr == modem && c.Group > 0x01 {
				used[c.Group] = true
			}
		}
	}
	if live != nil {
		for _, r := range live.Records() {
			if r.Flags.Controller {
				used[r.Group] = true
			}
		}
	}

	changed := false
	for i := range descs {
		for j := range descs[i].Controllers {
			c := &descs[i].Controllers[j]
			if c.Addr != modem || c.Group > 0x01 {
				continue
			}
			g, ok := nextFree(used)
			if !ok {
				return changed, fmt.Errorf("%w: %s", ErrNoFreeGroup, label(descs[i]))
			}
			if c.Data == device.DefaultData(true, c.Group) {
				c.Data = device.DefaultData(true, g)
			}
			c.Group = g
			used[g] = true
			changed = true
		}
	}
	return changed, nil
}

func nextFree(used map[uint8]bool) (uint8, bool) {
	for g := firstModemGroup; g <= 0xff; g++ {
		if !used[uint8(g)] {
			return uint8(g), true
		}
	}
	return 0, false
}

// ModemScenes maps the name of every named scene the modem controls to the
// modem group that fires it.
func ModemScenes(descs []Descriptor, modem insteon.Address) map[string]uint8 {
	out := make(map[string]uint8)
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		for _, c := range d.Controllers {
			if c.Addr == modem {
				out[d.Name] = c.Group
				break
			}
		}
	}
	return out
}
