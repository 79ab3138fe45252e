package scenes

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// Logger defines the logging interface used by the scenes package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Resolver turns a label from the scenes file into a node.
// *device.Registry implements it.
type Resolver interface {
	Resolve(label string) (device.Node, error)
}

// Linker performs the link writes of a Plan. device.Node implements it.
type Linker interface {
	AddLink(ctx context.Context, spec device.LinkSpec) error
	DeleteLink(ctx context.Context, spec device.LinkSpec) error
}

// Member is one controller or responder entry of a scene.
//
// For a controller, Group is the button or group that fires the scene. For
// a responder, Group is the local button that reacts (keypads); the link
// record itself is always stored under the controller's group.
type Member struct {
	Addr  insteon.Address `json:"address"`
	Group uint8           `json:"group"`
	Data  [3]byte         `json:"data"`
}

// same reports whether m and o name the same device button. Data bytes
// are ignored.
func (m Member) same(o Member) bool {
	return m.Addr == o.Addr && m.Group == o.Group
}

func (m Member) String() string {
	return fmt.Sprintf("%s grp:%d data:%02x.%02x.%02x", m.Addr, m.Group, m.Data[0], m.Data[1], m.Data[2])
}

// Descriptor is one declared scene: every controller drives every
// responder. A descriptor with several controllers that also appear as
// responders describes an n-way (3-way, 4-way) switch group.
type Descriptor struct {
	Name        string   `json:"name,omitempty"`
	Controllers []Member `json:"controllers"`
	Responders  []Member `json:"responders"`
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	c := Descriptor{Name: d.Name}
	c.Controllers = append([]Member(nil), d.Controllers...)
	c.Responders = append([]Member(nil), d.Responders...)
	return c
}

func (d Descriptor) findController(m Member) int {
	for i, c := range d.Controllers {
		if c.same(m) {
			return i
		}
	}
	return -1
}

func (d Descriptor) findResponder(m Member) int {
	for i, r := range d.Responders {
		if r.same(m) {
			return i
		}
	}
	return -1
}

// has reports whether m appears on either side of d.
func (d Descriptor) has(m Member) bool {
	return d.findController(m) >= 0 || d.findResponder(m) >= 0
}

// Link is one record a node should hold: its key and data bytes.
type Link struct {
	Key  linkdb.Key
	Data [3]byte
}

// Spec returns the device request that writes l.
func (l Link) Spec() device.LinkSpec {
	spec := device.LinkSpec{Remote: l.Key.Addr, Controller: l.Key.Controller, Data: l.Data}
	if l.Key.Controller {
		spec.Group = l.Key.Group
	} else {
		spec.RemoteGroup = l.Key.Group
		spec.Group = l.Data[2]
	}
	return spec
}

func (l Link) String() string {
	return fmt.Sprintf("%s data:%02x.%02x.%02x", l.Key, l.Data[0], l.Data[1], l.Data[2])
}

// linkOf returns the Link held by rec.
func linkOf(rec linkdb.Record) Link {
	return Link{Key: rec.Key(), Data: rec.Data}
}

// Plan is the set of writes that makes one node's table match the
// declared scenes.
type Plan struct {
	Addr insteon.Address

	// Add lists missing links and links whose data bytes differ. A
	// differing link is overwritten in place.
	Add []Link

	// Delete lists live records no scene accounts for, highest offset
	// first.
	Delete []linkdb.Record

	// Conflicts lists declared links that repeat an earlier key with
	// other data bytes. The first declaration wins.
	Conflicts []Link
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Add) == 0 && len(p.Delete) == 0
}

func (p Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d add, %d delete", p.Addr, len(p.Add), len(p.Delete))
	for _, r := range p.Delete {
		fmt.Fprintf(&b, "\n  - %s", r)
	}
	for _, l := range p.Add {
		fmt.Fprintf(&b, "\n  + %s", l)
	}
	return b.String()
}

// Report is the outcome of applying a Plan.
type Report struct {
	Addr    insteon.Address
	DryRun  bool
	Added   []Link
	Deleted []linkdb.Record
	Failed  []Failure
}

// Changed reports whether any write was made, or would have been made on a
// dry run.
func (r Report) Changed() bool {
	return len(r.Added) > 0 || len(r.Deleted) > 0
}

// Failure records one write of a Plan that did not complete.
type Failure struct {
	Op   string
	Link Link
	Err  error
}

const (
	opAdd    = "add"
	opDelete = "delete"
)
