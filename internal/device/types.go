package device

import (
	"context"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
)

// Logger defines the logging interface used by the device package.
// This allows different logging implementations to be used.
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

// Sender submits one conversation to the send engine and waits for it.
// *plm.Engine implements it.
type Sender interface {
	Send(ctx context.Context, dest insteon.Address, m insteon.Message, resp plm.Responder) (*plm.Result, error)
}

// Lookup resolves the remote half of a two-way link. *Registry implements
// it.
type Lookup interface {
	Node(addr insteon.Address) (Node, error)
}

// Node is anything with a link table: a device or the modem.
type Node interface {
	// Addr returns the node's address.
	Addr() insteon.Address

	// Name returns the configured label, or the address.
	Name() string

	// Links returns the local image of the link table. Callers must treat
	// it as read-only.
	Links() *linkdb.Store

	// Refresh re-reads the link table when it changed on the device, or
	// unconditionally when force is set.
	Refresh(ctx context.Context, force bool) error

	// AddLink writes or overwrites one link record.
	AddLink(ctx context.Context, spec LinkSpec) error

	// DeleteLink marks one link record unused.
	DeleteLink(ctx context.Context, spec LinkSpec) error

	// TriggerScene fires group as if its button was pressed.
	TriggerScene(ctx context.Context, group uint8, on bool, level *uint8) error
}

// LinkSpec describes one side of a controller/responder link.
//
// The record stored locally is keyed by the controller's group: Group when
// Controller is set, RemoteGroup otherwise. The mirrored record written on
// the remote when TwoWay is set swaps the roles and the groups and carries
// RemoteData.
type LinkSpec struct {
	Group       uint8
	Remote      insteon.Address
	RemoteGroup uint8
	Controller  bool
	Data        [3]byte
	RemoteData  [3]byte
	TwoWay      bool
}

// Key returns the identity of the local record.
func (s LinkSpec) Key() linkdb.Key {
	return linkdb.Key{Addr: s.Remote, Group: s.dbGroup(), Controller: s.Controller}
}

func (s LinkSpec) dbGroup() uint8 {
	if s.Controller {
		return s.Group
	}
	return s.RemoteGroup
}

// mirror returns the spec of the remote half as seen from the remote.
func (s LinkSpec) mirror(local insteon.Address) LinkSpec {
	return LinkSpec{
		Group:       s.RemoteGroup,
		Remote:      local,
		RemoteGroup: s.Group,
		Controller:  !s.Controller,
		Data:        s.RemoteData,
	}
}

// DefaultData returns the usual data bytes for a new record: retries and
// group for a controller, full on-level and group for a responder.
func DefaultData(controller bool, group uint8) [3]byte {
	if controller {
		return [3]byte{0x03, 0x00, group}
	}
	return [3]byte{0xff, 0x00, group}
}

// Info is the persisted identity and operator settings of a device.
type Info struct {
	Address     insteon.Address
	Name        string
	Category    uint8
	Subcategory uint8
	Firmware    uint8
	Engine      insteon.EngineVersion
	IsModem     bool
	Sleepy      bool
	MinHops     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Label returns the name, or the address when no name is set.
func (i Info) Label() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Address.String()
}
