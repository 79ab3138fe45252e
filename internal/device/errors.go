package device

import (
	"errors"
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when an address is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering an address twice.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidLink is returned when a link request is malformed.
	ErrInvalidLink = errors.New("device: invalid link")

	// ErrLinkNotFound is returned when deleting a link the table does not
	// hold.
	ErrLinkNotFound = errors.New("device: link not found")

	// ErrRefreshFailed is returned when a link table could not be read.
	ErrRefreshFailed = errors.New("device: link table refresh failed")

	// ErrNotSupported is returned for operations a node cannot perform.
	ErrNotSupported = errors.New("device: operation not supported")
)

// RefreshError reports a link table download that did not complete. The
// cached table is left untouched.
type RefreshError struct {
	Addr   insteon.Address
	Offset uint16 // record being read, 0 for the status query
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Offset == 0 {
		return fmt.Sprintf("device: %s status query failed: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("device: %s link table read at %#04x failed: %v", e.Addr, e.Offset, e.Err)
}

// Unwrap exposes both the sentinel and the transport cause.
func (e *RefreshError) Unwrap() []error { return []error{ErrRefreshFailed, e.Err} }
