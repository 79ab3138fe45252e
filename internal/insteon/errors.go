package insteon

import (
	"errors"
	"fmt"
)

// Domain errors for the Insteon protocol packages.
var (
	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("insteon: invalid address")

	// ErrInvalidFrame is returned when bytes on the link do not form a
	// recognisable modem frame.
	ErrInvalidFrame = errors.New("insteon: invalid frame")

	// ErrChecksum is returned when an extended frame fails checksum
	// validation. Checksum failures are a kind of frame error.
	ErrChecksum = errors.New("insteon: checksum mismatch")

	// ErrNeedMoreBytes is returned by the decoder when the buffer holds a
	// partial frame.
	ErrNeedMoreBytes = errors.New("insteon: need more bytes")

	// ErrEncodingFailed is returned when a message cannot be encoded.
	ErrEncodingFailed = errors.New("insteon: encoding failed")

	// ErrNak is returned when a device or the modem rejects a message.
	ErrNak = errors.New("insteon: negative acknowledgement")

	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("insteon: timed out")

	// ErrStaleCache is returned when a write is attempted against a link
	// table whose cached copy no longer matches the device.
	ErrStaleCache = errors.New("insteon: stale link table cache")

	// ErrLinkConsistency is returned when one half of a two-way link
	// operation failed.
	ErrLinkConsistency = errors.New("insteon: link consistency")

	// ErrLinkDown is returned while the modem transport is disconnected.
	ErrLinkDown = errors.New("insteon: modem link down")

	// ErrCanceled is returned when a pending send was cancelled.
	ErrCanceled = errors.New("insteon: send canceled")
)

// FrameError reports bytes that were discarded while resynchronising the
// inbound stream. Err is ErrInvalidFrame or ErrChecksum.
type FrameError struct {
	Code   byte // message code at the discard position, 0 if unknown
	Offset int  // position of the discarded byte in the decode buffer
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s (code 0x%02x)", e.Err, e.Reason, e.Code)
}

func (e *FrameError) Unwrap() error { return e.Err }

// NakError is a negative acknowledgement that exhausted its retries or was
// not retryable.
type NakError struct {
	Addr     Address
	Op       string
	Attempts int
	Reason   NakReason
	Modem    bool // the modem rejected the frame rather than the device
}

func (e *NakError) Error() string {
	src := "device"
	if e.Modem {
		src = "modem"
	}
	return fmt.Sprintf("insteon: %s %s NAK after %d attempt(s): %s", e.Addr, src, e.Attempts,
		opReason(e.Op, e.Reason.String()))
}

func (e *NakError) Unwrap() error { return ErrNak }

// TimeoutError is returned when every attempt timed out.
type TimeoutError struct {
	Addr     Address
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("insteon: %s no reply after %d attempt(s): %s", e.Addr, e.Attempts, e.Op)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// StaleCacheError reports a cached link table whose delta disagrees with the
// device.
type StaleCacheError struct {
	Addr   Address
	Cached int // -1 when unknown
	Live   int // -1 when unknown
}

func (e *StaleCacheError) Error() string {
	return fmt.Sprintf("insteon: %s link table cache stale (cached delta %d, live %d)", e.Addr, e.Cached, e.Live)
}

func (e *StaleCacheError) Unwrap() error { return ErrStaleCache }

// LinkConsistencyError reports a two-way link change whose remote half
// failed. The local half is left in place.
type LinkConsistencyError struct {
	Local  Address
	Remote Address
	Op     string
	Err    error
}

func (e *LinkConsistencyError) Error() string {
	return fmt.Sprintf("insteon: %s on %s applied but mirror on %s failed: %v", e.Op, e.Local, e.Remote, e.Err)
}

// Unwrap exposes both the sentinel and the remote cause.
func (e *LinkConsistencyError) Unwrap() []error { return []error{ErrLinkConsistency, e.Err} }

// LinkDownError reports that the modem transport is unavailable.
type LinkDownError struct {
	Err error
}

func (e *LinkDownError) Error() string {
	if e.Err == nil {
		return ErrLinkDown.Error()
	}
	return fmt.Sprintf("%v: %v", ErrLinkDown, e.Err)
}

func (e *LinkDownError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLinkDown}
	}
	return []error{ErrLinkDown, e.Err}
}

// Attempts returns the attempt count carried by err, or 0.
func Attempts(err error) int {
	var nak *NakError
	if errors.As(err, &nak) {
		return nak.Attempts
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return to.Attempts
	}
	return 0
}

func opReason(op, reason string) string {
	if reason == "" {
		return op
	}
	return op + " (" + reason + ")"
}
