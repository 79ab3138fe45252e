package plm

import "errors"

// Domain errors for the modem engine and link.
var (
	// ErrEngineStopped is returned for sends submitted after Run returned.
	ErrEngineStopped = errors.New("plm: engine stopped")

	// ErrNotConnected is returned when writing to a disconnected link.
	ErrNotConnected = errors.New("plm: not connected")

	// ErrConnectionFailed is returned when the modem transport cannot be opened.
	ErrConnectionFailed = errors.New("plm: connection failed")

	// ErrUnsupportedTransport is returned for an unknown link type.
	ErrUnsupportedTransport = errors.New("plm: unsupported transport")
)
