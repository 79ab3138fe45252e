package insteon

import "errors"

// Domain errors for the bridge package.
var (
	// ErrBusy is returned when the command queue is full.
	ErrBusy = errors.New("bridge: command queue full")

	// ErrUnknownCommand is returned for a command name the bridge does not
	// implement.
	ErrUnknownCommand = errors.New("bridge: unknown command")

	// ErrMalformedCommand is returned when a command payload is not valid
	// JSON.
	ErrMalformedCommand = errors.New("bridge: malformed command")

	// ErrInvalidArgs is returned when command arguments cannot be decoded
	// or are out of range.
	ErrInvalidArgs = errors.New("bridge: invalid arguments")

	// ErrScenesDisabled is returned for scene commands when no scenes file
	// is configured.
	ErrScenesDisabled = errors.New("bridge: scene synchronisation not configured")

	// ErrStopped is returned when a command arrives during shutdown.
	ErrStopped = errors.New("bridge: stopped")
)
