package scenes

import "errors"

// Domain errors for the scenes package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, scenes.ErrUnknownDevice) {
//	    // the scenes file names a device that is not configured
//	}
var (
	// ErrInvalidScene is returned when a scene declaration fails validation.
	ErrInvalidScene = errors.New("scenes: invalid scene")

	// ErrUnknownDevice is returned when a label is neither a configured
	// device nor an address.
	ErrUnknownDevice = errors.New("scenes: unknown device")

	// ErrApplyFailed is returned when one or more writes of a plan failed.
	ErrApplyFailed = errors.New("scenes: apply failed")

	// ErrNoFreeGroup is returned when every modem group is taken.
	ErrNoFreeGroup = errors.New("scenes: no free modem group")

	// ErrNoScenesFile is returned when no scenes file is configured.
	ErrNoScenesFile = errors.New("scenes: no scenes file configured")
)
