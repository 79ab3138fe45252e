package device

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Validation constants.
const (
	maxNameLength = 100
)

// ValidateInfo checks a device identity before it is registered or stored.
// Returns an error describing the first validation failure found.
func ValidateInfo(i Info) error {
	if i.Address.IsZero() && !i.IsModem {
		return fmt.Errorf("%w: address is required", ErrInvalidDevice)
	}
	if err := ValidateName(i.Name); err != nil {
		return err
	}
	if i.MinHops < 0 || i.MinHops > insteon.MaxHops {
		return fmt.Errorf("%w: min_hops %d out of range 0-%d", ErrInvalidDevice, i.MinHops, insteon.MaxHops)
	}
	if i.IsModem && i.Sleepy {
		return fmt.Errorf("%w: the modem cannot be sleepy", ErrInvalidDevice)
	}
	return nil
}

// ValidateName checks a device name. Empty names are allowed; the address
// is used instead.
func ValidateName(name string) error {
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: name has leading or trailing whitespace", ErrInvalidDevice)
	}
	return nil
}

// ValidateLinkSpec checks a link request made on local.
func ValidateLinkSpec(local insteon.Address, s LinkSpec) error {
	if s.Remote.IsZero() {
		return fmt.Errorf("%w: remote address is required", ErrInvalidLink)
	}
	if s.Remote == local {
		return fmt.Errorf("%w: %s cannot link to itself", ErrInvalidLink, local)
	}
	return nil
}
