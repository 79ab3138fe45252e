package scenes

import (
	"fmt"
	"strings"
)

// Validation constants.
const (
	maxNameLength = 100
	maxMembers    = 64
)

// ValidateDescriptor checks one scene declaration. Modem controllers must
// already carry a real group; see AssignModemGroups.
// Returns an error describing the first validation failure found.
func ValidateDescriptor(d Descriptor) error {
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidScene, maxNameLength)
	}
	if d.Name != strings.TrimSpace(d.Name) {
		return fmt.Errorf("%w: name %q has surrounding whitespace", ErrInvalidScene, d.Name)
	}
	if len(d.Controllers) == 0 {
		return fmt.Errorf("%w: %s has no controllers", ErrInvalidScene, label(d))
	}
	if len(d.Responders) == 0 {
		return fmt.Errorf("%w: %s has no responders", ErrInvalidScene, label(d))
	}
	if len(d.Controllers)+len(d.Responders) > maxMembers {
		return fmt.Errorf("%w: %s exceeds %d members", ErrInvalidScene, label(d), maxMembers)
	}

	for _, c := range d.Controllers {
		if c.Addr.IsZero() {
			return fmt.Errorf("%w: %s has a controller without address", ErrInvalidScene, label(d))
		}
		if c.Group == 0 {
			return fmt.Errorf("%w: %s controller %s uses group 0", ErrInvalidScene, label(d), c.Addr)
		}
	}
	for _, r := range d.Responders {
		if r.Addr.IsZero() {
			return fmt.Errorf("%w: %s has a responder without address", ErrInvalidScene, label(d))
		}
	}
	return nil
}

// ValidateAll validates every descriptor and reports the first failure with
// its position.
func ValidateAll(descs []Descriptor) error {
	for i, d := range descs {
		if err := ValidateDescriptor(d); err != nil {
			return fmt.Errorf("scene %d: %w", i+1, err)
		}
	}
	return nil
}

func label(d Descriptor) string {
	if d.Name != "" {
		return fmt.Sprintf("scene %q", d.Name)
	}
	return "scene"
}
