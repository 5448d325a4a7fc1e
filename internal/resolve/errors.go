package resolve

import (
	"fmt"
	"strings"
)

// UnknownConfigNameError indicates a group selection naming a fragment the
// store does not hold.
type UnknownConfigNameError struct {
	Group     string
	Name      string
	Available []string
}

func (e *UnknownConfigNameError) Error() string {
	msg := fmt.Sprintf("unknown config '%s' in group '%s'", e.Name, e.Group)
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(e.Available, ", "))
	}
	return msg
}

// UnknownConfigKeyError indicates an override or interpolation addressing a
// key the configuration does not declare.
type UnknownConfigKeyError struct {
	Key    string
	Reason string
}

func (e *UnknownConfigKeyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unknown config key '%s': %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("unknown config key '%s' (use '+%s=...' to add it)", e.Key, e.Key)
}

// DuplicateAdditionError indicates a '+' override on a key that already exists.
type DuplicateAdditionError struct {
	Key string
}

func (e *DuplicateAdditionError) Error() string {
	return fmt.Sprintf("cannot add config key '%s': it already exists (drop the '+' to override it)", e.Key)
}

// CyclicInterpolationError indicates interpolations that never resolve.
type CyclicInterpolationError struct {
	Keys []string
}

func (e *CyclicInterpolationError) Error() string {
	return fmt.Sprintf("cyclic interpolation between: %s", strings.Join(e.Keys, ", "))
}

// InterpolationTypeError indicates a reference to a mapping or list where a
// scalar is required.
type InterpolationTypeError struct {
	Key       string
	Reference string
}

func (e *InterpolationTypeError) Error() string {
	return fmt.Sprintf("interpolation '${%s}' at '%s' must reference a scalar value", e.Reference, e.Key)
}

// MissingRequiredKeyError indicates a required top-level key left unset.
type MissingRequiredKeyError struct {
	Key string
}

func (e *MissingRequiredKeyError) Error() string {
	return fmt.Sprintf("required config key '%s' is not set (pass %s=...)", e.Key, e.Key)
}
