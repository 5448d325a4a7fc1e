package build

import (
	"errors"
	"fmt"
)

// UnknownTargetError indicates a dotted constructor name that is not
// registered, or a component subtree with no _target_ key.
type UnknownTargetError struct {
	Target string
	Path   string // Config key holding the subtree
}

func (e *UnknownTargetError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("config '%s' has no _target_ to build", e.Path)
	}
	if e.Path == "" {
		return fmt.Sprintf("unknown target '%s'", e.Target)
	}
	return fmt.Sprintf("unknown target '%s' at '%s'", e.Target, e.Path)
}

// IsUnknownTarget checks if err is or wraps an UnknownTargetError.
func IsUnknownTarget(err error) bool {
	var target *UnknownTargetError
	return errors.As(err, &target)
}

// ConstructorArgumentError indicates a missing, unexpected or mistyped
// constructor argument.
type ConstructorArgumentError struct {
	Target string
	Key    string
	Reason string
}

func (e *ConstructorArgumentError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid arguments for '%s': %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("invalid argument '%s' for '%s': %s", e.Key, e.Target, e.Reason)
}

// IsConstructorArgument checks if err is or wraps a ConstructorArgumentError.
func IsConstructorArgument(err error) bool {
	var argErr *ConstructorArgumentError
	return errors.As(err, &argErr)
}
