package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is the per-call error for a request naming a tool
// that is not registered. It is recorded as data; the loop keeps going.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrNoInvoker is returned for a registered tool that has nothing to
// invoke. It is a configuration error reported per call.
var ErrNoInvoker = errors.New("tool has no invoker")

// ErrMissingName is returned for a request with no tool name.
var ErrMissingName = errors.New("tool name missing")

// ErrInvalidArguments wraps a schema validation failure.
type ErrInvalidArguments struct {
	ToolName string
	Err      error
}

func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

func (e *ErrInvalidArguments) Unwrap() error { return e.Err }

// PanicError is the error recorded when a tool panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.Value)
}
