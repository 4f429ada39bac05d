package main

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable means a host could not be connected to or authenticated against
	ErrUnreachable = errors.New("host unreachable")
	// ErrCommandFailed means a local or remote command exited non-zero
	ErrCommandFailed = errors.New("command failed")
	// ErrParseMismatch means a line matched none of the known formats
	ErrParseMismatch = errors.New("line does not match any known format")
	// ErrPersistence means the configuration store could not be written
	ErrPersistence = errors.New("failed to persist configuration")
	// ErrUnknownHost means a host identifier is not configured
	ErrUnknownHost = errors.New("unknown host")
	// ErrInvalidArgument means user input failed validation
	ErrInvalidArgument = errors.New("invalid argument")
)

// FailureCause classifies why a connection attempt failed
type FailureCause string

const (
	CauseAuth     FailureCause = "authentication rejected"
	CauseProtocol FailureCause = "protocol error"
	CauseTimeout  FailureCause = "timeout"
	CauseUnknown  FailureCause = "unknown"
)

// UnreachableError describes a failed connection attempt to a host
type UnreachableError struct {
	Host  string
	Cause FailureCause
	Err   error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrUnreachable, e.Host, e.Cause, e.Err)
}

func (e *UnreachableError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// CommandError is the tagged failure returned by the command surface
type CommandError struct {
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	return e.Reason
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// commandErrorf builds a CommandError wrapping err with a human-readable reason
func commandErrorf(err error, format string, args ...any) *CommandError {
	return &CommandError{Reason: fmt.Sprintf(format, args...), Err: err}
}
