package core

import (
	"errors"
	"fmt"
)

// ErrConnectionNotFound is returned when a named data connection does not exist.
var ErrConnectionNotFound = errors.New("connection not found")

// ResolutionError is returned when the resolver rejects a query.
// It is terminal: retrying the same text cannot succeed.
type ResolutionError struct {
	Message string
}

func (e *ResolutionError) Error() string {
	return e.Message
}

// ExecutionError is returned when the data connection rejects resolved SQL.
// The executor does not retry it.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned when a data connection is missing or cannot be established.
type ConnectionError struct {
	Connection string
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.Connection == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("connection %s is not active", e.Connection)
	}
	return fmt.Sprintf("connection %s: %v", e.Connection, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err wraps a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsExecutionError reports whether err wraps an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsConnectionError reports whether err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
