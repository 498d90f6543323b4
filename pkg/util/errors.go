// Package util provides logging, error types and address helpers shared by
// the credential store, the session transports and the CLI.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNotFound                  = errors.New("resource not found")
	ErrInvalidConfig             = errors.New("invalid configuration")
	ErrValidationFailed          = errors.New("validation failed")
	ErrNotConnected              = errors.New("session not connected")
	ErrConnectionFailed          = errors.New("connection failed")
	ErrInvalidSubnet             = errors.New("invalid subnet")
	ErrUnsupportedConnectionType = errors.New("unsupported connection type")
	ErrNoDirectory               = errors.New("no device directory configured")
)

// ConnectionError is returned by a session when the transport cannot be
// opened or the login is rejected. It carries the target so failures can be
// reported per device.
type ConnectionError struct {
	Protocol string
	Host     string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s connection to %s failed", e.Protocol, e.Host)
	}
	return fmt.Sprintf("%s connection to %s failed: %v", e.Protocol, e.Host, e.Err)
}

// Is reports ErrConnectionFailed so callers can test the category with errors.Is.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a connection error for host
func NewConnectionError(protocol, host string, err error) *ConnectionError {
	return &ConnectionError{Protocol: protocol, Host: host, Err: err}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
