// Package domain defines core types, interfaces, and errors for the ingest platform.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a concurrency invariant was violated (e.g., a lock held
// under another payload, a duplicate metadata row, a non-monotonic status timestamp).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ConfigurationError indicates the environment or region setup does not allow the
// requested operation. It is fatal and must not be retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// LockNotHeldError indicates an operation required a lock the caller does not hold.
type LockNotHeldError struct {
	Message string
}

func (e *LockNotHeldError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrConfiguration creates a ConfigurationError with a formatted message.
func ErrConfiguration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ErrLockNotHeld creates a LockNotHeldError with a formatted message.
func ErrLockNotHeld(format string, args ...interface{}) *LockNotHeldError {
	return &LockNotHeldError{Message: fmt.Sprintf(format, args...)}
}
