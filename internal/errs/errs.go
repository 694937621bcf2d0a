// Package errs defines the error taxonomy shared by the engine, the query runner and the console.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and catalogs when an entity is missing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRun is returned when a run id is stored twice.
	ErrDuplicateRun = errors.New("run id already exists")
)

// ValidationError reports a single user-fixable parameter violation.
type ValidationError struct {
	// Field is the offending parameter name.
	Field string
	// Rule names the violated rule (required, number, boolean, email, select, characters).
	Rule string
	// Message is surfaced verbatim to the caller.
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PermissionError reports that a role is not authorized.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	if e.Message == "" {
		return "Insufficient permissions"
	}
	return e.Message
}

// NotFoundError reports an unknown action, template or run.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Unwrap lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RateLimitError reports that a caller exceeded its request budget.
type RateLimitError struct {
	Caller string
}

func (e *RateLimitError) Error() string {
	return "Rate limit exceeded"
}

// Insufficient returns the standard PermissionError.
func Insufficient() *PermissionError {
	return &PermissionError{Message: "Insufficient permissions"}
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}
