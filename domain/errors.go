package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested assignment does not exist.
	ErrNotFound = errors.New("assignment not found")
	// ErrNotOwner is returned when a user acts on an assignment owned by someone else.
	ErrNotOwner = errors.New("not enough permissions")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
