package domain

import (
	"errors"
	"strings"
)

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because the entity changed since it was read.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of a mutation input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// errOrNil returns e when at least one field was rejected.
func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field validation error.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

// NotFoundError reports a task identifier that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "task " + e.ID + " not found" }

// StoreUnavailableError wraps a failure of the durable store. The outcome of
// the mutation is unknown to the caller.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return "store unavailable: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
