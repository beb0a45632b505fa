package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id does not resolve in a store.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input. The write is rejected.
	ErrValidation = errors.New("validation error")

	// ErrEmbeddingUnavailable marks embedder failures and timeouts.
	// Writes never surface it; vector queries may.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrExtractionFailure marks extractor errors. Logged and retried, never
	// returned from a write.
	ErrExtractionFailure = errors.New("extraction failure")

	// ErrIndexCorruption is reported when a derived store violates an
	// invariant, e.g. a vector whose record no longer exists.
	ErrIndexCorruption = errors.New("index corruption")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// NotFoundError identifies what was missing.
type NotFoundError struct {
	Kind string // record, entity, relationship, vector
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DimensionMismatchError indicates a vector/index dimensionality mismatch.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrValidation }

// CorruptionError reports a detected invariant violation in a derived store.
type CorruptionError struct {
	Store  string // vector, graph
	ID     string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s store corrupt at %q: %s", e.Store, e.ID, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrIndexCorruption }

// NotFound builds a *NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Invalid builds a *ValidationError with a formatted reason.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
