package apptype

import (
	"errors"
	"fmt"
)

// Sentinel errors for the two outcome kinds callers branch on directly.
// Use errors.Is to match them through wrapping.
var (
	// ErrNotFound indicates a referenced id does not exist. No retry implied.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates merge was disabled and a duplicate was
	// detected. The caller decides whether to merge explicitly.
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError indicates a malformed entity or relationship, an
// out-of-range confidence, or an embedding dimension mismatch. Validation
// failures are rejected synchronously before any mutation is applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BackingStoreError wraps an I/O failure against the embedded store.
type BackingStoreError struct {
	Op  string
	Err error
}

func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("backing store failure during %s: %v", e.Op, e.Err)
}

func (e *BackingStoreError) Unwrap() error { return e.Err }

// NewBackingStoreError wraps err with the failing operation name.
func NewBackingStoreError(op string, err error) error {
	return &BackingStoreError{Op: op, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsBackingStore reports whether err is (or wraps) a BackingStoreError.
func IsBackingStore(err error) bool {
	var be *BackingStoreError
	return errors.As(err, &be)
}
