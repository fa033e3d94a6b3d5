/*
errors.go - Error types for the change-request workflow

ERROR CATEGORIES:
  1. Client errors - ValidationError, UnknownKindError (422-equivalent)
  2. State errors  - AlreadyProcessedError (409-equivalent, request-level)
  3. Lookup errors - NotFoundError (404-equivalent)
  4. Access errors - ErrForbidden
  5. Store errors  - ErrConcurrentModification

None of these are fatal to the process. Every structured error unwraps to
its sentinel so callers can branch with errors.Is.
*/
package changerequest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a payload or comment is invalid.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownKind is returned for a kind that is not registered.
	ErrUnknownKind = errors.New("unknown change request kind")

	// ErrAlreadyProcessed is returned when a transition is attempted on a
	// request that has left the requested state.
	ErrAlreadyProcessed = errors.New("change request already processed")

	// ErrNotFound is returned when a change request id does not exist.
	ErrNotFound = errors.New("change request not found")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("operation not permitted")

	// ErrConcurrentModification is returned when a guarded update finds the
	// persisted state differs from the state loaded under the lock.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError carries field-level messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records a message for field, keeping the first message per field.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = message
	}
}

// Merge copies fields from other.
func (e *ValidationError) Merge(other *ValidationError) {
	if other == nil {
		return
	}
	for f, m := range other.Fields {
		e.Add(f, m)
	}
}

// Empty reports whether no field failed.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns e as an error, or nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+" "+e.Fields[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnknownKindError names the unregistered kind.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown change request kind %q", e.Kind)
}

func (e *UnknownKindError) Unwrap() error {
	return ErrUnknownKind
}

// AlreadyProcessedError reports the state that blocked a transition.
type AlreadyProcessedError struct {
	ID    int64
	State State
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("change request %d has already been processed (state: %s)", e.ID, e.State)
}

func (e *AlreadyProcessedError) Unwrap() error {
	return ErrAlreadyProcessed
}

// NotFoundError names the missing id.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("change request %d not found", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownKind)
}

// IsNotFound returns true if the error indicates a missing change request.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a state-guard failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrConcurrentModification)
}

// IsForbidden returns true if the actor was refused.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
