/*
errors.go - Centralized error types for the shared layer

PURPOSE:
  All error types of the event log and stores in one place. Domain packages
  define their own validation errors and wrap these where they add context.

ERROR CATEGORIES:
  1. Concurrency errors - Stale version on append (retry with refresh)
  2. Integrity errors - Duplicate generated IDs (programming errors)
  3. Lookup errors - Missing sak or case

USAGE:
  if generic.IsRetryable(err) {
      // re-read the sak, reapply the intent, append again
  }

SEE ALSO:
  - ledger.go: Returns VersionConflictError
  - store.go: Store implementations return these sentinels
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConcurrentModification is returned when an append's expected head no
	// longer matches the sak's current head. Callers re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateEventID is returned when an event ID is reused. Event IDs
	// are generated by us, so this is a bug, not a duplicate delivery.
	ErrDuplicateEventID = errors.New("duplicate event id")

	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrSakNotFound is returned when a referenced sak doesn't exist.
	ErrSakNotFound = errors.New("sak not found")

	// ErrSakExists is returned when registering a saksnummer twice.
	ErrSakExists = errors.New("sak already exists")

	// ErrCaseNotFound is returned when a referenced case doesn't exist.
	ErrCaseNotFound = errors.New("case not found")

	// ErrValidation is the root of all input validation failures. Domain
	// packages wrap their own sentinels around it.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// VersionConflictError describes a failed compare-and-swap on a sak's head.
type VersionConflictError struct {
	SakID    SakID
	Expected Head
	Actual   Head
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on sak %s: expected version %d (%s), current is %d (%s)",
		e.SakID, e.Expected.Version, e.Expected.ID, e.Actual.Version, e.Actual.ID)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSakExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSakNotFound) ||
		errors.Is(err, ErrCaseNotFound)
}
