/*
errors.go - Centralized error types for the dues engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure surfaced by the engine belongs to exactly one kind.

ERROR KINDS:
  1. Validation - Bad input (missing actor, wrong slot kind, bad amount)
  2. Duplicate  - A record for (member, plan, slot) already exists
  3. NotFound   - Referenced member, plan or record does not exist
  4. Store      - The persistence layer failed

PROPAGATION:
  Validation and NotFound abort an operation before any write.
  Duplicate is expected under concurrency; batch callers skip it and report.
  Store aborts whatever remains of a batch.

USAGE:
    if errors.Is(err, generic.ErrDuplicate) {
        // someone else recorded this slot first
    }

SEE ALSO:
  - ledger.go: Translates store failures into these kinds
  - api/handlers.go: Maps kinds to HTTP status codes
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
	// ErrValidation is returned for input that can never succeed as given.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate is returned when a record already occupies a slot.
	ErrDuplicate = errors.New("duplicate record for slot")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrStore is returned when the persistence layer fails.
	ErrStore = errors.New("store failure")

	// ErrDuplicateNationalID is returned when two members share a national ID.
	ErrDuplicateNationalID = errors.New("duplicate national id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateSlotError names the slot that was already taken.
// InBatch is true when the same slot appeared twice in one request.
type DuplicateSlotError struct {
	MemberID   MemberID
	PlanID     PlanID
	Slot       Slot
	ExistingID RecordID
	InBatch    bool
}

func (e *DuplicateSlotError) Error() string {
	if e.InBatch {
		return fmt.Sprintf("slot %s repeated in request for member %s plan %s", slotKey(e.Slot), e.MemberID, e.PlanID)
	}
	if e.ExistingID != "" {
		return fmt.Sprintf("slot %s already recorded for member %s plan %s (record: %s)",
			slotKey(e.Slot), e.MemberID, e.PlanID, e.ExistingID)
	}
	return fmt.Sprintf("slot %s already recorded for member %s plan %s", slotKey(e.Slot), e.MemberID, e.PlanID)
}

func (e *DuplicateSlotError) Unwrap() error { return ErrDuplicate }

type NotFoundError struct {
	Entity string // "member", "plan", "record", "evidence"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StoreError wraps a persistence failure. Both ErrStore and the
// underlying cause are reachable through errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// WrapStore wraps err as a StoreError unless it already carries a known kind.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func slotKey(s Slot) string {
	if s == nil {
		return "<nil>"
	}
	return s.Key()
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Kind returns the sentinel for err's kind, or nil if it has none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrDuplicate, ErrDuplicateNationalID, ErrNotFound, ErrStore} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsStoreError(err error) bool { return errors.Is(err, ErrStore) }

// IsDuplicate covers both slot and national-id conflicts.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrDuplicateNationalID)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return IsValidation(err) || IsDuplicate(err)
}
