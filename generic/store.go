/*
store.go - Persistence interfaces for ledger records, members and plans

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:           Ledger records keyed by (member, plan, slot)
  MemberDirectory: Member lookup, creation and deactivation
  PlanRegistry:    Plan definitions

UNIQUENESS CONTRACT:
  Insert MUST reject a second record for the same (member, plan, slot)
  with a *DuplicateSlotError, atomically with respect to concurrent
  inserts. Callers pre-check with FindSlots, but the store constraint is
  the final arbiter: two requests can both pass the pre-check and only
  one of them may win.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (UNIQUE indexes)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
  - errors.go: Error kinds returned by implementations
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Ledger record persistence
// =============================================================================

type Store interface {
	// Insert persists a new record. Returns *DuplicateSlotError if the slot
	// is taken, or a *StoreError on failure.
	Insert(ctx context.Context, rec Record) error

	// Update overwrites the mutable fields of an existing record
	// (status, amount, note, reviewer, updated_at).
	Update(ctx context.Context, rec Record) error

	Delete(ctx context.Context, id RecordID) error

	Get(ctx context.Context, id RecordID) (Record, error)

	// Load returns all records for member+plan, ordered by slot.
	Load(ctx context.Context, memberID MemberID, planID PlanID) ([]Record, error)

	// FindSlots returns, for each given slot that is already recorded,
	// its key mapped to the existing record ID.
	FindSlots(ctx context.Context, memberID MemberID, planID PlanID, slots []Slot) (map[string]RecordID, error)

	// Query returns records matching the filter, ordered by creation time.
	Query(ctx context.Context, filter RecordFilter) ([]Record, error)
}

// RecordFilter narrows a Query. Zero-valued fields match everything.
//
// Year/Month bucket a record by its slot when it is monthly, and by its
// creation time when it is ordinal.
type RecordFilter struct {
	MemberID *MemberID
	PlanID   *PlanID
	Statuses []Status
	Year     *int
	Month    *time.Month
}

// Matches applies the filter to a single record.
func (f RecordFilter) Matches(rec Record) bool {
	if f.MemberID != nil && rec.MemberID != *f.MemberID {
		return false
	}
	if f.PlanID != nil && rec.PlanID != *f.PlanID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Year == nil && f.Month == nil {
		return true
	}
	bucket := BucketOf(rec)
	if f.Year != nil && bucket.Year != *f.Year {
		return false
	}
	if f.Month != nil && bucket.Month != *f.Month {
		return false
	}
	return true
}

// BucketOf is the calendar month a record is reported under.
func BucketOf(rec Record) MonthlySlot {
	if ms, ok := rec.Slot.(MonthlySlot); ok {
		return ms
	}
	return MonthOf(rec.CreatedAt.UTC())
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

type MemberFilter struct {
	// Search matches name, email or national ID (normalized), case-insensitive.
	Search     string
	ActiveOnly bool
}

type MemberDirectory interface {
	GetMember(ctx context.Context, id MemberID) (Member, error)
	// FindMemberByNationalID matches on the normalized national ID.
	FindMemberByNationalID(ctx context.Context, nationalID string) (Member, error)
	ListMembers(ctx context.Context, filter MemberFilter) ([]Member, error)
	// CreateMember returns ErrDuplicateNationalID if the normalized ID is taken.
	CreateMember(ctx context.Context, m Member) error
	// UpdateMember rewrites a member in place. Members are never deleted;
	// they are deactivated with Active = false.
	UpdateMember(ctx context.Context, m Member) error
}

// =============================================================================
// PLAN REGISTRY
// =============================================================================

type PlanRegistry interface {
	GetPlan(ctx context.Context, id PlanID) (Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	CreatePlan(ctx context.Context, p Plan) error
	UpdatePlan(ctx context.Context, p Plan) error
}

// Backend bundles the three stores a running service needs.
type Backend interface {
	Store
	MemberDirectory
	PlanRegistry
}
