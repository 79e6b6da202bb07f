/*
ledger.go - Payment ledger with slot uniqueness

PURPOSE:
  The Ledger is the source of truth for recorded payments. Pending
  periods are never stored; they are derived by scanning the records
  written here.

CRITICAL INVARIANTS:
  1. UNIQUE ADDRESS: At most one record per (member, plan, slot)
  2. NO SILENT OVERWRITE: Insert fails with DuplicateSlotError instead
  3. GUARDED CORRECTION: Update may move a record to another slot only if
     that slot is free
  4. AUDITABLE: Every insert and review stamps the acting user

PRE-CHECK VS CONSTRAINT:
  Insert first asks the store which slots are taken (FindSlots). This
  catches the common case cheaply and returns the existing record ID. It
  cannot catch two writers racing past the check at the same moment; the
  store's uniqueness constraint decides that, and the loser also gets a
  DuplicateSlotError.

EXAMPLE FLOW:
  1. Member uploads May 2024 receipt: Insert → pending
  2. Admin uploads May 2024 for the same member: Insert → DuplicateSlotError
  3. Admin approves the member's record: Update(status=approved)

SEE ALSO:
  - store.go: Low-level persistence interface
  - dues/recorder.go: Batch writes on top of this ledger
*/
package generic

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - Payment records keyed by slot
// =============================================================================

type Ledger interface {
	// Insert validates and writes a new record, assigning ID and timestamps.
	Insert(ctx context.Context, rec Record) (Record, error)

	// Update rewrites a record. A changed slot is checked for collisions.
	Update(ctx context.Context, rec Record) (Record, error)

	Delete(ctx context.Context, id RecordID) error

	Get(ctx context.Context, id RecordID) (Record, error)

	// History returns every record for member+plan, ordered by slot.
	History(ctx context.Context, memberID MemberID, planID PlanID) ([]Record, error)

	// Taken maps already-recorded slot keys to their record IDs.
	Taken(ctx context.Context, memberID MemberID, planID PlanID, slots []Slot) (map[string]RecordID, error)

	Query(ctx context.Context, filter RecordFilter) ([]Record, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
	Clock Clock
}

func NewLedger(store Store, clock Clock) *DefaultLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DefaultLedger{Store: store, Clock: clock}
}

func (l *DefaultLedger) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(rec.CreatedBy) == "" {
		return Record{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}

	taken, err := l.Store.FindSlots(ctx, rec.MemberID, rec.PlanID, []Slot{rec.Slot})
	if err != nil {
		return Record{}, WrapStore("find slots", err)
	}
	if existing, ok := taken[rec.Slot.Key()]; ok {
		return Record{}, &DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot, ExistingID: existing}
	}

	now := l.Clock.Now()
	if rec.ID == "" {
		rec.ID = RecordID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := l.Store.Insert(ctx, rec); err != nil {
		return Record{}, l.duplicateOrStore(err, rec, "insert")
	}
	return rec, nil
}

func (l *DefaultLedger) Update(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	current, err := l.Store.Get(ctx, rec.ID)
	if err != nil {
		return Record{}, WrapStore("get", err)
	}
	if current.MemberID != rec.MemberID || current.PlanID != rec.PlanID {
		return Record{}, &ValidationError{Field: "record", Message: "member and plan of a record cannot change"}
	}

	if !SameSlot(current.Slot, rec.Slot) {
		if current.Slot.Kind() != rec.Slot.Kind() {
			return Record{}, &ValidationError{Field: "slot", Message: "slot kind of a record cannot change"}
		}
		taken, err := l.Store.FindSlots(ctx, rec.MemberID, rec.PlanID, []Slot{rec.Slot})
		if err != nil {
			return Record{}, WrapStore("find slots", err)
		}
		if existing, ok := taken[rec.Slot.Key()]; ok && existing != rec.ID {
			return Record{}, &DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot, ExistingID: existing}
		}
	}

	rec.CreatedAt = current.CreatedAt
	rec.CreatedBy = current.CreatedBy
	rec.UpdatedAt = l.Clock.Now()
	if err := l.Store.Update(ctx, rec); err != nil {
		return Record{}, l.duplicateOrStore(err, rec, "update")
	}
	return rec, nil
}

func (l *DefaultLedger) Delete(ctx context.Context, id RecordID) error {
	return WrapStore("delete", l.Store.Delete(ctx, id))
}

func (l *DefaultLedger) Get(ctx context.Context, id RecordID) (Record, error) {
	rec, err := l.Store.Get(ctx, id)
	return rec, WrapStore("get", err)
}

func (l *DefaultLedger) History(ctx context.Context, memberID MemberID, planID PlanID) ([]Record, error) {
	recs, err := l.Store.Load(ctx, memberID, planID)
	return recs, WrapStore("load", err)
}

func (l *DefaultLedger) Taken(ctx context.Context, memberID MemberID, planID PlanID, slots []Slot) (map[string]RecordID, error) {
	taken, err := l.Store.FindSlots(ctx, memberID, planID, slots)
	return taken, WrapStore("find slots", err)
}

func (l *DefaultLedger) Query(ctx context.Context, filter RecordFilter) ([]Record, error) {
	recs, err := l.Store.Query(ctx, filter)
	return recs, WrapStore("query", err)
}

// duplicateOrStore fills in the addressing details of a constraint
// violation reported by the store. Anything else becomes a StoreError.
func (l *DefaultLedger) duplicateOrStore(err error, rec Record, op string) error {
	var dup *DuplicateSlotError
	if errors.As(err, &dup) {
		if dup.Slot == nil {
			dup.MemberID, dup.PlanID, dup.Slot = rec.MemberID, rec.PlanID, rec.Slot
		}
		return dup
	}
	if errors.Is(err, ErrDuplicate) {
		return &DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot}
	}
	return WrapStore(op, err)
}
