/*
recorder.go - Batch payment recording

PURPOSE:
  Writes one or many slots for a (member, plan) in one call, storing the
  proof-of-payment document for each slot before the ledger row that
  points at it.

FLOW:
  1. Validate actor, slots, status and amount. Load member and plan.
     Any failure here aborts before anything is written.
  2. Drop slots repeated within the request (skipped, InBatch).
  3. Ask the ledger which slots are already recorded and drop them
     (skipped, with the existing record ID).
  4. For each remaining slot: upload evidence, then insert.

NOT A TRANSACTION:
  Slots are inserted one by one. A failure on one slot does not undo the
  ones before it; the caller gets a RecordResult listing what happened to
  every slot.

  - Duplicate from the insert itself (lost race): skipped, not failed
  - Validation / NotFound on one slot: failed, the batch continues
  - Store failure (ledger or evidence): the batch stops; the failing slot
    is in Failed and the rest in NotAttempted

  Evidence uploaded for a slot whose insert then fails stays in the
  evidence store.

SHARED EVIDENCE:
  A shared document is stored once per slot under that slot's key, so
  deleting one record never removes the document another record uses.

SEE ALSO:
  - resolver.go: Where the slots usually come from
  - generic/ledger.go: Insert pre-check and uniqueness
*/
package dues

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type PaymentRequest struct {
	MemberID generic.MemberID
	PlanID   generic.PlanID
	Slots    []generic.Slot

	// AmountPerSlot nil means each record falls back to the plan amount.
	AmountPerSlot *generic.Amount
	// Status defaults to pending. Only administrators may record other statuses.
	Status generic.Status
	Note   string

	// SharedEvidence applies to every slot without an entry in SlotEvidence.
	SharedEvidence *evidence.Upload
	// SlotEvidence is keyed by Slot.Key().
	SlotEvidence map[string]evidence.Upload

	Actor generic.Actor
}

type SkippedSlot struct {
	Slot       generic.Slot
	ExistingID generic.RecordID
	InBatch    bool
}

type FailedSlot struct {
	Slot generic.Slot
	Err  error
}

type RecordResult struct {
	Inserted     []generic.Record
	Skipped      []SkippedSlot
	Failed       []FailedSlot
	NotAttempted []generic.Slot
}

// Complete reports whether every requested slot is now recorded.
func (r RecordResult) Complete() bool {
	return len(r.Failed) == 0 && len(r.NotAttempted) == 0
}

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	deps Deps
	log  *logging.Logger
}

func NewRecorder(d Deps) *Recorder {
	d = d.withDefaults()
	return &Recorder{deps: d, log: d.Logger.WithComponent(logging.ComponentRecorder)}
}

// Record writes req.Slots. The returned error is non-nil only when the
// request was rejected up front or a store failure stopped the batch; in
// the latter case the result still describes the slots handled so far.
func (r *Recorder) Record(ctx context.Context, req PaymentRequest) (RecordResult, error) {
	var result RecordResult

	plan, err := r.validate(ctx, &req)
	if err != nil {
		return result, err
	}

	var pending []generic.Slot
	seen := make(map[string]bool, len(req.Slots))
	for _, s := range req.Slots {
		if seen[s.Key()] {
			result.Skipped = append(result.Skipped, SkippedSlot{Slot: s, InBatch: true})
			continue
		}
		seen[s.Key()] = true
		pending = append(pending, s)
	}

	taken, err := r.deps.Ledger.Taken(ctx, req.MemberID, req.PlanID, pending)
	if err != nil {
		result.NotAttempted = pending
		return result, err
	}

	var evs []events.Event
	defer func() {
		if len(evs) > 0 {
			changed(ctx, r.deps, r.log, evs...)
		}
	}()

	for i, s := range pending {
		if existing, ok := taken[s.Key()]; ok {
			result.Skipped = append(result.Skipped, SkippedSlot{Slot: s, ExistingID: existing})
			continue
		}

		rec, err := r.recordSlot(ctx, req, plan, s)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, rec)
			evs = append(evs, events.ForRecord(events.RecordCreated, rec, req.Actor, r.deps.Clock.Now()))
		case generic.IsStoreError(err):
			result.Failed = append(result.Failed, FailedSlot{Slot: s, Err: err})
			result.NotAttempted = append(result.NotAttempted, pending[i+1:]...)
			r.log.ErrorContext(ctx, "batch stopped by store failure",
				logging.FieldMemberID, req.MemberID,
				logging.FieldPlanID, req.PlanID,
				logging.FieldSlot, s.Key(),
				logging.FieldError, err)
			return result, err
		case generic.IsDuplicate(err):
			var dup *generic.DuplicateSlotError
			skip := SkippedSlot{Slot: s}
			if errors.As(err, &dup) {
				skip.ExistingID = dup.ExistingID
			}
			result.Skipped = append(result.Skipped, skip)
		default:
			result.Failed = append(result.Failed, FailedSlot{Slot: s, Err: err})
		}
	}

	r.log.InfoContext(ctx, "payments recorded",
		logging.FieldMemberID, req.MemberID,
		logging.FieldPlanID, req.PlanID,
		logging.FieldActor, req.Actor.ID,
		logging.FieldCount, len(result.Inserted),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed))
	return result, nil
}

func (r *Recorder) recordSlot(ctx context.Context, req PaymentRequest, plan generic.Plan, s generic.Slot) (generic.Record, error) {
	ref := generic.EvidenceNone
	if up, ok := evidenceFor(req, s); ok {
		if r.deps.Evidence == nil {
			return generic.Record{}, &generic.ValidationError{Field: "evidence", Message: "evidence storage is not configured"}
		}
		key := evidence.ObjectKey(req.MemberID, req.PlanID, s, up.Filename)
		if err := r.deps.Evidence.Put(ctx, key, up); err != nil {
			return generic.Record{}, generic.WrapStore("put evidence", err)
		}
		ref = generic.EvidenceRef(key)
	}

	return r.deps.Ledger.Insert(ctx, generic.Record{
		MemberID:      req.MemberID,
		PlanID:        plan.ID,
		Slot:          s,
		AmountCharged: req.AmountPerSlot,
		Status:        req.Status,
		Evidence:      ref,
		Note:          req.Note,
		CreatedBy:     req.Actor.ID,
	})
}

func evidenceFor(req PaymentRequest, s generic.Slot) (evidence.Upload, bool) {
	if up, ok := req.SlotEvidence[s.Key()]; ok && !up.Empty() {
		return up, true
	}
	if req.SharedEvidence != nil && !req.SharedEvidence.Empty() {
		return *req.SharedEvidence, true
	}
	return evidence.Upload{}, false
}

// validate checks everything that can be known before the first write.
func (r *Recorder) validate(ctx context.Context, req *PaymentRequest) (generic.Plan, error) {
	if err := req.Actor.Validate(); err != nil {
		return generic.Plan{}, err
	}
	if req.MemberID == "" {
		return generic.Plan{}, &generic.ValidationError{Field: "member_id", Message: "member is required"}
	}
	if req.PlanID == "" {
		return generic.Plan{}, &generic.ValidationError{Field: "plan_id", Message: "plan is required"}
	}
	if len(req.Slots) == 0 {
		return generic.Plan{}, &generic.ValidationError{Field: "slots", Message: "at least one slot is required"}
	}

	if req.Status == "" {
		req.Status = generic.StatusPending
	}
	if !req.Status.Valid() {
		return generic.Plan{}, &generic.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)}
	}
	if !req.Actor.IsAdmin() {
		if req.Actor.ID != string(req.MemberID) {
			return generic.Plan{}, &generic.ValidationError{Field: "actor", Message: "members may only record their own payments"}
		}
		if req.Status != generic.StatusPending {
			return generic.Plan{}, &generic.ValidationError{Field: "status", Message: "members may only record pending payments"}
		}
	}

	member, plan, err := loadMemberAndPlan(ctx, r.deps, req.MemberID, req.PlanID)
	if err != nil {
		return generic.Plan{}, err
	}
	if !member.Active {
		return generic.Plan{}, &generic.ValidationError{Field: "member_id", Message: "member " + string(member.ID) + " is not active"}
	}

	if req.AmountPerSlot != nil {
		if req.AmountPerSlot.IsNegative() {
			return generic.Plan{}, &generic.ValidationError{Field: "amount", Message: "amount cannot be negative"}
		}
	} else if plan.UnitAmount.IsZero() {
		return generic.Plan{}, &generic.ValidationError{Field: "amount", Message: "plan has no unit amount; an amount is required"}
	}

	cls := Classify(plan)
	for _, s := range req.Slots {
		if err := checkSlot(cls, plan, s); err != nil {
			return generic.Plan{}, err
		}
		if !req.Actor.IsAdmin() {
			if _, ok := evidenceFor(*req, s); !ok {
				return generic.Plan{}, &generic.ValidationError{Field: "evidence", Message: "evidence is required for " + s.String()}
			}
		}
	}
	return plan, nil
}

// checkSlot verifies that s is a slot the plan can hold.
func checkSlot(cls Classification, plan generic.Plan, s generic.Slot) error {
	if s == nil {
		return &generic.ValidationError{Field: "slot", Message: "slot is required"}
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Kind() != cls.SlotKind() {
		return &generic.ValidationError{Field: "slot", Message: fmt.Sprintf("plan %s takes %s slots, got %s", plan.ID, cls.SlotKind(), s.Key())}
	}
	switch v := s.(type) {
	case generic.MonthlySlot:
		if cls.Kind == PlanSpecificMonth && !generic.SameSlot(v, *cls.Month) {
			return &generic.ValidationError{Field: "slot", Message: fmt.Sprintf("plan %s only covers %s", plan.ID, cls.Month)}
		}
		if cls.YearMarker != 0 && v.Year != cls.YearMarker {
			return &generic.ValidationError{Field: "slot", Message: fmt.Sprintf("plan %s only covers %d", plan.ID, cls.YearMarker)}
		}
	case generic.OrdinalSlot:
		if plan.InstallmentCount > 1 && v.Number > plan.InstallmentCount {
			return &generic.ValidationError{Field: "slot", Message: fmt.Sprintf("plan %s has %d installments", plan.ID, plan.InstallmentCount)}
		}
	}
	return nil
}
