/*
review.go - Administrator corrections to recorded payments

PURPOSE:
  After a payment is recorded an administrator may approve or reject it,
  fix the amount, add a note, replace the evidence document, or move the
  record to the slot it actually pays for. Deleting a record also deletes
  its evidence document.

SLOT CORRECTION:
  A record may move to another slot of the same kind only if no other
  record holds it. The ledger enforces this; Review only checks the slot
  fits the plan.

EVIDENCE REPLACEMENT:
  The new document is stored first. The old one is removed only after the
  ledger update succeeds; if the update fails the new one is removed
  instead.
*/
package dues

import (
	"context"
	"fmt"

	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// ReviewRequest lists the changes to apply. Nil fields are left unchanged.
type ReviewRequest struct {
	RecordID generic.RecordID
	Status   *generic.Status
	Amount   *generic.Amount
	// ClearAmount resets the record to the plan's unit amount.
	ClearAmount bool
	Note        *string
	Evidence    *evidence.Upload
	Slot        generic.Slot
	Actor       generic.Actor
}

type Reviewer struct {
	deps Deps
	log  *logging.Logger
}

func NewReviewer(d Deps) *Reviewer {
	d = d.withDefaults()
	return &Reviewer{deps: d, log: d.Logger.WithComponent(logging.ComponentReviewer)}
}

func (r *Reviewer) Review(ctx context.Context, req ReviewRequest) (generic.Record, error) {
	if err := requireAdmin(req.Actor); err != nil {
		return generic.Record{}, err
	}
	rec, err := r.deps.Ledger.Get(ctx, req.RecordID)
	if err != nil {
		return generic.Record{}, err
	}
	old := rec

	if req.Status != nil {
		if !req.Status.Valid() {
			return generic.Record{}, &generic.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *req.Status)}
		}
		rec.Status = *req.Status
	}
	switch {
	case req.ClearAmount:
		rec.AmountCharged = nil
	case req.Amount != nil:
		if req.Amount.IsNegative() {
			return generic.Record{}, &generic.ValidationError{Field: "amount", Message: "amount cannot be negative"}
		}
		a := *req.Amount
		rec.AmountCharged = &a
	}
	if req.Note != nil {
		rec.Note = *req.Note
	}
	if req.Slot != nil && !generic.SameSlot(req.Slot, rec.Slot) {
		plan, err := r.deps.Plans.GetPlan(ctx, rec.PlanID)
		if err != nil {
			return generic.Record{}, generic.WrapStore("get plan", err)
		}
		if err := checkSlot(Classify(plan), plan, req.Slot); err != nil {
			return generic.Record{}, err
		}
		rec.Slot = req.Slot
	}

	var newKey string
	if req.Evidence != nil && !req.Evidence.Empty() {
		if r.deps.Evidence == nil {
			return generic.Record{}, &generic.ValidationError{Field: "evidence", Message: "evidence storage is not configured"}
		}
		newKey = evidence.ObjectKey(rec.MemberID, rec.PlanID, rec.Slot, req.Evidence.Filename)
		if err := r.deps.Evidence.Put(ctx, newKey, *req.Evidence); err != nil {
			return generic.Record{}, generic.WrapStore("put evidence", err)
		}
		rec.Evidence = generic.EvidenceRef(newKey)
	}

	rec.ReviewedBy = req.Actor.ID
	updated, err := r.deps.Ledger.Update(ctx, rec)
	if err != nil {
		if newKey != "" {
			r.removeEvidence(ctx, generic.EvidenceRef(newKey))
		}
		return generic.Record{}, err
	}
	if newKey != "" {
		r.removeEvidence(ctx, old.Evidence)
	}

	r.log.InfoContext(ctx, "record reviewed",
		logging.FieldOperation, logging.OpUpdate,
		logging.FieldRecordID, updated.ID,
		logging.FieldActor, req.Actor.ID,
		"status", updated.Status)
	changed(ctx, r.deps, r.log, events.ForRecord(events.RecordReviewed, updated, req.Actor, r.deps.Clock.Now()))
	return updated, nil
}

// Delete removes a record and its evidence document.
func (r *Reviewer) Delete(ctx context.Context, id generic.RecordID, actor generic.Actor) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	rec, err := r.deps.Ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.deps.Ledger.Delete(ctx, id); err != nil {
		return err
	}
	r.removeEvidence(ctx, rec.Evidence)

	r.log.InfoContext(ctx, "record deleted",
		logging.FieldOperation, logging.OpDelete,
		logging.FieldRecordID, id,
		logging.FieldActor, actor.ID)
	changed(ctx, r.deps, r.log, events.ForRecord(events.RecordDeleted, rec, actor, r.deps.Clock.Now()))
	return nil
}

// removeEvidence deletes a stored document. Failures leave an orphan and
// are only logged.
func (r *Reviewer) removeEvidence(ctx context.Context, ref generic.EvidenceRef) {
	if !ref.Retrievable() || r.deps.Evidence == nil {
		return
	}
	if err := r.deps.Evidence.Delete(ctx, string(ref)); err != nil {
		r.log.WarnContext(ctx, "evidence delete failed", "key", string(ref), logging.FieldError, err)
	}
}
