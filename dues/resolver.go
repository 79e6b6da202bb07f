/*
resolver.go - Next unpaid slots for a member on a plan

PURPOSE:
  Answers "what are the next N periods or installments this member has not
  recorded on this plan?". Nothing is stored: the answer is a fold over
  the member's ledger history for the plan, recomputed on every call.
  Cost is O(history) per call, which is fine for a plan's lifetime of
  records per member.

ALGORITHM:
  Specific plan ("Cuota Mensual Marzo 2024"):
    Always the one encoded month. Enrollment and other months are
    ignored. With SkipRecordedOverride the slot is dropped once recorded.

  Generic monthly plan:
    start = latest recorded month + 1, or January of the plan's year
            (current year when the name has none)
    start = max(start, January of plan year, enrollment month)
    emit count months, stop at the end of the plan's year

  Fixed-installment plan:
    start = highest recorded installment + 1, or 1
    emit count numbers, stop past InstallmentCount
    (InstallmentCount == 1 means open-ended)

  Records of every status count as recorded. A rejected payment still
  occupies its slot until an administrator deletes or corrects it.

  The result may be shorter than count, or empty. count is capped at
  MaxPendingCount; ResolvePending rejects anything larger.

SEE ALSO:
  - plan.go: Classification
  - recorder.go: Writes what the resolver offered
*/
package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// MaxPendingCount bounds how many slots one call may ask for. Ten years of
// monthly dues; open-ended plans would otherwise grow without limit.
const MaxPendingCount = 120

type ResolveOptions struct {
	// SkipRecordedOverride makes a specific-month plan resolve to nothing
	// once its month is recorded. Off by default: the month is re-offered
	// and the recorder reports it as a duplicate.
	SkipRecordedOverride bool
}

type Resolver struct {
	deps    Deps
	log     *logging.Logger
	Options ResolveOptions
}

func NewResolver(d Deps) *Resolver {
	d = d.withDefaults()
	return &Resolver{deps: d, log: d.Logger.WithComponent(logging.ComponentResolver)}
}

// ResolvePending returns up to count unpaid slots for member on plan.
func (r *Resolver) ResolvePending(ctx context.Context, memberID generic.MemberID, planID generic.PlanID, count int) ([]generic.Slot, error) {
	if count < 1 {
		return nil, &generic.ValidationError{Field: "count", Message: "count must be at least 1"}
	}
	if count > MaxPendingCount {
		return nil, &generic.ValidationError{Field: "count", Message: fmt.Sprintf("count must be at most %d", MaxPendingCount)}
	}
	member, plan, err := loadMemberAndPlan(ctx, r.deps, memberID, planID)
	if err != nil {
		return nil, err
	}
	history, err := r.deps.Ledger.History(ctx, memberID, planID)
	if err != nil {
		return nil, err
	}

	slots := PendingSlots(plan, member, history, count, r.deps.Clock.Now(), r.Options)
	r.log.DebugContext(ctx, "resolved pending slots",
		logging.FieldOperation, logging.OpResolve,
		logging.FieldMemberID, memberID,
		logging.FieldPlanID, planID,
		logging.FieldCount, len(slots))
	return slots, nil
}

// PendingSlots is the pure part of ResolvePending. count must be positive
// and is capped at MaxPendingCount.
func PendingSlots(plan generic.Plan, member generic.Member, history []generic.Record, count int, now time.Time, opts ResolveOptions) []generic.Slot {
	count = min(count, MaxPendingCount)
	cls := Classify(plan)
	switch cls.Kind {
	case PlanSpecificMonth:
		return specificSlots(*cls.Month, history, opts)
	case PlanMonthly:
		return monthlySlots(cls.YearMarker, member.EnrollmentDate, history, count, now)
	default:
		return ordinalSlots(plan.InstallmentCount, history, count)
	}
}

func specificSlots(month generic.MonthlySlot, history []generic.Record, opts ResolveOptions) []generic.Slot {
	if opts.SkipRecordedOverride {
		for _, rec := range history {
			if generic.SameSlot(rec.Slot, month) {
				return []generic.Slot{}
			}
		}
	}
	return []generic.Slot{month}
}

func monthlySlots(yearMarker int, enrollment *time.Time, history []generic.Record, count int, now time.Time) []generic.Slot {
	year := yearMarker
	if year == 0 {
		year = now.Year()
	}
	floor := generic.MonthlySlot{Year: year, Month: time.January}

	var latest *generic.MonthlySlot
	for _, rec := range history {
		ms, ok := rec.Slot.(generic.MonthlySlot)
		if !ok {
			continue
		}
		if latest == nil || ms.After(*latest) {
			latest = &ms
		}
	}

	next := floor
	if latest != nil {
		next = latest.Next()
	}
	if yearMarker != 0 && next.Before(floor) {
		next = floor
	}
	if enrollment != nil {
		if joined := generic.MonthOf(enrollment.UTC()); next.Before(joined) {
			next = joined
		}
	}

	capacity := count
	if yearMarker != 0 {
		capacity = min(count, 12)
	}
	slots := make([]generic.Slot, 0, max(capacity, 0))
	for s := next; len(slots) < count; s = s.Next() {
		if yearMarker != 0 && s.Year != yearMarker {
			break
		}
		slots = append(slots, s)
	}
	return slots
}

func ordinalSlots(installmentCount int, history []generic.Record, count int) []generic.Slot {
	highest := 0
	for _, rec := range history {
		if o, ok := rec.Slot.(generic.OrdinalSlot); ok && o.Number > highest {
			highest = o.Number
		}
	}

	bounded := installmentCount > 1
	capacity := count
	if bounded {
		capacity = min(count, installmentCount-highest)
	}
	slots := make([]generic.Slot, 0, max(capacity, 0))
	for n := highest + 1; len(slots) < count; n++ {
		if bounded && n > installmentCount {
			break
		}
		slots = append(slots, generic.OrdinalSlot{Number: n})
	}
	return slots
}
