/*
Package dues implements payment resolution and recording for club dues.

PURPOSE:
  The generic package knows how to store ledger records uniquely by slot.
  This package knows what plans mean: which slots a member still owes,
  how a batch of payments is written, how an administrator corrects a
  record, how a historical spreadsheet is imported, and how totals roll up.

COMPONENTS:
  Resolver:   Next N unpaid slots for (member, plan). Read-only.
  Recorder:   Batch writes with evidence and duplicate skipping.
  Reviewer:   Administrator status/amount/note/evidence/slot corrections.
  Importer:   Historical rows matched by national ID.
  Aggregator: Year and month totals for dashboards and export.

ACTORS:
  Every write takes a generic.Actor. There is no session object.

SEE ALSO:
  - plan.go: ClassifyPlan, the only place plan names are interpreted
  - generic/ledger.go: Uniqueness rules the recorder relies on
*/
package dues

import (
	"context"

	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// Deps is what the services in this package are built from.
// Evidence, Events, Cache, Clock and Logger are optional.
type Deps struct {
	Ledger   generic.Ledger
	Members  generic.MemberDirectory
	Plans    generic.PlanRegistry
	Evidence evidence.Store
	Events   events.Publisher
	Cache    cache.Cache
	Clock    generic.Clock
	Logger   *logging.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	return d
}

// loadMemberAndPlan fetches both ends of a ledger key. A missing entity is
// a NotFoundError; an inactive plan is a ValidationError.
func loadMemberAndPlan(ctx context.Context, d Deps, memberID generic.MemberID, planID generic.PlanID) (generic.Member, generic.Plan, error) {
	member, err := d.Members.GetMember(ctx, memberID)
	if err != nil {
		return generic.Member{}, generic.Plan{}, generic.WrapStore("get member", err)
	}
	plan, err := d.Plans.GetPlan(ctx, planID)
	if err != nil {
		return generic.Member{}, generic.Plan{}, generic.WrapStore("get plan", err)
	}
	if !plan.Active {
		return generic.Member{}, generic.Plan{}, &generic.ValidationError{Field: "plan_id", Message: "plan " + string(planID) + " is not active"}
	}
	return member, plan, nil
}

// changed runs the side effects of a successful ledger write: report cache
// invalidation and event publishing. Neither can fail the write.
func changed(ctx context.Context, d Deps, log *logging.Logger, evs ...events.Event) {
	if err := d.Cache.Invalidate(ctx, reportKeyPrefix); err != nil {
		log.WarnContext(ctx, "report cache invalidation failed", logging.FieldError, err)
	}
	for _, e := range evs {
		if err := d.Events.Publish(ctx, e); err != nil {
			log.WarnContext(ctx, "event publish failed",
				logging.FieldOperation, logging.OpPublish,
				logging.FieldRecordID, e.RecordID,
				logging.FieldError, err)
		}
	}
}

func requireAdmin(actor generic.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return &generic.ValidationError{Field: "actor", Message: "administrator role required"}
	}
	return nil
}
