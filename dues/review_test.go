package dues_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/generic"
)

func recordWithEvidence(t *testing.T, f *fixture, slot generic.Slot) generic.Record {
	t.Helper()
	result, err := dues.NewRecorder(f.deps).Record(context.Background(), dues.PaymentRequest{
		MemberID: memberAna, PlanID: planMonthly2024,
		Slots:          []generic.Slot{slot},
		SharedEvidence: &evidence.Upload{Filename: "receipt.png", Data: []byte("png")},
		Actor:          generic.Actor{ID: string(memberAna), Role: generic.RoleMember},
	})
	require.NoError(t, err)
	require.Len(t, result.Inserted, 1)
	return result.Inserted[0]
}

func TestReviewer_Approve(t *testing.T) {
	f := newFixture(t)
	rec := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})
	f.clock.Advance(time.Hour)

	approved := generic.StatusApproved
	note := "transfer verified"
	updated, err := dues.NewReviewer(f.deps).Review(context.Background(), dues.ReviewRequest{
		RecordID: rec.ID, Status: &approved, Note: &note, Actor: admin,
	})
	require.NoError(t, err)

	assert.Equal(t, generic.StatusApproved, updated.Status)
	assert.Equal(t, admin.ID, updated.ReviewedBy)
	assert.Equal(t, string(memberAna), updated.CreatedBy)
	assert.Equal(t, "transfer verified", updated.Note)
	assert.Equal(t, rec.Evidence, updated.Evidence)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))
	assert.Len(t, f.events.OfType(events.RecordReviewed), 1)
}

func TestReviewer_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	rec := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})
	approved := generic.StatusApproved

	_, err := dues.NewReviewer(f.deps).Review(context.Background(), dues.ReviewRequest{
		RecordID: rec.ID, Status: &approved,
		Actor: generic.Actor{ID: string(memberAna), Role: generic.RoleMember},
	})
	assert.True(t, generic.IsValidation(err))

	err = dues.NewReviewer(f.deps).Delete(context.Background(), rec.ID, generic.Actor{ID: string(memberAna), Role: generic.RoleMember})
	assert.True(t, generic.IsValidation(err))
}

func TestReviewer_AmountOverrideAndClear(t *testing.T) {
	f := newFixture(t)
	rec := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})
	reviewer := dues.NewReviewer(f.deps)
	ctx := context.Background()
	plan, err := f.mem.GetPlan(ctx, planMonthly2024)
	require.NoError(t, err)

	discounted := generic.NewAmountFromInt(7500, generic.CurrencyCLP)
	updated, err := reviewer.Review(ctx, dues.ReviewRequest{RecordID: rec.ID, Amount: &discounted, Actor: admin})
	require.NoError(t, err)
	assert.True(t, updated.EffectiveAmount(plan).Equal(discounted))

	updated, err = reviewer.Review(ctx, dues.ReviewRequest{RecordID: rec.ID, ClearAmount: true, Actor: admin})
	require.NoError(t, err)
	assert.Nil(t, updated.AmountCharged)
	assert.True(t, updated.EffectiveAmount(plan).Equal(plan.UnitAmount))
}

func TestReviewer_ReplaceEvidence_RemovesOldDocument(t *testing.T) {
	f := newFixture(t)
	rec := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})
	require.Equal(t, []string{string(rec.Evidence)}, f.evidence.Keys())

	updated, err := dues.NewReviewer(f.deps).Review(context.Background(), dues.ReviewRequest{
		RecordID: rec.ID,
		Evidence: &evidence.Upload{Filename: "better.pdf", Data: []byte("%PDF")},
		Actor:    admin,
	})
	require.NoError(t, err)

	assert.NotEqual(t, rec.Evidence, updated.Evidence)
	assert.Equal(t, []string{string(updated.Evidence)}, f.evidence.Keys())
}

func TestReviewer_SlotCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	may := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})
	recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.July})
	reviewer := dues.NewReviewer(f.deps)

	t.Run("free slot", func(t *testing.T) {
		updated, err := reviewer.Review(ctx, dues.ReviewRequest{
			RecordID: may.ID, Slot: generic.MonthlySlot{Year: 2024, Month: time.June}, Actor: admin,
		})
		require.NoError(t, err)
		assert.Equal(t, "2024-06", updated.Slot.Key())
	})

	t.Run("taken slot", func(t *testing.T) {
		_, err := reviewer.Review(ctx, dues.ReviewRequest{
			RecordID: may.ID, Slot: generic.MonthlySlot{Year: 2024, Month: time.July}, Actor: admin,
		})
		assert.True(t, generic.IsDuplicate(err))
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := reviewer.Review(ctx, dues.ReviewRequest{
			RecordID: may.ID, Slot: generic.OrdinalSlot{Number: 2}, Actor: admin,
		})
		assert.True(t, generic.IsValidation(err))
	})

	recs := history(t, f, memberAna, planMonthly2024)
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-06", recs[0].Slot.Key())
	assert.Equal(t, "2024-07", recs[1].Slot.Key())
}

func TestReviewer_Delete_RemovesEvidenceAndFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := recordWithEvidence(t, f, generic.MonthlySlot{Year: 2024, Month: time.May})

	require.NoError(t, dues.NewReviewer(f.deps).Delete(ctx, rec.ID, admin))

	assert.Empty(t, f.evidence.Keys())
	_, err := f.ledger.Get(ctx, rec.ID)
	assert.True(t, generic.IsNotFound(err))
	assert.Len(t, f.events.OfType(events.RecordDeleted), 1)

	slots, err := dues.NewResolver(f.deps).ResolvePending(ctx, memberAna, planMonthly2024, 1)
	require.NoError(t, err)
	assert.Equal(t, months(2024, time.January), slots)
}

func TestReviewer_Delete_NotFound(t *testing.T) {
	f := newFixture(t)
	err := dues.NewReviewer(f.deps).Delete(context.Background(), "r-ghost", admin)
	assert.True(t, generic.IsNotFound(err))
}
