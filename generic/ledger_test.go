package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() (*generic.DefaultLedger, *store.Memory) {
	mem := store.NewMemory()
	clock := generic.NewFixedClock(time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC))
	return generic.NewLedger(mem, clock), mem
}

func monthRec(memberID, planID string, year int, month time.Month) generic.Record {
	return generic.Record{
		MemberID:  generic.MemberID(memberID),
		PlanID:    generic.PlanID(planID),
		Slot:      generic.MonthlySlot{Year: year, Month: month},
		Status:    generic.StatusPending,
		CreatedBy: "admin-1",
	}
}

// =============================================================================
// UNIQUENESS INVARIANT TESTS
// =============================================================================

func TestLedger_Insert_AssignsIDAndTimestamps(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC), rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
}

func TestLedger_Insert_DuplicateSlot_Rejected(t *testing.T) {
	// GIVEN: May 2024 already recorded for m-1 on p-1
	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)

	// WHEN: Recording May 2024 again
	_, err = ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))

	// THEN: DuplicateSlotError pointing at the first record
	require.Error(t, err)
	var dup *generic.DuplicateSlotError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.False(t, dup.InBatch)

	history, err := ledger.History(ctx, "m-1", "p-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "never two stored records for one slot")
}

func TestLedger_Insert_SameMonthDifferentPlanOrMember_Allowed(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)
	_, err = ledger.Insert(ctx, monthRec("m-1", "p-2", 2024, time.May))
	assert.NoError(t, err)
	_, err = ledger.Insert(ctx, monthRec("m-2", "p-1", 2024, time.May))
	assert.NoError(t, err)
}

func TestLedger_Insert_OrdinalUniqueness(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec := generic.Record{MemberID: "m-1", PlanID: "p-1", Slot: generic.OrdinalSlot{Number: 2}, CreatedBy: "a"}
	_, err := ledger.Insert(ctx, rec)
	require.NoError(t, err)

	_, err = ledger.Insert(ctx, rec)
	assert.True(t, generic.IsDuplicate(err))
}

func TestLedger_Insert_LostRace_StillDuplicate(t *testing.T) {
	// GIVEN: A store whose pre-check misses the competing write
	mem := store.NewMemory()
	ledger := generic.NewLedger(blindStore{mem}, nil)
	ctx := context.Background()

	_, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)

	// WHEN: The second writer passes the pre-check
	_, err = ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))

	// THEN: The store constraint still rejects it as a duplicate
	var dup *generic.DuplicateSlotError
	require.ErrorAs(t, err, &dup)
	assert.NotEmpty(t, dup.ExistingID)
}

func TestLedger_Insert_ValidationBeforeWrite(t *testing.T) {
	ledger, mem := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name string
		rec  generic.Record
	}{
		{"no member", generic.Record{PlanID: "p", Slot: generic.OrdinalSlot{Number: 1}, CreatedBy: "a"}},
		{"no plan", generic.Record{MemberID: "m", Slot: generic.OrdinalSlot{Number: 1}, CreatedBy: "a"}},
		{"no slot", generic.Record{MemberID: "m", PlanID: "p", CreatedBy: "a"}},
		{"bad month", generic.Record{MemberID: "m", PlanID: "p", Slot: generic.MonthlySlot{Year: 2024, Month: 14}, CreatedBy: "a"}},
		{"no actor", generic.Record{MemberID: "m", PlanID: "p", Slot: generic.OrdinalSlot{Number: 1}}},
		{"bad status", generic.Record{MemberID: "m", PlanID: "p", Slot: generic.OrdinalSlot{Number: 1}, CreatedBy: "a", Status: "paid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Insert(ctx, tt.rec)
			require.Error(t, err)
			assert.True(t, generic.IsValidation(err))
		})
	}

	all, err := mem.Query(ctx, generic.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// UPDATE GUARDS
// =============================================================================

func TestLedger_Update_SlotMoveIntoTakenSlot_Rejected(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)
	june, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.June))
	require.NoError(t, err)

	june.Slot = generic.MonthlySlot{Year: 2024, Month: time.May}
	_, err = ledger.Update(ctx, june)
	assert.True(t, generic.IsDuplicate(err))

	june.Slot = generic.MonthlySlot{Year: 2024, Month: time.July}
	moved, err := ledger.Update(ctx, june)
	require.NoError(t, err)
	assert.Equal(t, "2024-07", moved.Slot.Key())

	taken, err := ledger.Taken(ctx, "m-1", "p-1", []generic.Slot{
		generic.MonthlySlot{Year: 2024, Month: time.June},
		generic.MonthlySlot{Year: 2024, Month: time.July},
	})
	require.NoError(t, err)
	assert.NotContains(t, taken, "2024-06")
	assert.Contains(t, taken, "2024-07")
}

func TestLedger_Update_CannotChangeOwnerOrKind(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)

	other := rec
	other.MemberID = "m-2"
	_, err = ledger.Update(ctx, other)
	assert.True(t, generic.IsValidation(err))

	other = rec
	other.Slot = generic.OrdinalSlot{Number: 5}
	_, err = ledger.Update(ctx, other)
	assert.True(t, generic.IsValidation(err))
}

func TestLedger_Update_PreservesCreation(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)

	rec.Status = generic.StatusApproved
	rec.ReviewedBy = "admin-2"
	rec.CreatedBy = "someone-else"
	updated, err := ledger.Update(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", updated.CreatedBy)

	got, err := ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusApproved, got.Status)
	assert.Equal(t, "admin-2", got.ReviewedBy)
}

func TestLedger_Delete_FreesSlot(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	require.NoError(t, err)
	require.NoError(t, ledger.Delete(ctx, rec.ID))

	_, err = ledger.Get(ctx, rec.ID)
	assert.True(t, generic.IsNotFound(err))

	_, err = ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, time.May))
	assert.NoError(t, err)

	assert.True(t, generic.IsNotFound(ledger.Delete(ctx, "missing")))
}

func TestLedger_History_OrderedBySlot(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	for _, m := range []time.Month{time.March, time.January, time.February} {
		_, err := ledger.Insert(ctx, monthRec("m-1", "p-1", 2024, m))
		require.NoError(t, err)
	}

	history, err := ledger.History(ctx, "m-1", "p-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2024-01", history[0].Slot.Key())
	assert.Equal(t, "2024-03", history[2].Slot.Key())
}

// blindStore hides existing slots from the pre-check, simulating a
// concurrent writer that lands between check and insert.
type blindStore struct {
	*store.Memory
}

func (blindStore) FindSlots(context.Context, generic.MemberID, generic.PlanID, []generic.Slot) (map[string]generic.RecordID, error) {
	return map[string]generic.RecordID{}, nil
}
