package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/generic"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateMember(ctx, generic.Member{
		ID: "m-ana", NationalID: "11.222.333-4", Name: "Ana Rojas", Email: "ana@club.cl",
		EnrollmentDate: generic.DatePtr(2023, time.January, 1), Active: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.CreatePlan(ctx, generic.Plan{
		ID: "p-mensual", Concept: "Cuota social", DisplayName: "Mensualidad 2024",
		UnitAmount: generic.NewAmountFromInt(15000, generic.CurrencyCLP), InstallmentCount: 12, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.CreatePlan(ctx, generic.Plan{
		ID: "p-uniforme", Concept: "Equipamiento", DisplayName: "Uniforme 2024",
		UnitAmount: generic.NewAmountFromInt(30000, generic.CurrencyCLP), InstallmentCount: 3, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	return s
}

func record(id string, slot generic.Slot) generic.Record {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	planID := generic.PlanID("p-mensual")
	if slot.Kind() == generic.SlotOrdinal {
		planID = "p-uniforme"
	}
	return generic.Record{
		ID: generic.RecordID(id), MemberID: "m-ana", PlanID: planID, Slot: slot,
		Status: generic.StatusPending, CreatedBy: "admin", CreatedAt: now, UpdatedAt: now,
	}
}

func TestInsert_RoundTrip(t *testing.T) {
	// GIVEN: A record with an explicit amount and evidence
	s := newTestStore(t)
	ctx := context.Background()
	rec := record("r-1", generic.MonthlySlot{Year: 2024, Month: time.May})
	amount := generic.NewAmountFromInt(12000, generic.CurrencyCLP)
	rec.AmountCharged = &amount
	rec.Evidence = "m-ana/p-mensual/2024_05_x.pdf"
	rec.Note = "transferencia"

	// WHEN: Inserting and reading it back
	require.NoError(t, s.Insert(ctx, rec))
	got, err := s.Get(ctx, "r-1")

	// THEN: Every column survives
	require.NoError(t, err)
	assert.True(t, generic.SameSlot(rec.Slot, got.Slot))
	require.NotNil(t, got.AmountCharged)
	assert.True(t, got.AmountCharged.Equal(amount))
	assert.Equal(t, rec.Evidence, got.Evidence)
	assert.Equal(t, rec.Note, got.Note)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestInsert_SlotUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		slot generic.Slot
	}{
		{"monthly", generic.MonthlySlot{Year: 2024, Month: time.March}},
		{"ordinal", generic.OrdinalSlot{Number: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Insert(ctx, record("first-"+tt.name, tt.slot)))

			err := s.Insert(ctx, record("second-"+tt.name, tt.slot))

			var dup *generic.DuplicateSlotError
			require.True(t, errors.As(err, &dup), "got %v", err)
			assert.Equal(t, generic.RecordID("first-"+tt.name), dup.ExistingID)
		})
	}
}

func TestInsert_ConcurrentSameSlot(t *testing.T) {
	// GIVEN: Many writers racing for the same month
	s := newTestStore(t)
	ctx := context.Background()
	slot := generic.MonthlySlot{Year: 2024, Month: time.July}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(ctx, record("race-"+string(rune('a'+i)), slot))
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one wins, the rest see a duplicate
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, generic.IsDuplicate(err), "got %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestUpdate_MoveSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, record("r-jan", generic.MonthlySlot{Year: 2024, Month: time.January})))
	require.NoError(t, s.Insert(ctx, record("r-feb", generic.MonthlySlot{Year: 2024, Month: time.February})))

	t.Run("onto a taken slot", func(t *testing.T) {
		rec := record("r-jan", generic.MonthlySlot{Year: 2024, Month: time.February})
		err := s.Update(ctx, rec)
		assert.True(t, generic.IsDuplicate(err), "got %v", err)
	})
	t.Run("onto a free slot", func(t *testing.T) {
		rec := record("r-jan", generic.MonthlySlot{Year: 2024, Month: time.March})
		rec.Status = generic.StatusApproved
		rec.ReviewedBy = "admin-2"
		require.NoError(t, s.Update(ctx, rec))

		got, err := s.Get(ctx, "r-jan")
		require.NoError(t, err)
		assert.Equal(t, "2024-03", got.Slot.Key())
		assert.Equal(t, generic.StatusApproved, got.Status)
		assert.Equal(t, "admin-2", got.ReviewedBy)
	})
	t.Run("missing record", func(t *testing.T) {
		err := s.Update(ctx, record("r-none", generic.MonthlySlot{Year: 2024, Month: time.April}))
		assert.True(t, generic.IsNotFound(err))
	})
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.True(t, generic.IsNotFound(err))
	assert.True(t, generic.IsNotFound(s.Delete(ctx, "nope")))
	_, err = s.GetMember(ctx, "nope")
	assert.True(t, generic.IsNotFound(err))
	_, err = s.GetPlan(ctx, "nope")
	assert.True(t, generic.IsNotFound(err))
	assert.True(t, generic.IsNotFound(s.UpdatePlan(ctx, generic.Plan{ID: "nope", DisplayName: "x", InstallmentCount: 1})))
}

func TestLoadAndFindSlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, m := range []time.Month{time.April, time.January, time.March} {
		require.NoError(t, s.Insert(ctx, record("r-"+m.String(), generic.MonthlySlot{Year: 2024, Month: m})))
	}

	history, err := s.Load(ctx, "m-ana", "p-mensual")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2024-01", history[0].Slot.Key())
	assert.Equal(t, "2024-04", history[2].Slot.Key())

	taken, err := s.FindSlots(ctx, "m-ana", "p-mensual", []generic.Slot{
		generic.MonthlySlot{Year: 2024, Month: time.March},
		generic.MonthlySlot{Year: 2024, Month: time.May},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]generic.RecordID{"2024-03": "r-March"}, taken)
}

func TestQuery_Filters(t *testing.T) {
	// GIVEN: Two monthly records and one installment recorded in June
	s := newTestStore(t)
	ctx := context.Background()
	approved := record("r-may", generic.MonthlySlot{Year: 2024, Month: time.May})
	approved.Status = generic.StatusApproved
	require.NoError(t, s.Insert(ctx, approved))
	require.NoError(t, s.Insert(ctx, record("r-jun", generic.MonthlySlot{Year: 2024, Month: time.June})))
	require.NoError(t, s.Insert(ctx, record("r-inst", generic.OrdinalSlot{Number: 1})))

	year, june := 2024, time.June
	tests := []struct {
		name   string
		filter generic.RecordFilter
		want   []generic.RecordID
	}{
		{"status", generic.RecordFilter{Statuses: []generic.Status{generic.StatusApproved}}, []generic.RecordID{"r-may"}},
		{"month buckets installments by creation", generic.RecordFilter{Year: &year, Month: &june}, []generic.RecordID{"r-jun", "r-inst"}},
		{"everything", generic.RecordFilter{}, []generic.RecordID{"r-may", "r-jun", "r-inst"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Query(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]generic.RecordID, len(recs))
			for i, r := range recs {
				ids[i] = r.ID
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestMembers_NationalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Lookup ignores punctuation and case
	m, err := s.FindMemberByNationalID(ctx, "112223334")
	require.NoError(t, err)
	assert.Equal(t, generic.MemberID("m-ana"), m.ID)
	require.NotNil(t, m.EnrollmentDate)
	assert.Equal(t, "2023-01-01", m.EnrollmentDate.Format("2006-01-02"))

	// A second member with the same normalized ID is rejected
	err = s.CreateMember(ctx, generic.Member{ID: "m-dup", NationalID: "11222333-4", Name: "Otra", Active: true, CreatedAt: time.Now()})
	assert.True(t, errors.Is(err, generic.ErrDuplicateNationalID))

	members, err := s.ListMembers(ctx, generic.MemberFilter{Search: "ROJAS"})
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMembers_UpdateAndDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMember(ctx, generic.Member{ID: "m-bruno", NationalID: "22.333.444-5", Name: "Bruno Díaz", Active: true, CreatedAt: time.Now()}))

	// Deactivated members stay searchable but drop out of the active list
	m, err := s.GetMember(ctx, "m-ana")
	require.NoError(t, err)
	m.Active = false
	require.NoError(t, s.UpdateMember(ctx, m))

	got, err := s.GetMember(ctx, "m-ana")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.EnrollmentDate)

	all, err := s.ListMembers(ctx, generic.MemberFilter{Search: "112223334"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	active, err := s.ListMembers(ctx, generic.MemberFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, generic.MemberID("m-bruno"), active[0].ID)

	// A changed national ID keeps the uniqueness rule
	bruno, err := s.GetMember(ctx, "m-bruno")
	require.NoError(t, err)
	bruno.NationalID = "11222333-4"
	assert.True(t, errors.Is(s.UpdateMember(ctx, bruno), generic.ErrDuplicateNationalID))

	err = s.UpdateMember(ctx, generic.Member{ID: "m-nobody", NationalID: "9-9"})
	assert.True(t, generic.IsNotFound(err))
}

func TestPlans_UpdateAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetPlan(ctx, "p-uniforme")
	require.NoError(t, err)
	assert.True(t, p.UnitAmount.Equal(generic.NewAmountFromInt(30000, generic.CurrencyCLP)))

	p.Active = false
	require.NoError(t, s.UpdatePlan(ctx, p))

	active, err := s.ListPlans(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, generic.PlanID("p-mensual"), active[0].ID)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, record("r-1", generic.MonthlySlot{Year: 2024, Month: time.May})))

	require.NoError(t, s.Reset(ctx))

	recs, err := s.Query(ctx, generic.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	plans, err := s.ListPlans(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, plans)
}
