package dues_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin = generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}
	today = time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
)

const (
	memberAna   generic.MemberID = "m-ana"   // enrolled 2023-01-01
	memberBruno generic.MemberID = "m-bruno" // enrolled 2024-03-15
	memberCata  generic.MemberID = "m-cata"  // no enrollment date

	planMonthly2024 generic.PlanID = "p-mensualidad-2024"
	planMarch2024   generic.PlanID = "p-marzo-2024"
	planMonthly     generic.PlanID = "p-mensual"
	planUniform     generic.PlanID = "p-uniforme"
	planAdHoc       generic.PlanID = "p-aporte"
	planRetired     generic.PlanID = "p-retirado"
)

type fixture struct {
	mem      *store.Memory
	ledger   *generic.DefaultLedger
	clock    *generic.FixedClock
	evidence *evidence.Memory
	events   *events.Memory
	cache    *cache.Memory
	deps     dues.Deps
}

// newFixture seeds members and plans. wrap, when given, replaces the
// record store seen by the ledger.
func newFixture(t *testing.T, wrap ...func(*store.Memory) generic.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	var recStore generic.Store = mem
	if len(wrap) > 0 {
		recStore = wrap[0](mem)
	}
	clock := generic.NewFixedClock(today)
	f := &fixture{
		mem:      mem,
		ledger:   generic.NewLedger(recStore, clock),
		clock:    clock,
		evidence: evidence.NewMemory(),
		events:   &events.Memory{},
		cache:    cache.NewMemory(),
	}
	f.deps = dues.Deps{
		Ledger:   f.ledger,
		Members:  mem,
		Plans:    mem,
		Evidence: f.evidence,
		Events:   f.events,
		Cache:    f.cache,
		Clock:    clock,
	}

	members := []generic.Member{
		{ID: memberAna, NationalID: "11.222.333-4", Name: "Ana Pérez", EnrollmentDate: generic.DatePtr(2023, time.January, 1), Active: true},
		{ID: memberBruno, NationalID: "22.333.444-5", Name: "Bruno Díaz", EnrollmentDate: generic.DatePtr(2024, time.March, 15), Active: true},
		{ID: memberCata, NationalID: "5.555.555-K", Name: "Catalina Rojas", Active: true},
	}
	for _, m := range members {
		require.NoError(t, mem.CreateMember(ctx, m))
	}

	plans := []generic.Plan{
		{ID: planMonthly2024, Concept: "Cuota social", DisplayName: "Mensualidad 2024", UnitAmount: generic.NewAmountFromInt(15000, generic.CurrencyCLP), InstallmentCount: 12, Active: true},
		{ID: planMarch2024, Concept: "Cuota social", DisplayName: "Cuota Mensual Marzo 2024", UnitAmount: generic.NewAmountFromInt(15000, generic.CurrencyCLP), InstallmentCount: 1, Active: true},
		{ID: planMonthly, Concept: "Cuota social", DisplayName: "Cuota Mensual", UnitAmount: generic.NewAmountFromInt(12000, generic.CurrencyCLP), InstallmentCount: 12, Active: true},
		{ID: planUniform, Concept: "Equipamiento", DisplayName: "Uniforme 2024", UnitAmount: generic.NewAmountFromInt(30000, generic.CurrencyCLP), InstallmentCount: 3, Active: true},
		{ID: planAdHoc, Concept: "Aportes", DisplayName: "Aporte Extraordinario", UnitAmount: generic.NewAmountFromInt(5000, generic.CurrencyCLP), InstallmentCount: 1, Active: true},
		{ID: planRetired, Concept: "Cuota social", DisplayName: "Mensualidad 2022", UnitAmount: generic.NewAmountFromInt(10000, generic.CurrencyCLP), InstallmentCount: 12, Active: false},
	}
	for _, p := range plans {
		require.NoError(t, mem.CreatePlan(ctx, p))
	}
	return f
}

// pay records slots directly through the ledger, bypassing the recorder.
func (f *fixture) pay(t *testing.T, memberID generic.MemberID, planID generic.PlanID, slots ...generic.Slot) {
	t.Helper()
	for _, s := range slots {
		_, err := f.ledger.Insert(context.Background(), generic.Record{
			MemberID:  memberID,
			PlanID:    planID,
			Slot:      s,
			Status:    generic.StatusApproved,
			CreatedBy: admin.ID,
		})
		require.NoError(t, err)
	}
}

func months(year int, ms ...time.Month) []generic.Slot {
	out := make([]generic.Slot, len(ms))
	for i, m := range ms {
		out[i] = generic.MonthlySlot{Year: year, Month: m}
	}
	return out
}

func ordinals(ns ...int) []generic.Slot {
	out := make([]generic.Slot, len(ns))
	for i, n := range ns {
		out[i] = generic.OrdinalSlot{Number: n}
	}
	return out
}

// =============================================================================
// FAULTY STORES
// =============================================================================

// blindStore never reports taken slots, so every pre-check passes and
// only the store constraint can catch a duplicate. It models a writer
// that lost the race between pre-check and insert.
type blindStore struct{ *store.Memory }

func (blindStore) FindSlots(context.Context, generic.MemberID, generic.PlanID, []generic.Slot) (map[string]generic.RecordID, error) {
	return map[string]generic.RecordID{}, nil
}

// failingStore accepts okInserts inserts, then every insert fails as if
// the database had gone away.
type failingStore struct {
	*store.Memory
	mu        sync.Mutex
	okInserts int
	inserts   int
}

var errConnectionLost = errors.New("connection lost")

func (s *failingStore) Insert(ctx context.Context, rec generic.Record) error {
	s.mu.Lock()
	s.inserts++
	n := s.inserts
	s.mu.Unlock()
	if n > s.okInserts {
		return errConnectionLost
	}
	return s.Memory.Insert(ctx, rec)
}
