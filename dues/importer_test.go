package dues_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/generic/store"
)

func importRequest(header []string, rows ...[]string) dues.ImportRequest {
	return dues.ImportRequest{
		Rows:  dues.RowsFromTable(header, rows),
		Plan:  "Mensualidad 2024",
		Month: time.April,
		Year:  2024,
		Actor: admin,
	}
}

func TestImporter_Scenario_UnmatchedRowReported(t *testing.T) {
	// GIVEN: 3 rows, the second matches no member
	f := newFixture(t)
	req := importRequest([]string{"RUT", "Monto"},
		[]string{"11.222.333-4", "15.000"},
		[]string{"99.999.999-9", "15.000"},
		[]string{"22333444-5", "$ 12.500"},
	)

	// WHEN: Importing
	result, err := dues.NewImporter(f.deps).Import(context.Background(), req)

	// THEN: 2 successes, 1 error on line 3 (row 2 of data)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.ErrorCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 3, result.Errors[0].Line)
	assert.Equal(t, "99.999.999-9", result.Errors[0].NationalID)
	assert.True(t, generic.IsNotFound(result.Errors[0].Err))
	assert.Equal(t, planMonthly2024, result.Plan.ID)
	assert.False(t, result.PlanCreated)

	recs := history(t, f, memberBruno, planMonthly2024)
	require.Len(t, recs, 1)
	assert.Equal(t, generic.StatusApproved, recs[0].Status)
	assert.Equal(t, generic.EvidenceImported, recs[0].Evidence)
	assert.Equal(t, "2024-04", recs[0].Slot.Key())
	assert.True(t, recs[0].AmountCharged.Equal(generic.NewAmountFromInt(12500, generic.CurrencyCLP)))

	completed := f.events.OfType(events.ImportCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].Successes)
	assert.Equal(t, 1, completed[0].Errors)
}

func TestImporter_NationalIDNormalization(t *testing.T) {
	for _, raw := range []string{"5.555.555-K", "5555555-K", "5555555-k", " 5555555k "} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			result, err := dues.NewImporter(f.deps).Import(context.Background(),
				importRequest([]string{"rut", "monto"}, []string{raw, "1000"}))
			require.NoError(t, err)
			assert.Equal(t, 1, result.SuccessCount)
			assert.Len(t, history(t, f, memberCata, planMonthly2024), 1)
		})
	}
}

func TestImporter_HeaderSynonyms(t *testing.T) {
	headers := [][]string{
		{"RUT", "Monto"},
		{"National ID", "Amount"},
		{"nationalId", "valor"},
		{"Run", "MONTO"},
	}
	for _, h := range headers {
		t.Run(h[0]+"/"+h[1], func(t *testing.T) {
			f := newFixture(t)
			result, err := dues.NewImporter(f.deps).Import(context.Background(),
				importRequest(h, []string{"11.222.333-4", "15000"}))
			require.NoError(t, err)
			assert.Equal(t, 1, result.SuccessCount)
		})
	}
}

func TestImporter_RerunReportsDuplicates(t *testing.T) {
	f := newFixture(t)
	importer := dues.NewImporter(f.deps)
	req := importRequest([]string{"rut", "monto"},
		[]string{"11.222.333-4", "15000"},
		[]string{"22.333.444-5", "15000"},
	)

	_, err := importer.Import(context.Background(), req)
	require.NoError(t, err)
	result, err := importer.Import(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 2, result.ErrorCount)
	for _, rowErr := range result.Errors {
		assert.True(t, generic.IsDuplicate(rowErr.Err))
	}
	assert.Len(t, history(t, f, memberAna, planMonthly2024), 1)
}

func TestImporter_BadRows(t *testing.T) {
	f := newFixture(t)
	result, err := dues.NewImporter(f.deps).Import(context.Background(), importRequest(
		[]string{"rut", "monto"},
		[]string{"", "15000"},
		[]string{"11.222.333-4", "quince mil"},
		[]string{"22.333.444-5", "-500"},
	))
	require.NoError(t, err)

	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 3, result.ErrorCount)
	for _, rowErr := range result.Errors {
		assert.True(t, generic.IsValidation(rowErr.Err), rowErr.Error())
	}
}

func TestImporter_PlanResolution(t *testing.T) {
	row := []string{"11.222.333-4", "15000"}

	t.Run("normalized name match", func(t *testing.T) {
		f := newFixture(t)
		req := importRequest([]string{"rut", "monto"}, row)
		req.Plan = "  MENSUALIDAD   2024 "
		result, err := dues.NewImporter(f.deps).Import(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, planMonthly2024, result.Plan.ID)
	})

	t.Run("unknown plan without permission", func(t *testing.T) {
		f := newFixture(t)
		req := importRequest([]string{"rut", "monto"}, row)
		req.Plan = "Mensualidad 2019"
		_, err := dues.NewImporter(f.deps).Import(context.Background(), req)
		assert.True(t, generic.IsNotFound(err))
	})

	t.Run("unknown plan created", func(t *testing.T) {
		f := newFixture(t)
		req := importRequest([]string{"rut", "monto"}, row)
		req.Plan = "Mensualidad 2019"
		req.Year = 2019
		req.CreatePlan = true
		result, err := dues.NewImporter(f.deps).Import(context.Background(), req)
		require.NoError(t, err)

		assert.True(t, result.PlanCreated)
		assert.Equal(t, 1, result.SuccessCount)
		created, err := f.mem.GetPlan(context.Background(), result.Plan.ID)
		require.NoError(t, err)
		assert.Equal(t, "Mensualidad 2019", created.DisplayName)
		assert.True(t, created.Active)
		assert.True(t, created.UnitAmount.IsZero())
		assert.Equal(t, 12, created.InstallmentCount)
	})
}

func TestImporter_TargetMustAcceptBatchMonth(t *testing.T) {
	row := []string{"11.222.333-4", "15000"}
	tests := []struct {
		name   string
		plan   string
		month  time.Month
		year   int
		create bool
	}{
		{"installment plan", "Uniforme 2024", time.April, 2024, false},
		{"plan scoped to another year", "Mensualidad 2024", time.April, 2023, false},
		{"specific plan, other month", "Cuota Mensual Marzo 2024", time.April, 2024, false},
		{"created plan that is not monthly", "Aporte Rifa", time.April, 2024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A batch month the target plan cannot hold
			f := newFixture(t)
			req := importRequest([]string{"rut", "monto"}, row)
			req.Plan, req.Month, req.Year, req.CreatePlan = tt.plan, tt.month, tt.year, tt.create

			// WHEN: Importing
			result, err := dues.NewImporter(f.deps).Import(context.Background(), req)

			// THEN: The whole import is refused and nothing is written
			require.Error(t, err)
			assert.True(t, generic.IsValidation(err), err.Error())
			assert.Zero(t, result.SuccessCount)
			recs, err := f.ledger.Query(context.Background(), generic.RecordFilter{})
			require.NoError(t, err)
			assert.Empty(t, recs)
			plans, err := f.mem.ListPlans(context.Background(), false)
			require.NoError(t, err)
			assert.Len(t, plans, 6, "no plan is created")
		})
	}
}

func TestImporter_StoreFailure_Aborts(t *testing.T) {
	f := newFixture(t, func(m *store.Memory) generic.Store {
		return &failingStore{Memory: m, okInserts: 1}
	})
	result, err := dues.NewImporter(f.deps).Import(context.Background(), importRequest(
		[]string{"rut", "monto"},
		[]string{"11.222.333-4", "15000"},
		[]string{"22.333.444-5", "15000"},
		[]string{"5.555.555-K", "15000"},
	))

	require.Error(t, err)
	assert.True(t, generic.IsStoreError(err))
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 0, result.ErrorCount)
}

func TestImporter_Validation(t *testing.T) {
	f := newFixture(t)
	importer := dues.NewImporter(f.deps)
	ctx := context.Background()

	req := importRequest([]string{"rut"})
	req.Month = 13
	_, err := importer.Import(ctx, req)
	assert.True(t, generic.IsValidation(err))

	req = importRequest([]string{"rut"})
	req.Plan = " "
	_, err = importer.Import(ctx, req)
	assert.True(t, generic.IsValidation(err))

	req = importRequest([]string{"rut"})
	req.Actor = generic.Actor{ID: "m-ana", Role: generic.RoleMember}
	_, err = importer.Import(ctx, req)
	assert.True(t, generic.IsValidation(err))
}

func TestMatchPlan(t *testing.T) {
	plans := []generic.Plan{
		{ID: "a", DisplayName: "Cuota Anual"},
		{ID: "b", DisplayName: "Inscripción 2024"},
	}
	tests := []struct {
		name string
		want generic.PlanID
		ok   bool
	}{
		{"Cuota Anual", "a", true},
		{"cuota  anual", "a", true},
		{"INSCRIPCION 2024", "b", true},
		{"Inscripción-2024", "b", true},
		{"Inscripción 2025", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		p, ok := dues.MatchPlan(plans, tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, p.ID, tt.name)
	}
}
