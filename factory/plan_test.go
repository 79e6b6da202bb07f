package factory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

func newFactory() *PlanFactory {
	return NewPlanFactory(generic.NewFixedClock(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)))
}

func TestParsePlan_Defaults(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		amount   int64
		count    int
		active   bool
		currency generic.Currency
	}{
		{"monthly string amount", `{"concept":"Cuota social","display_name":"Mensualidad 2024","unit_amount":"15.000"}`, 15000, 12, true, generic.CurrencyCLP},
		{"fixed numeric amount", `{"concept":"Matrícula","display_name":"Matrícula 2024","unit_amount":30000}`, 30000, 1, true, generic.CurrencyCLP},
		{"explicit count inactive usd", `{"concept":"Viaje","display_name":"Gira","unit_amount":"120","currency":"usd","installment_count":4,"active":false}`, 120, 4, false, generic.CurrencyUSD},
		{"missing amount is zero", `{"concept":"Aportes","display_name":"Aporte voluntario"}`, 0, 1, true, generic.CurrencyCLP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newFactory().ParsePlan(tt.json)
			require.NoError(t, err)
			assert.NotEmpty(t, p.ID)
			assert.True(t, p.UnitAmount.Equal(generic.NewAmountFromInt(tt.amount, tt.currency)))
			assert.Equal(t, tt.currency, p.UnitAmount.Currency)
			assert.Equal(t, tt.count, p.InstallmentCount)
			assert.Equal(t, tt.active, p.Active)
		})
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	for _, js := range []string{
		`{`,
		`{"concept":"Cuota","display_name":""}`,
		`{"concept":"Cuota","display_name":"X","unit_amount":"-5"}`,
		`{"concept":"Cuota","display_name":"X","installment_count":-1}`,
	} {
		_, err := newFactory().ParsePlan(js)
		assert.True(t, generic.IsValidation(err), js)
	}
}

func TestMerge(t *testing.T) {
	f := newFactory()
	p, err := f.ParsePlan(`{"id":"p-1","concept":"Cuota social","display_name":"Mensualidad 2024","unit_amount":15000}`)
	require.NoError(t, err)

	inactive := false
	merged, err := f.Merge(p, PlanJSON{UnitAmount: "18.000", Active: &inactive})
	require.NoError(t, err)

	assert.Equal(t, generic.PlanID("p-1"), merged.ID)
	assert.Equal(t, "Mensualidad 2024", merged.DisplayName)
	assert.True(t, merged.UnitAmount.Equal(generic.NewAmountFromInt(18000, generic.CurrencyCLP)))
	assert.False(t, merged.Active)
}

func TestToJSON_IncludesClassification(t *testing.T) {
	f := newFactory()
	p, err := f.ParsePlan(`{"id":"m","concept":"Cuota social","display_name":"Cuota Mensual Marzo 2024","unit_amount":20000}`)
	require.NoError(t, err)

	pj := f.ToJSON(p)
	assert.Equal(t, string(dues.PlanSpecificMonth), pj.Kind)
	assert.Equal(t, 2024, pj.Year)
	assert.Equal(t, 3, pj.Month)
	assert.Equal(t, AmountJSON("20000"), pj.UnitAmount)

	back, err := f.FromJSON(pj)
	require.NoError(t, err)
	assert.Equal(t, p.ID, back.ID)
	assert.True(t, p.UnitAmount.Equal(back.UnitAmount))
}

func TestClubPlans_AllParse(t *testing.T) {
	f := newFactory()
	for _, pj := range ClubPlans(2024) {
		p, err := f.FromJSON(pj)
		require.NoError(t, err, pj.DisplayName)
		assert.True(t, p.Active)
	}
	marzo, err := f.FromJSON(ClubPlans(2024)[3])
	require.NoError(t, err)
	assert.Equal(t, dues.PlanSpecificMonth, dues.Classify(marzo).Kind)
}
