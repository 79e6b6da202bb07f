package dues_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

func TestClassifyPlan(t *testing.T) {
	tests := []struct {
		name    string
		concept string
		display string
		kind    dues.PlanKind
		year    int
		month   time.Month // only for specific plans
	}{
		// specific overrides
		{"spanish specific", "", "Cuota Mensual Marzo 2024", dues.PlanSpecificMonth, 2024, time.March},
		{"lower case", "", "cuota mensual marzo 2024", dues.PlanSpecificMonth, 2024, time.March},
		{"upper case", "", "CUOTA MENSUAL DICIEMBRE 2025", dues.PlanSpecificMonth, 2025, time.December},
		{"setiembre spelling", "", "Mensualidad Setiembre 2024", dues.PlanSpecificMonth, 2024, time.September},
		{"septiembre spelling", "", "Mensualidad Septiembre 2024", dues.PlanSpecificMonth, 2024, time.September},
		{"english", "", "Monthly fee May 2026", dues.PlanSpecificMonth, 2026, time.May},
		{"cycle marker in concept", "Mensualidad", "Marzo 2024", dues.PlanSpecificMonth, 2024, time.March},
		{"punctuation", "", "Cuota-Mensual/Abril-2024", dues.PlanSpecificMonth, 2024, time.April},
		{"year before month", "", "2024 mensualidad octubre", dues.PlanSpecificMonth, 2024, time.October},

		// generic monthly
		{"monthly with year", "", "Mensualidad 2024", dues.PlanMonthly, 2024, 0},
		{"monthly without year", "", "Cuota Mensual", dues.PlanMonthly, 0, 0},
		{"accented mes", "", "Cuota por Més 2024", dues.PlanMonthly, 2024, 0},
		{"month name without year", "", "Cuota Mensual Marzo", dues.PlanMonthly, 0, 0},
		{"monthly concept only", "mensual", "Socio Activo", dues.PlanMonthly, 0, 0},
		{"year not 20xx", "", "Mensualidad 1999", dues.PlanMonthly, 0, 0},
		{"year glued to word", "", "Cuota Mensual Marzo2024", dues.PlanMonthly, 0, 0},

		// fixed installment
		{"month and year but no cycle word", "", "Inscripción Marzo 2024", dues.PlanFixedInstallment, 2024, 0},
		{"uniform", "Equipamiento", "Uniforme Temporada 2024", dues.PlanFixedInstallment, 2024, 0},
		{"plain", "", "Matrícula", dues.PlanFixedInstallment, 0, 0},
		{"empty", "", "", dues.PlanFixedInstallment, 0, 0},
		{"mesa is not mes", "", "Mesa directiva 2024", dues.PlanFixedInstallment, 2024, 0},
		{"semestral is not mes", "", "Cuota Semestral", dues.PlanFixedInstallment, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dues.ClassifyPlan(tt.concept, tt.display)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.year, c.YearMarker)
			if tt.kind == dues.PlanSpecificMonth {
				require.NotNil(t, c.Month)
				assert.Equal(t, generic.MonthlySlot{Year: tt.year, Month: tt.month}, *c.Month)
			} else {
				assert.Nil(t, c.Month)
			}
		})
	}
}

func TestClassification_SlotKind(t *testing.T) {
	assert.Equal(t, generic.SlotMonthly, dues.ClassifyPlan("", "Mensualidad 2024").SlotKind())
	assert.Equal(t, generic.SlotMonthly, dues.ClassifyPlan("", "Cuota Mensual Marzo 2024").SlotKind())
	assert.Equal(t, generic.SlotOrdinal, dues.ClassifyPlan("", "Uniforme").SlotKind())
}

func TestNormalizePlanName(t *testing.T) {
	assert.Equal(t, "cuota mensual marzo 2024", dues.NormalizePlanName("  Cuota   Mensual\tMarzo 2024 "))
	assert.Equal(t, dues.NormalizePlanName("Matrícula"), dues.NormalizePlanName("MATRICULA"))
}

func TestMonthlyInstallmentCount(t *testing.T) {
	assert.Equal(t, 12, dues.MonthlyInstallmentCount(nil, 2024))
	assert.Equal(t, 12, dues.MonthlyInstallmentCount(generic.DatePtr(2023, time.June, 1), 2024))
	assert.Equal(t, 10, dues.MonthlyInstallmentCount(generic.DatePtr(2024, time.March, 15), 2024))
	assert.Equal(t, 1, dues.MonthlyInstallmentCount(generic.DatePtr(2024, time.December, 1), 2024))
	assert.Equal(t, 0, dues.MonthlyInstallmentCount(generic.DatePtr(2025, time.January, 1), 2024))
}
