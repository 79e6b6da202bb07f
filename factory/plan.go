/*
Package factory provides JSON to Go plan conversion.

PURPOSE:
  Converts JSON plan definitions into generic.Plan values and back. The
  API, demo scenarios and the import CLI all describe plans as JSON; this
  is the one place defaults and validation are applied.

JSON SCHEMA:
  {
    "id": "cuota-2024",                 // optional, generated when empty
    "concept": "Cuota social",
    "display_name": "Mensualidad 2024",
    "unit_amount": "15.000",            // string or number
    "currency": "CLP",                  // default CLP
    "installment_count": 12,            // default 12 monthly, 1 otherwise
    "active": true                      // default true
  }

  ToJSON adds the derived classification (kind, year, month) so clients
  can show how the plan will resolve without re-implementing it.

SEE ALSO:
  - dues/plan.go: ClassifyPlan
  - api/scenarios.go: Demo plans defined with this factory
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// AmountJSON accepts either a JSON number or a human-written string.
type AmountJSON string

func (a *AmountJSON) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = AmountJSON(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	*a = AmountJSON(b)
	return nil
}

// PlanJSON is the JSON representation of a plan.
type PlanJSON struct {
	ID               string     `json:"id,omitempty"`
	Concept          string     `json:"concept"`
	DisplayName      string     `json:"display_name"`
	UnitAmount       AmountJSON `json:"unit_amount"`
	Currency         string     `json:"currency,omitempty"`
	InstallmentCount int        `json:"installment_count,omitempty"`
	Active           *bool      `json:"active,omitempty"`

	// Derived, output only.
	Kind  string `json:"kind,omitempty"`
	Year  int    `json:"year,omitempty"`
	Month int    `json:"month,omitempty"`
}

// =============================================================================
// PLAN FACTORY
// =============================================================================

type PlanFactory struct {
	Clock generic.Clock
}

func NewPlanFactory(clock generic.Clock) *PlanFactory {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &PlanFactory{Clock: clock}
}

// ParsePlan parses a JSON string into a Plan.
func (f *PlanFactory) ParsePlan(jsonStr string) (generic.Plan, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return generic.Plan{}, &generic.ValidationError{Field: "plan", Message: fmt.Sprintf("invalid plan JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON applies defaults and validates.
func (f *PlanFactory) FromJSON(pj PlanJSON) (generic.Plan, error) {
	currency := generic.Currency(strings.ToUpper(strings.TrimSpace(pj.Currency)))
	if currency == "" {
		currency = generic.DefaultCurrency
	}

	amount := generic.ZeroAmount(currency)
	if strings.TrimSpace(string(pj.UnitAmount)) != "" {
		var err error
		amount, err = generic.ParseAmount(string(pj.UnitAmount), currency)
		if err != nil {
			return generic.Plan{}, err
		}
	}

	count := pj.InstallmentCount
	if count == 0 {
		count = 1
		if dues.ClassifyPlan(pj.Concept, pj.DisplayName).IsMonthly() {
			count = 12
		}
	}

	active := true
	if pj.Active != nil {
		active = *pj.Active
	}

	id := strings.TrimSpace(pj.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := f.Clock.Now()
	p := generic.Plan{
		ID:               generic.PlanID(id),
		Concept:          strings.TrimSpace(pj.Concept),
		DisplayName:      strings.TrimSpace(pj.DisplayName),
		UnitAmount:       amount,
		InstallmentCount: count,
		Active:           active,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.Validate(); err != nil {
		return generic.Plan{}, err
	}
	return p, nil
}

// Merge applies the fields set in pj onto an existing plan. ID, currency
// and timestamps other than UpdatedAt are kept.
func (f *PlanFactory) Merge(p generic.Plan, pj PlanJSON) (generic.Plan, error) {
	if s := strings.TrimSpace(pj.Concept); s != "" {
		p.Concept = s
	}
	if s := strings.TrimSpace(pj.DisplayName); s != "" {
		p.DisplayName = s
	}
	if strings.TrimSpace(string(pj.UnitAmount)) != "" {
		amount, err := generic.ParseAmount(string(pj.UnitAmount), p.UnitAmount.Currency)
		if err != nil {
			return generic.Plan{}, err
		}
		p.UnitAmount = amount
	}
	if pj.InstallmentCount != 0 {
		p.InstallmentCount = pj.InstallmentCount
	}
	if pj.Active != nil {
		p.Active = *pj.Active
	}
	p.UpdatedAt = f.Clock.Now()
	if err := p.Validate(); err != nil {
		return generic.Plan{}, err
	}
	return p, nil
}

// ToJSON converts a Plan to PlanJSON, including its classification.
func (f *PlanFactory) ToJSON(p generic.Plan) PlanJSON {
	active := p.Active
	cls := dues.Classify(p)
	pj := PlanJSON{
		ID:               string(p.ID),
		Concept:          p.Concept,
		DisplayName:      p.DisplayName,
		UnitAmount:       AmountJSON(p.UnitAmount.Value.String()),
		Currency:         string(p.UnitAmount.Currency),
		InstallmentCount: p.InstallmentCount,
		Active:           &active,
		Kind:             string(cls.Kind),
		Year:             cls.YearMarker,
	}
	if cls.Month != nil {
		pj.Month = int(cls.Month.Month)
	}
	return pj
}

// =============================================================================
// PRESETS
// =============================================================================

// ClubPlans returns the plans a club usually starts a season with.
func ClubPlans(year int) []PlanJSON {
	return []PlanJSON{
		{ID: fmt.Sprintf("mensualidad-%d", year), Concept: "Cuota social", DisplayName: fmt.Sprintf("Mensualidad %d", year), UnitAmount: "15000"},
		{ID: fmt.Sprintf("matricula-%d", year), Concept: "Matrícula", DisplayName: fmt.Sprintf("Matrícula %d", year), UnitAmount: "30000"},
		{ID: fmt.Sprintf("uniforme-%d", year), Concept: "Equipamiento", DisplayName: fmt.Sprintf("Uniforme %d", year), UnitAmount: "25000", InstallmentCount: 3},
		{ID: fmt.Sprintf("cuota-marzo-%d", year), Concept: "Cuota social", DisplayName: fmt.Sprintf("Cuota Mensual %s %d", monthName(time.March), year), UnitAmount: "20000"},
	}
}

func monthName(m time.Month) string {
	names := [...]string{"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio", "Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre"}
	return names[m-1]
}
