/*
importer.go - Bulk import of historical payments

PURPOSE:
  Club treasurers keep years of payments in spreadsheets. The importer
  turns such a sheet into approved ledger records for one plan and one
  month, matching each row to a member by national ID.

INPUT:
  Rows keyed by header. Headers are matched case and accent-insensitively
  against synonyms:
    national ID: rut, run, national_id, nationalid, documento
    amount:      monto, amount, valor

  The month, year and plan apply to every row of the file. A file that
  mixes periods must be split and imported once per period.

OUTCOMES PER ROW:
  - Member found, slot free:     approved record, evidence "imported"
  - National ID missing/unknown: row error, import continues
  - Amount unparsable:           row error, import continues
  - Slot already recorded:       row error, import continues
  - Store failure:               import stops, result so far is returned

  Re-running the same file yields one duplicate row error per row.

PLAN RESOLUTION:
  Exact display-name match first, then a normalized match ignoring case,
  accents and spacing. An unknown name is created when the request allows
  it (zero amount, active) and is a NotFoundError otherwise.
*/
package dues

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
	"golang.org/x/sync/errgroup"
)

var (
	nationalIDColumns = []string{"rut", "run", "national_id", "nationalid", "documento"}
	amountColumns     = []string{"monto", "amount", "valor"}
)

// ImportRow is one data row. Line is the 1-based line in the source file.
type ImportRow struct {
	Line  int
	Cells map[string]string
}

// RowsFromTable keys each row by its header. The header is line 1.
func RowsFromTable(header []string, rows [][]string) []ImportRow {
	out := make([]ImportRow, 0, len(rows))
	for i, row := range rows {
		cells := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(row) {
				cells[h] = row[j]
			}
		}
		out = append(out, ImportRow{Line: i + 2, Cells: cells})
	}
	return out
}

type ImportRequest struct {
	Rows  []ImportRow
	Plan  string // display name of the target plan
	Month time.Month
	Year  int
	// CreatePlan permits creating Plan when no plan matches.
	CreatePlan bool
	// Concept labels a created plan. Defaults to "Importado".
	Concept  string
	Currency generic.Currency
	Actor    generic.Actor
}

type RowError struct {
	Line       int
	NationalID string
	Err        error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Line, e.Err) }

type ImportResult struct {
	Plan         generic.Plan
	PlanCreated  bool
	SuccessCount int
	ErrorCount   int
	Errors       []RowError
}

type Importer struct {
	deps Deps
	log  *logging.Logger
}

func NewImporter(d Deps) *Importer {
	d = d.withDefaults()
	return &Importer{deps: d, log: d.Logger.WithComponent(logging.ComponentImporter)}
}

func (im *Importer) Import(ctx context.Context, req ImportRequest) (ImportResult, error) {
	var result ImportResult
	if err := requireAdmin(req.Actor); err != nil {
		return result, err
	}
	slot := generic.MonthlySlot{Year: req.Year, Month: req.Month}
	if err := slot.Validate(); err != nil {
		return result, err
	}
	if strings.TrimSpace(req.Plan) == "" {
		return result, &generic.ValidationError{Field: "plan", Message: "target plan is required"}
	}
	if req.Currency == "" {
		req.Currency = generic.DefaultCurrency
	}

	var (
		byNationalID map[string]generic.MemberID
		plans        []generic.Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		members, err := im.deps.Members.ListMembers(gctx, generic.MemberFilter{})
		if err != nil {
			return generic.WrapStore("list members", err)
		}
		byNationalID = make(map[string]generic.MemberID, len(members))
		for _, m := range members {
			byNationalID[m.NormalizedNationalID()] = m.ID
		}
		return nil
	})
	g.Go(func() error {
		var err error
		plans, err = im.deps.Plans.ListPlans(gctx, false)
		return generic.WrapStore("list plans", err)
	})
	if err := g.Wait(); err != nil {
		return result, err
	}

	plan, created, err := im.resolvePlan(ctx, req, slot, plans)
	if err != nil {
		return result, err
	}
	result.Plan, result.PlanCreated = plan, created

	for _, row := range req.Rows {
		raw := cell(row, nationalIDColumns)
		err := im.importRow(ctx, req, plan, slot, byNationalID, row)
		if err == nil {
			result.SuccessCount++
			continue
		}
		if generic.IsStoreError(err) {
			im.log.ErrorContext(ctx, "import stopped by store failure",
				logging.FieldRow, row.Line, logging.FieldError, err)
			im.finish(ctx, req, &result)
			return result, err
		}
		result.ErrorCount++
		result.Errors = append(result.Errors, RowError{Line: row.Line, NationalID: raw, Err: err})
	}

	im.finish(ctx, req, &result)
	return result, nil
}

func (im *Importer) importRow(ctx context.Context, req ImportRequest, plan generic.Plan, slot generic.MonthlySlot, byNationalID map[string]generic.MemberID, row ImportRow) error {
	raw := cell(row, nationalIDColumns)
	norm := generic.NormalizeNationalID(raw)
	if norm == "" {
		return &generic.ValidationError{Field: "national_id", Message: "national ID is missing"}
	}
	memberID, ok := byNationalID[norm]
	if !ok {
		return &generic.NotFoundError{Entity: "member", ID: raw}
	}

	amount, err := generic.ParseAmount(cell(row, amountColumns), req.Currency)
	if err != nil {
		return err
	}

	_, err = im.deps.Ledger.Insert(ctx, generic.Record{
		MemberID:      memberID,
		PlanID:        plan.ID,
		Slot:          slot,
		AmountCharged: &amount,
		Status:        generic.StatusApproved,
		Evidence:      generic.EvidenceImported,
		Note:          fmt.Sprintf("imported row %d", row.Line),
		CreatedBy:     req.Actor.ID,
		ReviewedBy:    req.Actor.ID,
	})
	return err
}

func (im *Importer) finish(ctx context.Context, req ImportRequest, result *ImportResult) {
	im.log.InfoContext(ctx, "import finished",
		logging.FieldOperation, logging.OpImport,
		logging.FieldPlanID, result.Plan.ID,
		logging.FieldYear, req.Year,
		logging.FieldMonth, int(req.Month),
		"successes", result.SuccessCount,
		"errors", result.ErrorCount)
	changed(ctx, im.deps, im.log, events.Event{
		Type:       events.ImportCompleted,
		PlanID:     string(result.Plan.ID),
		Slot:       generic.MonthlySlot{Year: req.Year, Month: req.Month}.Key(),
		Actor:      req.Actor.ID,
		Successes:  result.SuccessCount,
		Errors:     result.ErrorCount,
		OccurredAt: im.deps.Clock.Now().UTC(),
	})
}

// resolvePlan finds or creates the target plan. Imported rows are monthly
// records at the batch month, so the plan must accept that month; an
// installment plan or a plan scoped to another year or month is refused
// before anything is written.
func (im *Importer) resolvePlan(ctx context.Context, req ImportRequest, slot generic.MonthlySlot, plans []generic.Plan) (generic.Plan, bool, error) {
	if p, ok := MatchPlan(plans, req.Plan); ok {
		if err := checkSlot(Classify(p), p, slot); err != nil {
			return generic.Plan{}, false, err
		}
		return p, false, nil
	}
	if !req.CreatePlan {
		return generic.Plan{}, false, &generic.NotFoundError{Entity: "plan", ID: req.Plan}
	}

	concept := req.Concept
	if concept == "" {
		concept = "Importado"
	}
	count := 1
	if ClassifyPlan(concept, req.Plan).IsMonthly() {
		count = 12
	}
	now := im.deps.Clock.Now()
	p := generic.Plan{
		ID:               generic.PlanID(uuid.NewString()),
		Concept:          concept,
		DisplayName:      strings.TrimSpace(req.Plan),
		UnitAmount:       generic.ZeroAmount(req.Currency),
		InstallmentCount: count,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := checkSlot(Classify(p), p, slot); err != nil {
		return generic.Plan{}, false, err
	}
	if err := im.deps.Plans.CreatePlan(ctx, p); err != nil {
		return generic.Plan{}, false, generic.WrapStore("create plan", err)
	}
	im.log.InfoContext(ctx, "plan created for import", logging.FieldPlanID, p.ID, "name", p.DisplayName)
	return p, true, nil
}

// MatchPlan finds a plan by display name, exactly first and then ignoring
// case, accents and spacing.
func MatchPlan(plans []generic.Plan, name string) (generic.Plan, bool) {
	trimmed := strings.TrimSpace(name)
	for _, p := range plans {
		if p.DisplayName == trimmed {
			return p, true
		}
	}
	want := NormalizePlanName(name)
	if want == "" {
		return generic.Plan{}, false
	}
	for _, p := range plans {
		if NormalizePlanName(p.DisplayName) == want {
			return p, true
		}
	}
	return generic.Plan{}, false
}

// cell returns the first non-empty value under any of the given headers.
func cell(row ImportRow, names []string) string {
	for _, n := range names {
		for header, v := range row.Cells {
			if HeaderKey(header) == n && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// HeaderKey folds a column header to the form synonyms are listed in:
// "National ID" becomes "national_id", "Número" becomes "numero".
func HeaderKey(header string) string {
	return strings.Join(words(header), "_")
}
