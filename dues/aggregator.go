package dues

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// =============================================================================
// AGGREGATOR - Read-only totals for dashboards and export
// =============================================================================

// reportKeyPrefix namespaces cached summaries. Every ledger write
// invalidates it.
const reportKeyPrefix = "report:"

const defaultReportTTL = 10 * time.Minute

// Totals sums effective amounts by status.
type Totals struct {
	Approved      generic.Amount `json:"approved"`
	Pending       generic.Amount `json:"pending"`
	Rejected      generic.Amount `json:"rejected"`
	ApprovedCount int            `json:"approved_count"`
	PendingCount  int            `json:"pending_count"`
	RejectedCount int            `json:"rejected_count"`
}

func newTotals(c generic.Currency) Totals {
	z := generic.ZeroAmount(c)
	return Totals{Approved: z, Pending: z, Rejected: z}
}

func (t *Totals) add(status generic.Status, a generic.Amount) {
	switch status {
	case generic.StatusApproved:
		t.Approved = t.Approved.Add(a)
		t.ApprovedCount++
	case generic.StatusPending:
		t.Pending = t.Pending.Add(a)
		t.PendingCount++
	case generic.StatusRejected:
		t.Rejected = t.Rejected.Add(a)
		t.RejectedCount++
	}
}

type MonthTotals struct {
	Month time.Month `json:"month"`
	Totals
}

type PlanTotals struct {
	PlanID   generic.PlanID `json:"plan_id"`
	PlanName string         `json:"plan_name"`
	Totals
}

type YearSummary struct {
	Year   int           `json:"year"`
	Months []MonthTotals `json:"months"` // always 12, January first
	Plans  []PlanTotals  `json:"plans"`  // sorted by plan name
	Total  Totals        `json:"total"`
}

type MonthSummary struct {
	Year    int              `json:"year"`
	Month   time.Month       `json:"month"`
	Plans   []PlanTotals     `json:"plans"`
	Total   Totals           `json:"total"`
	Records []generic.Record `json:"-"`
}

type Aggregator struct {
	deps     Deps
	log      *logging.Logger
	Currency generic.Currency
	TTL      time.Duration
}

func NewAggregator(d Deps) *Aggregator {
	d = d.withDefaults()
	return &Aggregator{
		deps:     d,
		log:      d.Logger.WithComponent(logging.ComponentAggregator),
		Currency: generic.DefaultCurrency,
		TTL:      defaultReportTTL,
	}
}

// YearSummary buckets every record of year by month and by plan.
// Monthly records count under their slot month, installments under the
// month they were recorded.
func (a *Aggregator) YearSummary(ctx context.Context, year int) (YearSummary, error) {
	key := fmt.Sprintf("%s%04d", reportKeyPrefix, year)
	var cached YearSummary
	if a.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	recs, plans, err := a.load(ctx, generic.RecordFilter{Year: &year})
	if err != nil {
		return YearSummary{}, err
	}

	s := YearSummary{Year: year, Total: newTotals(a.Currency)}
	s.Months = make([]MonthTotals, 12)
	for i := range s.Months {
		s.Months[i] = MonthTotals{Month: time.Month(i + 1), Totals: newTotals(a.Currency)}
	}
	byPlan := make(map[generic.PlanID]*PlanTotals)
	for _, rec := range recs {
		amount := rec.EffectiveAmount(plans[rec.PlanID])
		s.Months[generic.BucketOf(rec).Month-1].add(rec.Status, amount)
		a.planTotals(byPlan, plans, rec.PlanID).add(rec.Status, amount)
		s.Total.add(rec.Status, amount)
	}
	s.Plans = sortedPlanTotals(byPlan)

	a.toCache(ctx, key, s)
	return s, nil
}

// MonthSummary is one month of YearSummary, broken down by plan, with the
// records themselves for export.
func (a *Aggregator) MonthSummary(ctx context.Context, year int, month time.Month) (MonthSummary, error) {
	if err := (generic.MonthlySlot{Year: year, Month: month}).Validate(); err != nil {
		return MonthSummary{}, err
	}
	recs, plans, err := a.load(ctx, generic.RecordFilter{Year: &year, Month: &month})
	if err != nil {
		return MonthSummary{}, err
	}

	s := MonthSummary{Year: year, Month: month, Total: newTotals(a.Currency), Records: recs}
	byPlan := make(map[generic.PlanID]*PlanTotals)
	for _, rec := range recs {
		amount := rec.EffectiveAmount(plans[rec.PlanID])
		a.planTotals(byPlan, plans, rec.PlanID).add(rec.Status, amount)
		s.Total.add(rec.Status, amount)
	}
	s.Plans = sortedPlanTotals(byPlan)
	return s, nil
}

func (a *Aggregator) load(ctx context.Context, filter generic.RecordFilter) ([]generic.Record, map[generic.PlanID]generic.Plan, error) {
	recs, err := a.deps.Ledger.Query(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	list, err := a.deps.Plans.ListPlans(ctx, false)
	if err != nil {
		return nil, nil, generic.WrapStore("list plans", err)
	}
	plans := make(map[generic.PlanID]generic.Plan, len(list))
	for _, p := range list {
		plans[p.ID] = p
	}
	return recs, plans, nil
}

func (a *Aggregator) planTotals(m map[generic.PlanID]*PlanTotals, plans map[generic.PlanID]generic.Plan, id generic.PlanID) *Totals {
	pt, ok := m[id]
	if !ok {
		name := plans[id].DisplayName
		if name == "" {
			name = string(id)
		}
		pt = &PlanTotals{PlanID: id, PlanName: name, Totals: newTotals(a.Currency)}
		m[id] = pt
	}
	return &pt.Totals
}

func sortedPlanTotals(m map[generic.PlanID]*PlanTotals) []PlanTotals {
	out := make([]PlanTotals, 0, len(m))
	for _, pt := range m {
		out = append(out, *pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanName != out[j].PlanName {
			return out[i].PlanName < out[j].PlanName
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out
}

// Invalidate drops every cached report. Plan edits call it since they
// change names and amounts without touching the ledger.
func (a *Aggregator) Invalidate(ctx context.Context) error {
	return a.deps.Cache.Invalidate(ctx, reportKeyPrefix)
}

// fromCache decodes a cached summary. Cache errors are misses.
func (a *Aggregator) fromCache(ctx context.Context, key string, v any) bool {
	data, ok, err := a.deps.Cache.Get(ctx, key)
	if err != nil {
		a.log.WarnContext(ctx, "report cache read failed", "key", key, logging.FieldError, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		a.log.WarnContext(ctx, "report cache entry unreadable", "key", key, logging.FieldError, err)
		return false
	}
	return true
}

func (a *Aggregator) toCache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := a.deps.Cache.Set(ctx, key, data, a.TTL); err != nil {
		a.log.WarnContext(ctx, "report cache write failed", "key", key, logging.FieldError, err)
	}
}
