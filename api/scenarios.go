/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	club data. Each scenario creates members and plans and records a few
	payments through the same Recorder the API uses.

AVAILABLE SCENARIOS:

	season:             Season presets, three members, a few months paid
	midyear-enrollment: A member who joined in June owes from June on
	pending-review:     Member-submitted payments waiting for approval

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create plans via the factory presets
 3. Create members
 4. Record payments as the system actor

The season year is the clock's current year.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Route handlers
  - factory/plan.go: ClubPlans presets
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "season",
		Name:        "Season",
		Description: "Season plans with three members and the first months paid",
	},
	{
		ID:          "midyear-enrollment",
		Name:        "Mid-Year Enrollment",
		Description: "A member enrolled in June owes monthly dues from June only",
	},
	{
		ID:          "pending-review",
		Name:        "Pending Review",
		Description: "Payments submitted by members, waiting for an administrator",
	},
}

var scenarioActor = generic.Actor{ID: "scenario-loader", Role: generic.RoleSystem}

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot load scenario", err)
		return
	}
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "season":
		load = h.loadSeasonScenario
	case "midyear-enrollment":
		load = h.loadMidyearEnrollmentScenario
	case "pending-review":
		load = h.loadPendingReviewScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	logging.FromContext(ctx).InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot reset", err)
		return
	}
	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.backend.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	if err := h.reports.Invalidate(ctx); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "report cache invalidation failed", logging.FieldError, err)
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSeasonScenario(ctx context.Context) error {
	year := generic.CurrentYear(h.clock)
	plans, err := h.createPresets(ctx, year)
	if err != nil {
		return err
	}
	members := []generic.Member{
		{ID: "m-ana", NationalID: "11.222.333-4", Name: "Ana Rojas", Email: "ana@club.cl", EnrollmentDate: generic.DatePtr(year-1, time.March, 1)},
		{ID: "m-bruno", NationalID: "22.333.444-5", Name: "Bruno Díaz", EnrollmentDate: generic.DatePtr(year, time.March, 15)},
		{ID: "m-cata", NationalID: "5.555.555-K", Name: "Catalina Soto"},
	}
	if err := h.createMembers(ctx, members); err != nil {
		return err
	}

	monthly := plans["mensualidad"]
	payments := []dues.PaymentRequest{
		{MemberID: "m-ana", PlanID: monthly, Slots: monthsOf(year, time.January, time.April)},
		{MemberID: "m-bruno", PlanID: monthly, Slots: monthsOf(year, time.March, time.March)},
		{MemberID: "m-ana", PlanID: plans["uniforme"], Slots: []generic.Slot{generic.OrdinalSlot{Number: 1}}},
		{MemberID: "m-ana", PlanID: plans["matricula"], Slots: []generic.Slot{generic.OrdinalSlot{Number: 1}}},
		{MemberID: "m-cata", PlanID: plans["cuota-marzo"], Slots: monthsOf(year, time.March, time.March)},
	}
	for _, p := range payments {
		p.Status = generic.StatusApproved
		if err := h.recordScenario(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadMidyearEnrollmentScenario(ctx context.Context) error {
	year := generic.CurrentYear(h.clock)
	plans, err := h.createPresets(ctx, year)
	if err != nil {
		return err
	}
	members := []generic.Member{
		{ID: "m-diego", NationalID: "16.777.888-9", Name: "Diego Fuentes", EnrollmentDate: generic.DatePtr(year, time.June, 3)},
	}
	if err := h.createMembers(ctx, members); err != nil {
		return err
	}
	return h.recordScenario(ctx, dues.PaymentRequest{
		MemberID: "m-diego",
		PlanID:   plans["mensualidad"],
		Slots:    monthsOf(year, time.June, time.June),
		Status:   generic.StatusApproved,
	})
}

func (h *Handler) loadPendingReviewScenario(ctx context.Context) error {
	year := generic.CurrentYear(h.clock)
	plans, err := h.createPresets(ctx, year)
	if err != nil {
		return err
	}
	members := []generic.Member{
		{ID: "m-elena", NationalID: "9.876.543-2", Name: "Elena Morales", EnrollmentDate: generic.DatePtr(year-2, time.January, 10)},
		{ID: "m-felipe", NationalID: "14.141.414-1", Name: "Felipe Araya", EnrollmentDate: generic.DatePtr(year, time.February, 1)},
	}
	if err := h.createMembers(ctx, members); err != nil {
		return err
	}

	monthly := plans["mensualidad"]
	if err := h.recordScenario(ctx, dues.PaymentRequest{
		MemberID: "m-elena", PlanID: monthly, Slots: monthsOf(year, time.January, time.February), Status: generic.StatusApproved,
	}); err != nil {
		return err
	}
	submitted := []dues.PaymentRequest{
		{MemberID: "m-elena", PlanID: monthly, Slots: monthsOf(year, time.March, time.April), Note: "transferencia"},
		{MemberID: "m-felipe", PlanID: monthly, Slots: monthsOf(year, time.February, time.February), Note: "depósito"},
		{MemberID: "m-felipe", PlanID: plans["uniforme"], Slots: []generic.Slot{generic.OrdinalSlot{Number: 1}}},
	}
	for _, p := range submitted {
		p.Status = generic.StatusPending
		if err := h.recordScenario(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// createPresets creates the season plans and returns their IDs keyed by
// the preset prefix ("mensualidad", "uniforme", ...).
func (h *Handler) createPresets(ctx context.Context, year int) (map[string]generic.PlanID, error) {
	ids := make(map[string]generic.PlanID)
	suffix := fmt.Sprintf("-%d", year)
	for _, pj := range factory.ClubPlans(year) {
		p, err := h.plans.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		if err := h.backend.CreatePlan(ctx, p); err != nil {
			return nil, err
		}
		ids[pj.ID[:len(pj.ID)-len(suffix)]] = p.ID
	}
	return ids, nil
}

func (h *Handler) createMembers(ctx context.Context, members []generic.Member) error {
	for _, m := range members {
		m.Active = true
		m.CreatedAt = h.clock.Now()
		if err := h.backend.CreateMember(ctx, m); err != nil {
			return fmt.Errorf("create member %s: %w", m.ID, err)
		}
	}
	return nil
}

func (h *Handler) recordScenario(ctx context.Context, req dues.PaymentRequest) error {
	req.Actor = scenarioActor
	res, err := h.recorder.Record(ctx, req)
	if err != nil {
		return err
	}
	if !res.Complete() {
		return fmt.Errorf("scenario payment for %s on %s incomplete", req.MemberID, req.PlanID)
	}
	return nil
}

func monthsOf(year int, from, to time.Month) []generic.Slot {
	var slots []generic.Slot
	for m := from; m <= to; m++ {
		slots = append(slots, generic.MonthlySlot{Year: year, Month: m})
	}
	return slots
}
