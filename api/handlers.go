/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the dues services over REST. Handles HTTP request/response,
  JSON and multipart parsing, and delegates to the dues package.

ENDPOINTS:
  Members:
    GET    /api/members                                  List (?search=, ?active=true)
    POST   /api/members                                  Create member
    GET    /api/members/{id}                             Member details
    DELETE /api/members/{id}                             Deactivate
    GET    /api/members/{id}/records                     Ledger history (?plan_id=, ?status=)
    GET    /api/members/{id}/plans/{planId}/pending      Next unpaid slots (?count=N)
    POST   /api/members/{id}/plans/{planId}/payments     Record a batch (JSON or multipart)

  Plans:
    GET    /api/plans                 List (?active=true)
    POST   /api/plans                 Create from JSON
    POST   /api/plans/presets         Create the season presets (?year=)
    GET    /api/plans/{id}            Plan details with classification
    PUT    /api/plans/{id}            Update
    DELETE /api/plans/{id}            Deactivate

  Records:
    GET    /api/records               Review queue (?status=, ?plan_id=, ?year=, ?month=)
    PATCH  /api/records/{id}          Administrator review (JSON or multipart)
    DELETE /api/records/{id}          Administrator delete
    GET    /api/records/{id}/evidence Signed, time-limited evidence URL
    GET    /api/evidence/{token}      Redeem a signed URL

  Imports & reports:
    POST   /api/imports                        Historical spreadsheet (multipart)
    GET    /api/reports/{year}                 Year summary
    GET    /api/reports/{year}/export.xlsx     Year workbook
    GET    /api/reports/{year}/{month}         Month summary with records

ACTORS:
  Writes read the acting user from X-Actor-ID and X-Actor-Role headers
  (role "member" or "admin", member by default). Authentication happens
  in front of this service; the headers are trusted.

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, invalid input
  - 401: Missing actor
  - 403: Role not allowed, invalid evidence token
  - 404: Member, plan, record or document not found
  - 409: Duplicate slot or national ID
  - 503: Store failure
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
	"github.com/warp/dues-engine/tabular"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"

	maxUploadBytes = 32 << 20
	evidenceField  = "evidence"
)

var (
	errNoActor   = errors.New("missing " + headerActorID + " header")
	errForbidden = errors.New("not allowed for this actor")
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options carries the optional collaborators of a Handler.
type Options struct {
	Evidence evidence.Store
	Signer   *evidence.Signer
	Events   events.Publisher
	Cache    cache.Cache
	Sheets   *tabular.SheetsReader
	Clock    generic.Clock
	Logger   *logging.Logger
	Resolve  dues.ResolveOptions

	// ReportTTL overrides how long year summaries stay cached.
	ReportTTL time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	backend  generic.Backend
	ledger   generic.Ledger
	resolver *dues.Resolver
	recorder *dues.Recorder
	reviewer *dues.Reviewer
	importer *dues.Importer
	reports  *dues.Aggregator
	plans    *factory.PlanFactory
	evidence evidence.Store
	signer   *evidence.Signer
	sheets   *tabular.SheetsReader
	clock    generic.Clock
	log      *logging.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler builds the dues services on top of backend.
func NewHandler(backend generic.Backend, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	ledger := generic.NewLedger(backend, opts.Clock)
	deps := dues.Deps{
		Ledger:   ledger,
		Members:  backend,
		Plans:    backend,
		Evidence: opts.Evidence,
		Events:   opts.Events,
		Cache:    opts.Cache,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	}
	resolver := dues.NewResolver(deps)
	resolver.Options = opts.Resolve
	reports := dues.NewAggregator(deps)
	if opts.ReportTTL > 0 {
		reports.TTL = opts.ReportTTL
	}

	return &Handler{
		backend:  backend,
		ledger:   ledger,
		resolver: resolver,
		recorder: dues.NewRecorder(deps),
		reviewer: dues.NewReviewer(deps),
		importer: dues.NewImporter(deps),
		reports:  reports,
		plans:    factory.NewPlanFactory(opts.Clock),
		evidence: opts.Evidence,
		signer:   opts.Signer,
		sheets:   opts.Sheets,
		clock:    opts.Clock,
		log:      opts.Logger.WithComponent(logging.ComponentHTTP),
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	members, err := h.backend.ListMembers(r.Context(), generic.MemberFilter{
		Search:     q.Get("search"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		h.fail(w, r, "Failed to list members", err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.backend.GetMember(r.Context(), generic.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot create member", err)
		return
	}
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || generic.NormalizeNationalID(req.NationalID) == "" {
		writeError(w, http.StatusBadRequest, "name and national_id are required", nil)
		return
	}

	m := generic.Member{
		ID:         generic.MemberID(req.ID),
		NationalID: strings.TrimSpace(req.NationalID),
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
		Active:     true,
		CreatedAt:  h.clock.Now(),
	}
	if m.ID == "" {
		m.ID = generic.MemberID(uuid.NewString())
	}
	if req.EnrollmentDate != "" {
		d, err := time.Parse("2006-01-02", req.EnrollmentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid enrollment_date format (use YYYY-MM-DD)", err)
			return
		}
		m.EnrollmentDate = &d
	}

	if err := h.backend.CreateMember(r.Context(), m); err != nil {
		h.fail(w, r, "Failed to create member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// DeactivateMember blocks new payments for a member. Members are never
// deleted; their records stay in the ledger, history and search.
func (h *Handler) DeactivateMember(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot deactivate member", err)
		return
	}
	ctx := r.Context()
	m, err := h.backend.GetMember(ctx, generic.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get member", err)
		return
	}
	m.Active = false
	if err := h.backend.UpdateMember(ctx, m); err != nil {
		h.fail(w, r, "Failed to update member", err)
		return
	}
	h.log.InfoContext(ctx, "member deactivated", logging.FieldMemberID, m.ID)
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.backend.ListPlans(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.fail(w, r, "Failed to list plans", err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = h.plans.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.backend.GetPlan(r.Context(), generic.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, h.plans.ToJSON(p))
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot create plan", err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	p, err := h.plans.ParsePlan(string(body))
	if err != nil {
		h.fail(w, r, "Invalid plan", err)
		return
	}
	if err := h.backend.CreatePlan(r.Context(), p); err != nil {
		h.fail(w, r, "Failed to create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.plans.ToJSON(p))
}

// CreatePresetPlans creates the usual season plans, skipping names that
// already exist.
func (h *Handler) CreatePresetPlans(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot create plans", err)
		return
	}
	year := generic.CurrentYear(h.clock)
	if s := r.URL.Query().Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = y
	}

	ctx := r.Context()
	existing, err := h.backend.ListPlans(ctx, false)
	if err != nil {
		h.fail(w, r, "Failed to list plans", err)
		return
	}
	created := []PlanDTO{}
	for _, pj := range factory.ClubPlans(year) {
		if _, ok := dues.MatchPlan(existing, pj.DisplayName); ok {
			continue
		}
		p, err := h.plans.FromJSON(pj)
		if err != nil {
			h.fail(w, r, "Invalid preset", err)
			return
		}
		if err := h.backend.CreatePlan(ctx, p); err != nil {
			h.fail(w, r, "Failed to create plan", err)
			return
		}
		existing = append(existing, p)
		created = append(created, h.plans.ToJSON(p))
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot update plan", err)
		return
	}
	var pj factory.PlanJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()
	p, err := h.backend.GetPlan(ctx, generic.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	p, err = h.plans.Merge(p, pj)
	if err != nil {
		h.fail(w, r, "Invalid plan", err)
		return
	}
	h.savePlan(w, r, p)
}

// DeactivatePlan hides a plan from resolution and recording. Its records
// stay in the ledger and in reports.
func (h *Handler) DeactivatePlan(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFrom(r); err != nil {
		h.fail(w, r, "Cannot deactivate plan", err)
		return
	}
	p, err := h.backend.GetPlan(r.Context(), generic.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	p.Active = false
	p.UpdatedAt = h.clock.Now()
	h.savePlan(w, r, p)
}

func (h *Handler) savePlan(w http.ResponseWriter, r *http.Request, p generic.Plan) {
	ctx := r.Context()
	if err := h.backend.UpdatePlan(ctx, p); err != nil {
		h.fail(w, r, "Failed to update plan", err)
		return
	}
	if err := h.reports.Invalidate(ctx); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "report cache invalidation failed", logging.FieldError, err)
	}
	writeJSON(w, http.StatusOK, h.plans.ToJSON(p))
}

// =============================================================================
// PENDING & PAYMENTS
// =============================================================================

// GetPending returns the next unpaid slots for a member on a plan.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	memberID := generic.MemberID(chi.URLParam(r, "id"))
	planID := generic.PlanID(chi.URLParam(r, "planId"))
	count := 1
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid count", err)
			return
		}
		count = n
	}

	ctx := r.Context()
	slots, err := h.resolver.ResolvePending(ctx, memberID, planID, count)
	if err != nil {
		h.fail(w, r, "Failed to resolve pending slots", err)
		return
	}
	plan, err := h.backend.GetPlan(ctx, planID)
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	resp := PendingResponse{
		MemberID: string(memberID),
		PlanID:   string(planID),
		PlanKind: string(dues.Classify(plan).Kind),
		Slots:    make([]SlotDTO, len(slots)),
	}
	for i, s := range slots {
		resp.Slots[i] = toSlotDTO(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordPayments writes one record per requested slot. A JSON body carries
// no evidence; a multipart body may attach "evidence" for every slot and
// "evidence_<slot>" for a single one.
func (h *Handler) RecordPayments(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.fail(w, r, "Cannot record payments", err)
		return
	}

	var body RecordPaymentsRequest
	req := dues.PaymentRequest{
		MemberID: generic.MemberID(chi.URLParam(r, "id")),
		PlanID:   generic.PlanID(chi.URLParam(r, "planId")),
		Actor:    actor,
	}
	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
			return
		}
		body = paymentFromForm(r.MultipartForm)
		shared, perSlot, err := evidenceFromForm(r.MultipartForm)
		if err != nil {
			h.fail(w, r, "Invalid evidence", err)
			return
		}
		req.SharedEvidence, req.SlotEvidence = shared, perSlot
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Slots, err = parseSlots(body.Slots); err != nil {
		h.fail(w, r, "Invalid slots", err)
		return
	}
	if req.AmountPerSlot, err = parseOptionalAmount(body.Amount); err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}
	req.Status = generic.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	req.Note = body.Note

	res, err := h.recorder.Record(r.Context(), req)
	dto := toRecordResultDTO(res)
	if err != nil {
		if generic.IsStoreError(err) {
			logging.FromContext(r.Context()).ErrorContext(r.Context(), "payment batch aborted",
				logging.FieldMemberID, req.MemberID,
				logging.FieldPlanID, req.PlanID,
				logging.FieldError, err)
			dto.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, dto)
			return
		}
		h.fail(w, r, "Failed to record payments", err)
		return
	}

	status := http.StatusOK
	if len(res.Inserted) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto)
}

func paymentFromForm(form *multipart.Form) RecordPaymentsRequest {
	var body RecordPaymentsRequest
	for _, v := range form.Value["slots"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				body.Slots = append(body.Slots, s)
			}
		}
	}
	if v := formValue(form, "amount"); v != "" {
		body.Amount = &v
	}
	body.Status = formValue(form, "status")
	body.Note = formValue(form, "note")
	return body
}

func evidenceFromForm(form *multipart.Form) (*evidence.Upload, map[string]evidence.Upload, error) {
	var shared *evidence.Upload
	perSlot := make(map[string]evidence.Upload)
	for field, files := range form.File {
		if len(files) == 0 {
			continue
		}
		u, err := readUpload(files[0])
		if err != nil {
			return nil, nil, err
		}
		if field == evidenceField {
			shared = &u
			continue
		}
		key, ok := strings.CutPrefix(field, evidenceField+"_")
		if !ok {
			continue
		}
		slot, err := generic.ParseSlot(key)
		if err != nil {
			return nil, nil, err
		}
		perSlot[slot.Key()] = u
	}
	return shared, perSlot, nil
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

func (h *Handler) GetMemberRecords(w http.ResponseWriter, r *http.Request) {
	memberID := generic.MemberID(chi.URLParam(r, "id"))
	filter, err := recordFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}
	filter.MemberID = &memberID
	h.queryRecords(w, r, filter)
}

// ListRecords is the review queue: every record matching the query.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := recordFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}
	h.queryRecords(w, r, filter)
}

func (h *Handler) queryRecords(w http.ResponseWriter, r *http.Request, filter generic.RecordFilter) {
	recs, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to query records", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

// ReviewRecord applies an administrator's correction.
func (h *Handler) ReviewRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.fail(w, r, "Cannot review record", err)
		return
	}

	var body ReviewRecordRequest
	req := dues.ReviewRequest{RecordID: generic.RecordID(chi.URLParam(r, "id")), Actor: actor}
	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
			return
		}
		body = reviewFromForm(r.MultipartForm)
		if files := r.MultipartForm.File[evidenceField]; len(files) > 0 {
			u, err := readUpload(files[0])
			if err != nil {
				h.fail(w, r, "Invalid evidence", err)
				return
			}
			req.Evidence = &u
		}
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if body.Status != nil {
		s := generic.Status(strings.ToLower(strings.TrimSpace(*body.Status)))
		req.Status = &s
	}
	if req.Amount, err = parseOptionalAmount(body.Amount); err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}
	req.ClearAmount = body.ClearAmount
	req.Note = body.Note
	if body.Slot != nil {
		if req.Slot, err = generic.ParseSlot(*body.Slot); err != nil {
			h.fail(w, r, "Invalid slot", err)
			return
		}
	}

	rec, err := h.reviewer.Review(r.Context(), req)
	if err != nil {
		h.fail(w, r, "Failed to review record", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

func reviewFromForm(form *multipart.Form) ReviewRecordRequest {
	var body ReviewRecordRequest
	if _, ok := form.Value["status"]; ok {
		v := formValue(form, "status")
		body.Status = &v
	}
	if v := formValue(form, "amount"); v != "" {
		body.Amount = &v
	}
	body.ClearAmount = formValue(form, "clear_amount") == "true"
	if _, ok := form.Value["note"]; ok {
		v := formValue(form, "note")
		body.Note = &v
	}
	if v := formValue(form, "slot"); v != "" {
		body.Slot = &v
	}
	return body
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.fail(w, r, "Cannot delete record", err)
		return
	}
	if err := h.reviewer.Delete(r.Context(), generic.RecordID(chi.URLParam(r, "id")), actor); err != nil {
		h.fail(w, r, "Failed to delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EVIDENCE
// =============================================================================

// GetEvidenceURL signs a short-lived download URL for a record's document.
// Administrators may fetch any record's evidence, members only their own.
func (h *Handler) GetEvidenceURL(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.fail(w, r, "Cannot fetch evidence", err)
		return
	}
	if h.signer == nil || h.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "Evidence storage is not configured", nil)
		return
	}
	rec, err := h.ledger.Get(r.Context(), generic.RecordID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get record", err)
		return
	}
	if !actor.IsAdmin() && actor.ID != string(rec.MemberID) {
		h.fail(w, r, "Cannot fetch evidence", errForbidden)
		return
	}
	if !rec.Evidence.Retrievable() {
		writeError(w, http.StatusNotFound, "Record has no retrievable evidence", nil)
		return
	}
	token, exp, err := h.signer.Sign(string(rec.Evidence))
	if err != nil {
		h.fail(w, r, "Failed to sign evidence URL", err)
		return
	}
	writeJSON(w, http.StatusOK, EvidenceURLResponse{URL: "/api/evidence/" + token, ExpiresAt: exp})
}

// DownloadEvidence redeems a signed token. The token is the only
// credential checked.
func (h *Handler) DownloadEvidence(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil || h.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "Evidence storage is not configured", nil)
		return
	}
	key, err := h.signer.Verify(chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, r, "Invalid evidence link", err)
		return
	}
	obj, err := h.evidence.Get(r.Context(), key)
	if err != nil {
		h.fail(w, r, "Failed to get evidence", err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(obj.Key)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Data)
}

// =============================================================================
// IMPORTS
// =============================================================================

// ImportRecords loads a historical spreadsheet for one (month, year).
// The rows come from an uploaded "file" (.xlsx or .csv), or from
// "sheet_id" and "range" when Google Sheets is configured.
func (h *Handler) ImportRecords(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.fail(w, r, "Cannot import", err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
		return
	}
	form := r.MultipartForm

	month, err := strconv.Atoi(formValue(form, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	year := generic.CurrentYear(h.clock)
	if s := formValue(form, "year"); s != "" {
		if year, err = strconv.Atoi(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
	}

	table, err := h.importTable(r.Context(), form)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read spreadsheet", err)
		return
	}

	res, err := h.importer.Import(r.Context(), dues.ImportRequest{
		Rows:       dues.RowsFromTable(table.Header, table.Rows),
		Plan:       formValue(form, "plan"),
		Month:      time.Month(month),
		Year:       year,
		CreatePlan: formValue(form, "create_plan") == "true",
		Concept:    formValue(form, "concept"),
		Actor:      actor,
	})
	dto := toImportResultDTO(res)
	if err != nil {
		if generic.IsStoreError(err) {
			dto.Aborted = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, dto)
			return
		}
		h.fail(w, r, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) importTable(ctx context.Context, form *multipart.Form) (tabular.Table, error) {
	if files := form.File["file"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return tabular.Table{}, err
		}
		defer f.Close()
		return tabular.Read(f, files[0].Filename)
	}
	if id := formValue(form, "sheet_id"); id != "" {
		if h.sheets == nil {
			return tabular.Table{}, errors.New("google sheets is not configured")
		}
		return h.sheets.ReadRange(ctx, id, formValue(form, "range"))
	}
	return tabular.Table{}, errors.New("either file or sheet_id is required")
}

// =============================================================================
// REPORTS
// =============================================================================

type monthReport struct {
	dues.MonthSummary
	Records []RecordDTO `json:"records"`
}

func (h *Handler) GetYearReport(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	s, err := h.reports.YearSummary(r.Context(), year)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) GetMonthReport(w http.ResponseWriter, r *http.Request) {
	year, errY := strconv.Atoi(chi.URLParam(r, "year"))
	month, errM := strconv.Atoi(chi.URLParam(r, "month"))
	if err := errors.Join(errY, errM); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year or month", err)
		return
	}
	s, err := h.reports.MonthSummary(r.Context(), year, time.Month(month))
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, monthReport{MonthSummary: s, Records: toRecordDTOs(s.Records)})
}

// ExportYearReport streams the year workbook with a detail sheet.
func (h *Handler) ExportYearReport(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	ctx := r.Context()
	s, err := h.reports.YearSummary(ctx, year)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	rows, err := h.exportRows(ctx, year)
	if err != nil {
		h.fail(w, r, "Failed to load records", err)
		return
	}

	var buf bytes.Buffer
	if err := tabular.WriteYearReport(&buf, s, rows); err != nil {
		h.fail(w, r, "Failed to write workbook", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"cuotas-%d.xlsx\"", year))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) exportRows(ctx context.Context, year int) ([]tabular.RecordRow, error) {
	recs, err := h.ledger.Query(ctx, generic.RecordFilter{Year: &year})
	if err != nil {
		return nil, err
	}
	members, err := h.backend.ListMembers(ctx, generic.MemberFilter{})
	if err != nil {
		return nil, generic.WrapStore("list members", err)
	}
	plans, err := h.backend.ListPlans(ctx, false)
	if err != nil {
		return nil, generic.WrapStore("list plans", err)
	}
	memberByID := make(map[generic.MemberID]generic.Member, len(members))
	for _, m := range members {
		memberByID[m.ID] = m
	}
	planByID := make(map[generic.PlanID]generic.Plan, len(plans))
	for _, p := range plans {
		planByID[p.ID] = p
	}

	rows := make([]tabular.RecordRow, len(recs))
	for i, rec := range recs {
		m, p := memberByID[rec.MemberID], planByID[rec.PlanID]
		rows[i] = tabular.RecordRow{
			Member:     m.Name,
			NationalID: m.NationalID,
			Plan:       p.DisplayName,
			Slot:       rec.Slot.String(),
			Amount:     rec.EffectiveAmount(p).Value.InexactFloat64(),
			Status:     string(rec.Status),
			RecordedAt: rec.CreatedAt,
		}
	}
	return rows, nil
}

// Health reports whether the service and its database are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.backend.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its status code. Server-side failures are
// logged with the request's logger.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), message, logging.FieldError, err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	var ve *generic.ValidationError
	switch {
	case errors.Is(err, errNoActor):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden), errors.Is(err, evidence.ErrInvalidToken):
		return http.StatusForbidden
	case errors.As(err, &ve) && ve.Field == "actor":
		return http.StatusForbidden
	case generic.IsValidation(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsDuplicate(err):
		return http.StatusConflict
	case generic.IsStoreError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// actorFrom reads the acting user from request headers.
func actorFrom(r *http.Request) (generic.Actor, error) {
	a := generic.Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
		Role: generic.ActorRole(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole)))),
	}
	if a.ID == "" {
		return a, errNoActor
	}
	if a.Role == "" {
		a.Role = generic.RoleMember
	}
	if a.Role == generic.RoleSystem {
		return a, &generic.ValidationError{Field: "actor", Message: "system role cannot be used over HTTP"}
	}
	return a, a.Validate()
}

func (h *Handler) adminFrom(r *http.Request) (generic.Actor, error) {
	a, err := actorFrom(r)
	if err != nil {
		return a, err
	}
	if !a.IsAdmin() {
		return a, &generic.ValidationError{Field: "actor", Message: "administrator role required"}
	}
	return a, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func formValue(form *multipart.Form, name string) string {
	if vs := form.Value[name]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func readUpload(fh *multipart.FileHeader) (evidence.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return evidence.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return evidence.Upload{}, err
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = evidence.ContentTypeFor(fh.Filename)
	}
	return evidence.Upload{Filename: fh.Filename, ContentType: ct, Data: data}, nil
}

func parseSlots(keys []string) ([]generic.Slot, error) {
	slots := make([]generic.Slot, 0, len(keys))
	for _, k := range keys {
		s, err := generic.ParseSlot(k)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, nil
}

func parseOptionalAmount(s *string) (*generic.Amount, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	a, err := generic.ParseAmount(*s, generic.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func recordFilter(r *http.Request) (generic.RecordFilter, error) {
	q := r.URL.Query()
	var f generic.RecordFilter
	if v := q.Get("plan_id"); v != "" {
		id := generic.PlanID(v)
		f.PlanID = &id
	}
	for _, v := range q["status"] {
		s := generic.Status(strings.ToLower(v))
		if !s.Valid() {
			return f, &generic.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", v)}
		}
		f.Statuses = append(f.Statuses, s)
	}
	if v := q.Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return f, &generic.ValidationError{Field: "year", Message: fmt.Sprintf("invalid year %q", v)}
		}
		f.Year = &y
	}
	if v := q.Get("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			return f, &generic.ValidationError{Field: "month", Message: fmt.Sprintf("invalid month %q", v)}
		}
		month := time.Month(m)
		f.Month = &month
	}
	return f, nil
}
