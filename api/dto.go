/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SLOTS ON THE WIRE:
  A slot is sent as its key: "2024-05" for a month, "#3" (or "3") for an
  installment. Responses also spell out kind, year/month or number and a
  readable label.

VALIDATION:
  Validation is done in handlers and the dues package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/plan.go: PlanJSON type
*/
package api

import (
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID             string  `json:"id"`
	NationalID     string  `json:"national_id"`
	Name           string  `json:"name"`
	Email          string  `json:"email,omitempty"`
	EnrollmentDate *string `json:"enrollment_date,omitempty"` // YYYY-MM-DD
	Active         bool    `json:"active"`
}

type CreateMemberRequest struct {
	ID             string `json:"id,omitempty"`
	NationalID     string `json:"national_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	EnrollmentDate string `json:"enrollment_date,omitempty"`
}

func toMemberDTO(m generic.Member) MemberDTO {
	dto := MemberDTO{
		ID:         string(m.ID),
		NationalID: m.NationalID,
		Name:       m.Name,
		Email:      m.Email,
		Active:     m.Active,
	}
	if m.EnrollmentDate != nil {
		s := m.EnrollmentDate.Format("2006-01-02")
		dto.EnrollmentDate = &s
	}
	return dto
}

// =============================================================================
// PLANS
// =============================================================================

// PlanDTO is the factory's JSON form, classification included.
type PlanDTO = factory.PlanJSON

// =============================================================================
// SLOTS & RECORDS
// =============================================================================

type SlotDTO struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Year   int    `json:"year,omitempty"`
	Month  int    `json:"month,omitempty"`
	Number int    `json:"number,omitempty"`
	Label  string `json:"label"`
}

func toSlotDTO(s generic.Slot) SlotDTO {
	dto := SlotDTO{Key: s.Key(), Kind: string(s.Kind()), Label: s.String()}
	switch v := s.(type) {
	case generic.MonthlySlot:
		dto.Year, dto.Month = v.Year, int(v.Month)
	case generic.OrdinalSlot:
		dto.Number = v.Number
	}
	return dto
}

type PendingResponse struct {
	MemberID string    `json:"member_id"`
	PlanID   string    `json:"plan_id"`
	PlanKind string    `json:"plan_kind"`
	Slots    []SlotDTO `json:"slots"`
}

type RecordDTO struct {
	ID          string          `json:"id"`
	MemberID    string          `json:"member_id"`
	PlanID      string          `json:"plan_id"`
	Slot        SlotDTO         `json:"slot"`
	Amount      *generic.Amount `json:"amount_charged,omitempty"`
	Status      string          `json:"status"`
	HasEvidence bool            `json:"has_evidence"`
	Imported    bool            `json:"imported"`
	Note        string          `json:"note,omitempty"`
	CreatedBy   string          `json:"created_by"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toRecordDTO(r generic.Record) RecordDTO {
	return RecordDTO{
		ID:          string(r.ID),
		MemberID:    string(r.MemberID),
		PlanID:      string(r.PlanID),
		Slot:        toSlotDTO(r.Slot),
		Amount:      r.AmountCharged,
		Status:      string(r.Status),
		HasEvidence: r.Evidence.Retrievable(),
		Imported:    r.Evidence == generic.EvidenceImported,
		Note:        r.Note,
		CreatedBy:   r.CreatedBy,
		ReviewedBy:  r.ReviewedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRecordDTOs(recs []generic.Record) []RecordDTO {
	out := make([]RecordDTO, len(recs))
	for i, r := range recs {
		out[i] = toRecordDTO(r)
	}
	return out
}

// RecordPaymentsRequest is the JSON body of a payment registration.
// Multipart requests carry the same fields as form values.
type RecordPaymentsRequest struct {
	Slots  []string `json:"slots"`
	Amount *string  `json:"amount,omitempty"`
	Status string   `json:"status,omitempty"`
	Note   string   `json:"note,omitempty"`
}

type SkippedDTO struct {
	Slot       SlotDTO `json:"slot"`
	ExistingID string  `json:"existing_id,omitempty"`
	InBatch    bool    `json:"in_batch,omitempty"`
	Message    string  `json:"message"`
}

type FailedDTO struct {
	Slot  SlotDTO `json:"slot"`
	Error string  `json:"error"`
}

type RecordResultDTO struct {
	Inserted     []RecordDTO  `json:"inserted"`
	Skipped      []SkippedDTO `json:"skipped"`
	Failed       []FailedDTO  `json:"failed"`
	NotAttempted []SlotDTO    `json:"not_attempted"`
	Error        string       `json:"error,omitempty"`
}

func toRecordResultDTO(res dues.RecordResult) RecordResultDTO {
	dto := RecordResultDTO{
		Inserted:     toRecordDTOs(res.Inserted),
		Skipped:      make([]SkippedDTO, len(res.Skipped)),
		Failed:       make([]FailedDTO, len(res.Failed)),
		NotAttempted: make([]SlotDTO, len(res.NotAttempted)),
	}
	for i, s := range res.Skipped {
		msg := "already recorded, skipped"
		if s.InBatch {
			msg = "repeated in request, skipped"
		}
		dto.Skipped[i] = SkippedDTO{Slot: toSlotDTO(s.Slot), ExistingID: string(s.ExistingID), InBatch: s.InBatch, Message: msg}
	}
	for i, f := range res.Failed {
		dto.Failed[i] = FailedDTO{Slot: toSlotDTO(f.Slot), Error: f.Err.Error()}
	}
	for i, s := range res.NotAttempted {
		dto.NotAttempted[i] = toSlotDTO(s)
	}
	return dto
}

// ReviewRecordRequest is the body of PATCH /records/{id}. Omitted fields
// are unchanged; evidence replacement uses multipart.
type ReviewRecordRequest struct {
	Status      *string `json:"status,omitempty"`
	Amount      *string `json:"amount,omitempty"`
	ClearAmount bool    `json:"clear_amount,omitempty"`
	Note        *string `json:"note,omitempty"`
	Slot        *string `json:"slot,omitempty"`
}

type EvidenceURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// =============================================================================
// IMPORTS
// =============================================================================

type RowErrorDTO struct {
	Line       int    `json:"line"`
	NationalID string `json:"national_id,omitempty"`
	Error      string `json:"error"`
}

type ImportResultDTO struct {
	PlanID       string        `json:"plan_id"`
	PlanName     string        `json:"plan_name"`
	PlanCreated  bool          `json:"plan_created"`
	SuccessCount int           `json:"success_count"`
	ErrorCount   int           `json:"error_count"`
	Errors       []RowErrorDTO `json:"errors"`
	Aborted      string        `json:"aborted,omitempty"`
}

func toImportResultDTO(res dues.ImportResult) ImportResultDTO {
	dto := ImportResultDTO{
		PlanID:       string(res.Plan.ID),
		PlanName:     res.Plan.DisplayName,
		PlanCreated:  res.PlanCreated,
		SuccessCount: res.SuccessCount,
		ErrorCount:   res.ErrorCount,
		Errors:       make([]RowErrorDTO, len(res.Errors)),
	}
	for i, e := range res.Errors {
		dto.Errors[i] = RowErrorDTO{Line: e.Line, NationalID: e.NationalID, Error: e.Err.Error()}
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
