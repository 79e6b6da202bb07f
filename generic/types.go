/*
Package generic provides the core payment-ledger engine.

PURPOSE:
  This package contains the types and storage contracts shared by every
  part of the dues engine: members, plans, ledger records and the slot
  addressing scheme. It knows nothing about how plans are classified or
  how pending periods are derived; that lives in the dues package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary value with a currency (e.g., 15000 CLP)
  - Record: One ledger row, addressed by (member, plan, slot)
  - Member / Plan: Identity and plan definitions the ledger refers to
  - Actor: Who performed a write (threaded explicitly, never ambient)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for money
  2. Type Safety: Distinct ID types for members, plans and records
  3. Explicit addressing: A record is addressed by a Slot sum type, never
     by a pair of nullable columns
  4. Auditability: Every record carries who created and who reviewed it

USAGE:
  rec := generic.Record{
      MemberID: "m-1",
      PlanID:   "plan-2024",
      Slot:     generic.MonthlySlot{Year: 2024, Month: time.May},
      Status:   generic.StatusPending,
  }

SEE ALSO:
  - period.go: Slot addressing (monthly vs ordinal)
  - errors.go: Error kinds
  - ledger.go: Insert/update rules on top of a Store
*/
package generic

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary value
// =============================================================================

type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

type Currency string

const (
	CurrencyCLP Currency = "CLP"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// DefaultCurrency is used when an amount is parsed without an explicit currency.
const DefaultCurrency = CurrencyCLP

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: currency}
}

func ZeroAmount(currency Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Add(b Amount) Amount {
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency}
}

func (a Amount) Mul(s decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(s), Currency: a.Currency}
}

func (a Amount) IsNegative() bool    { return a.Value.IsNegative() }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }
func (a Amount) IsPositive() bool    { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) String() string      { return a.Value.StringFixed(2) + " " + string(a.Currency) }

// ParseAmount parses a human-entered monetary value.
//
// Accepted forms: "15000", "15.000" (thousands dot), "$ 15.000",
// "1.234,50", "1,234.50", "12,5". When both separators appear the last
// one is the decimal separator. A single dot followed by exactly three
// digits is read as a thousands separator, which is how CLP amounts are
// written.
func ParseAmount(s string, currency Currency) (Amount, error) {
	raw := s
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, string(currency)), strings.ToLower(string(currency)))
	if s == "" {
		return Amount{}, &ValidationError{Field: "amount", Message: "amount is empty"}
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", raw)}
	}
	if d.IsNegative() {
		return Amount{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("negative amount %q", raw)}
	}
	return Amount{Value: d, Currency: currency}, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type PlanID string
type RecordID string

// =============================================================================
// ACTOR - Who performs a write
// =============================================================================

type ActorRole string

const (
	RoleMember ActorRole = "member"
	RoleAdmin  ActorRole = "admin"
	RoleSystem ActorRole = "system"
)

// Actor is passed to every write. There is no ambient "current user".
type Actor struct {
	ID   string
	Role ActorRole
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return &ValidationError{Field: "actor", Message: "actor is required"}
	}
	switch a.Role {
	case RoleMember, RoleAdmin, RoleSystem:
		return nil
	default:
		return &ValidationError{Field: "actor", Message: fmt.Sprintf("unknown actor role %q", a.Role)}
	}
}

// =============================================================================
// MEMBER - Identity from the member directory
// =============================================================================

type Member struct {
	ID             MemberID
	NationalID     string
	Name           string
	Email          string
	EnrollmentDate *time.Time
	Active         bool
	CreatedAt      time.Time
}

// NormalizedNationalID returns the matching key for the member's national ID.
func (m Member) NormalizedNationalID() string { return NormalizeNationalID(m.NationalID) }

// NormalizeNationalID strips every non-alphanumeric character and lower-cases
// the rest, so "11.222.333-K" and "11222333k" compare equal.
func NormalizeNationalID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// =============================================================================
// PLAN - Payment plan definition
// =============================================================================

type Plan struct {
	ID               PlanID
	Concept          string
	DisplayName      string
	UnitAmount       Amount
	InstallmentCount int
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return &ValidationError{Field: "display_name", Message: "plan name is required"}
	}
	if p.UnitAmount.IsNegative() {
		return &ValidationError{Field: "unit_amount", Message: "unit amount cannot be negative"}
	}
	if p.InstallmentCount < 1 {
		return &ValidationError{Field: "installment_count", Message: "installment count must be positive"}
	}
	return nil
}

// =============================================================================
// RECORD - One ledger row
// =============================================================================

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// EvidenceRef points at a stored proof-of-payment object.
type EvidenceRef string

const (
	// EvidenceNone means no document was attached.
	EvidenceNone EvidenceRef = ""
	// EvidenceImported marks rows that came from a bulk import and have no
	// retrievable document.
	EvidenceImported EvidenceRef = "imported:no-document"
)

// Retrievable reports whether the ref names an object in the evidence store.
func (e EvidenceRef) Retrievable() bool {
	return e != EvidenceNone && e != EvidenceImported
}

type Record struct {
	ID            RecordID
	MemberID      MemberID
	PlanID        PlanID
	Slot          Slot
	AmountCharged *Amount // nil falls back to Plan.UnitAmount
	Status        Status
	Evidence      EvidenceRef
	Note          string
	CreatedBy     string
	ReviewedBy    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveAmount is what the record counts for in totals.
func (r Record) EffectiveAmount(plan Plan) Amount {
	if r.AmountCharged != nil {
		return *r.AmountCharged
	}
	return plan.UnitAmount
}

// Validate checks the record's shape before it reaches a store.
func (r Record) Validate() error {
	if r.MemberID == "" {
		return &ValidationError{Field: "member_id", Message: "member is required"}
	}
	if r.PlanID == "" {
		return &ValidationError{Field: "plan_id", Message: "plan is required"}
	}
	if r.Slot == nil {
		return &ValidationError{Field: "slot", Message: "slot is required"}
	}
	if err := r.Slot.Validate(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.AmountCharged != nil && r.AmountCharged.IsNegative() {
		return &ValidationError{Field: "amount", Message: "amount cannot be negative"}
	}
	return nil
}
