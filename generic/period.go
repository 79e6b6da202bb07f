package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SLOT - The address of a payment within a plan
// =============================================================================

// Slot identifies which period or installment a record pays for.
//
// A record is addressed by exactly one of:
//   - MonthlySlot: a calendar month (e.g., May 2024)
//   - OrdinalSlot: an installment number (e.g., installment #3)
//
// The interface is closed: only the two types in this file implement it.
type Slot interface {
	Kind() SlotKind
	// Key is the canonical string used for uniqueness and wire transfer.
	Key() string
	// Descriptor is the filesystem-safe label used in evidence keys.
	Descriptor() string
	Validate() error
	String() string

	isSlot()
}

type SlotKind string

const (
	SlotMonthly SlotKind = "monthly"
	SlotOrdinal SlotKind = "ordinal"
)

// =============================================================================
// MONTHLY SLOT
// =============================================================================

type MonthlySlot struct {
	Year  int
	Month time.Month
}

func (MonthlySlot) isSlot()          {}
func (MonthlySlot) Kind() SlotKind   { return SlotMonthly }
func (s MonthlySlot) Key() string    { return fmt.Sprintf("%04d-%02d", s.Year, int(s.Month)) }
func (s MonthlySlot) String() string { return fmt.Sprintf("%s %d", s.Month, s.Year) }

func (s MonthlySlot) Descriptor() string {
	return fmt.Sprintf("%04d_%02d", s.Year, int(s.Month))
}

func (s MonthlySlot) Validate() error {
	if s.Month < time.January || s.Month > time.December {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("month %d out of range 1-12", int(s.Month))}
	}
	if s.Year < 1900 || s.Year > 9999 {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("year %d out of range", s.Year)}
	}
	return nil
}

// Next returns the following month, rolling December into January.
func (s MonthlySlot) Next() MonthlySlot { return s.AddMonths(1) }

func (s MonthlySlot) AddMonths(n int) MonthlySlot {
	idx := s.index() + n
	return MonthlySlot{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

func (s MonthlySlot) Before(other MonthlySlot) bool { return s.index() < other.index() }
func (s MonthlySlot) After(other MonthlySlot) bool  { return s.index() > other.index() }

// Start is midnight UTC on the first day of the month.
func (s MonthlySlot) Start() time.Time {
	return time.Date(s.Year, s.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (s MonthlySlot) index() int { return s.Year*12 + int(s.Month) - 1 }

// MonthOf returns the slot containing t.
func MonthOf(t time.Time) MonthlySlot {
	return MonthlySlot{Year: t.Year(), Month: t.Month()}
}

// =============================================================================
// ORDINAL SLOT
// =============================================================================

type OrdinalSlot struct {
	Number int
}

func (OrdinalSlot) isSlot()          {}
func (OrdinalSlot) Kind() SlotKind   { return SlotOrdinal }
func (s OrdinalSlot) Key() string    { return "#" + strconv.Itoa(s.Number) }
func (s OrdinalSlot) String() string { return "installment " + strconv.Itoa(s.Number) }

func (s OrdinalSlot) Descriptor() string {
	return "installment_" + strconv.Itoa(s.Number)
}

func (s OrdinalSlot) Validate() error {
	if s.Number < 1 {
		return &ValidationError{Field: "installment", Message: fmt.Sprintf("installment number %d must be >= 1", s.Number)}
	}
	return nil
}

func (s OrdinalSlot) Next() OrdinalSlot { return OrdinalSlot{Number: s.Number + 1} }

// =============================================================================
// PARSING
// =============================================================================

// ParseSlot reads a slot key: "2024-05" is monthly, "#3" or "3" is ordinal.
func ParseSlot(key string) (Slot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &ValidationError{Field: "slot", Message: "slot is empty"}
	}

	if y, m, ok := strings.Cut(key, "-"); ok {
		year, errY := strconv.Atoi(y)
		month, errM := strconv.Atoi(m)
		if errY != nil || errM != nil {
			return nil, &ValidationError{Field: "slot", Message: fmt.Sprintf("invalid monthly slot %q", key)}
		}
		s := MonthlySlot{Year: year, Month: time.Month(month)}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}

	n, err := strconv.Atoi(strings.TrimPrefix(key, "#"))
	if err != nil {
		return nil, &ValidationError{Field: "slot", Message: fmt.Sprintf("invalid slot %q", key)}
	}
	s := OrdinalSlot{Number: n}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SameSlot reports whether two slots address the same payment.
func SameSlot(a, b Slot) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && a.Key() == b.Key()
}

// CompareSlots orders slots of the same kind chronologically. Monthly slots
// sort before ordinal slots when kinds differ.
func CompareSlots(a, b Slot) int {
	if a.Kind() != b.Kind() {
		if a.Kind() == SlotMonthly {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case MonthlySlot:
		bv := b.(MonthlySlot)
		return av.index() - bv.index()
	case OrdinalSlot:
		return av.Number - b.(OrdinalSlot).Number
	}
	return 0
}
