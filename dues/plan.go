/*
plan.go - Plan classification from free-text names

PURPOSE:
  Resolution behavior depends on what a plan's name says. A plan is
  either monthly-recurring or fixed-installment, and a monthly plan whose
  name carries a concrete month and year ("Cuota Mensual Marzo 2024") is a
  specific override for that single month.

  Everything that reads plan names for meaning goes through ClassifyPlan.
  Renaming rules live here and nowhere else.

RULES:
  1. Monthly:   concept or display name contains a cycle word
                (mensual, mensualidad, mes, monthly, month, ...)
  2. Specific:  monthly AND display name has a month name AND a 20xx year
  3. Year:      a standalone 20xx token in the display name scopes a generic
                plan to that year ("Mensualidad 2024")
  4. Otherwise: fixed-installment

  A month name alone does NOT make a plan monthly ("Inscripción Marzo 2024"
  is a one-off fee). Words are matched whole, case and accent-insensitive.

SEE ALSO:
  - resolver.go: Consumes Classification
  - plan_test.go: Naming edge cases
*/
package dues

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/warp/dues-engine/generic"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type PlanKind string

const (
	PlanFixedInstallment PlanKind = "fixed_installment"
	PlanMonthly          PlanKind = "monthly"
	PlanSpecificMonth    PlanKind = "specific_month"
)

// Classification is everything resolution needs to know about a plan name.
type Classification struct {
	Kind PlanKind
	// YearMarker is the 20xx year in the name, or 0.
	YearMarker int
	// Month is set only for PlanSpecificMonth.
	Month *generic.MonthlySlot
}

func (c Classification) IsMonthly() bool {
	return c.Kind == PlanMonthly || c.Kind == PlanSpecificMonth
}

// SlotKind is the kind of slot records on this plan must use.
func (c Classification) SlotKind() generic.SlotKind {
	if c.IsMonthly() {
		return generic.SlotMonthly
	}
	return generic.SlotOrdinal
}

var yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)

var cycleWords = map[string]bool{
	"mes": true, "meses": true,
	"mensual": true, "mensuales": true,
	"mensualidad": true, "mensualidades": true,
	"month": true, "months": true, "monthly": true,
}

var monthWords = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October, "noviembre": time.November,
	"diciembre": time.December,

	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// ClassifyPlan decides how a plan resolves from its concept and display name.
func ClassifyPlan(concept, displayName string) Classification {
	nameWords := words(displayName)
	conceptWords := words(concept)

	monthly := containsAny(nameWords, cycleWords) || containsAny(conceptWords, cycleWords)

	year := 0
	if m := yearPattern.FindStringSubmatch(displayName); m != nil {
		year, _ = strconv.Atoi(m[1])
	}

	if !monthly {
		return Classification{Kind: PlanFixedInstallment, YearMarker: year}
	}

	if year != 0 {
		for _, w := range nameWords {
			if month, ok := monthWords[w]; ok {
				return Classification{
					Kind:       PlanSpecificMonth,
					YearMarker: year,
					Month:      &generic.MonthlySlot{Year: year, Month: month},
				}
			}
		}
	}
	return Classification{Kind: PlanMonthly, YearMarker: year}
}

// Classify is ClassifyPlan applied to a stored plan.
func Classify(p generic.Plan) Classification {
	return ClassifyPlan(p.Concept, p.DisplayName)
}

// NormalizePlanName folds case, accents and whitespace for name matching.
func NormalizePlanName(name string) string {
	return strings.Join(words(name), " ")
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// words lower-cases, strips accents and splits on anything that is not a
// letter or digit.
func words(s string) []string {
	folded, _, err := transform.String(accentFolder, s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny[V any](ws []string, set map[string]V) bool {
	for _, w := range ws {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// =============================================================================
// INSTALLMENT COUNTS
// =============================================================================

// MonthlyInstallmentCount is how many months of year a member owes:
// 12 minus the months before enrollment. A nil enrollment owes all 12.
func MonthlyInstallmentCount(enrollment *time.Time, year int) int {
	if enrollment == nil {
		return 12
	}
	e := enrollment.UTC()
	switch {
	case e.Year() < year:
		return 12
	case e.Year() > year:
		return 0
	default:
		return 12 - int(e.Month()) + 1
	}
}
