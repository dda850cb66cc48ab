package generic

import (
	"sort"
	"time"
)

// =============================================================================
// PERIOD - A [Fom, Tom] date range, inclusive
// =============================================================================

// Period is an inclusive date range. Claim-basis periods are always exactly
// one calendar month; use MonthPeriod and AsMonth to move between the two.
type Period struct {
	Fom time.Time
	Tom time.Time
}

func MonthPeriod(m Month) Period { return Period{Fom: m.First(), Tom: m.Last()} }

// AsMonth returns the month the period covers, and false if the period is not
// exactly one whole calendar month.
func (p Period) AsMonth() (Month, bool) {
	fom, tom := Date(p.Fom), Date(p.Tom)
	m := MonthOf(fom)
	if !fom.Equal(m.First()) || !tom.Equal(m.Last()) {
		return Month{}, false
	}
	return m, true
}

// Valid is false when Tom is before Fom.
func (p Period) Valid() bool { return !Date(p.Tom).Before(Date(p.Fom)) }

func (p Period) String() string {
	return "[" + p.Fom.Format("2006-01-02") + ", " + p.Tom.Format("2006-01-02") + "]"
}

// =============================================================================
// MONTH SEQUENCES
// =============================================================================

// SortMonths sorts in place, oldest first.
func SortMonths(months []Month) {
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
}

// StrictlyIncreasing reports whether the months are sorted with no duplicates.
// Months are whole calendar periods, so this also means non-overlapping.
func StrictlyIncreasing(months []Month) bool {
	for i := 1; i < len(months); i++ {
		if !months[i-1].Before(months[i]) {
			return false
		}
	}
	return true
}

// MonthSetDiff returns the months in a that are not in b, and those in b that
// are not in a. Both results are sorted.
func MonthSetDiff(a, b []Month) (onlyA, onlyB []Month) {
	inA := make(map[Month]bool, len(a))
	for _, m := range a {
		inA[m] = true
	}
	inB := make(map[Month]bool, len(b))
	for _, m := range b {
		inB[m] = true
		if !inA[m] {
			onlyB = append(onlyB, m)
		}
	}
	for _, m := range a {
		if !inB[m] {
			onlyA = append(onlyA, m)
		}
	}
	SortMonths(onlyA)
	SortMonths(onlyB)
	return onlyA, onlyB
}
