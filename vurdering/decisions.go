/*
Package vurdering holds the caseworker's month-by-month recovery decisions and
the reconciliation that turns them, together with a claim basis, into the
amounts that are actually recovered.

KEY CONCEPTS:
  - MonthlyDecision: recover or waive for one calendar month
  - Decisions: a non-empty, sorted, duplicate-free set of monthly decisions
  - Reconciled: the decisions priced against a Kravgrunnlag (see reconcile.go)
*/
package vurdering

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/navikt/su-tilbakekreving/generic"
)

var (
	ErrNoDecisions     = fmt.Errorf("%w: at least one monthly decision is required", generic.ErrValidation)
	ErrDuplicateMonth  = fmt.Errorf("%w: month decided more than once", generic.ErrValidation)
	ErrInvalidDecision = fmt.Errorf("%w: unknown decision", generic.ErrValidation)
)

// Decision is the caseworker's verdict for one month.
type Decision string

const (
	Recover Decision = "SkalTilbakekreve"
	Waive   Decision = "SkalIkkeTilbakekreve"
)

func (d Decision) Valid() bool { return d == Recover || d == Waive }

type MonthlyDecision struct {
	Month    generic.Month `json:"maaned"`
	Decision Decision      `json:"vurdering"`
}

// Decisions is always non-empty, chronological and free of duplicate months.
// Gaps between months are allowed.
type Decisions struct {
	items []MonthlyDecision
}

// NewDecisions sorts the input and rejects empty sets, unknown decisions and
// months that appear twice.
func NewDecisions(items []MonthlyDecision) (Decisions, error) {
	if len(items) == 0 {
		return Decisions{}, ErrNoDecisions
	}
	sorted := make([]MonthlyDecision, len(items))
	copy(sorted, items)

	for _, d := range sorted {
		if !d.Decision.Valid() {
			return Decisions{}, fmt.Errorf("%w: %q for %s", ErrInvalidDecision, d.Decision, d.Month)
		}
		if d.Month.IsZero() {
			return Decisions{}, fmt.Errorf("%w: missing month", generic.ErrValidation)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Month.Before(sorted[j].Month) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Month == sorted[i].Month {
			return Decisions{}, fmt.Errorf("%w: %s", ErrDuplicateMonth, sorted[i].Month)
		}
	}
	return Decisions{items: sorted}, nil
}

func (d Decisions) Items() []MonthlyDecision {
	out := make([]MonthlyDecision, len(d.items))
	copy(out, d.items)
	return out
}

func (d Decisions) Months() []generic.Month {
	months := make([]generic.Month, len(d.items))
	for i, item := range d.items {
		months[i] = item.Month
	}
	return months
}

func (d Decisions) Len() int      { return len(d.items) }
func (d Decisions) IsEmpty() bool { return len(d.items) == 0 }

// MarshalJSON writes the decisions as a plain list.
func (d Decisions) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.items)
}

// UnmarshalJSON re-validates, so a stored list can never bypass NewDecisions.
func (d *Decisions) UnmarshalJSON(b []byte) error {
	var items []MonthlyDecision
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	parsed, err := NewDecisions(items)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
