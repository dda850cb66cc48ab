/*
reconcile.go - Decisions priced against a claim basis

PURPOSE:
  Reconcile combines the caseworker's Decisions with a Kravgrunnlag and
  produces the amounts that will be sent to the external financial system.
  It is a pure function: no I/O, no clock, errors instead of panics.

RULES PER MONTH:
  Recover (SkalTilbakekreve):
    grossToRecover = grossOverpayment
    taxOffset      = min(trunc(grossToRecover * taxRate / 100), taxPaid)
    netToRecover   = grossToRecover - taxOffset
    waived         = 0
  Waive (SkalIkkeTilbakekreve):
    waived         = grossOverpayment
    grossToRecover = netToRecover = taxOffset = 0

  The month sets of decisions and basis must be equal, otherwise the whole
  reconciliation fails with ErrDecisionsDoNotMatchClaimBasis.

INVARIANTS (checked, reported as ErrInvariantViolation):
  - taxOffset <= taxPaid
  - 0 <= netToRecover <= grossToRecover
  - output months strictly increasing
*/
package vurdering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
)

var (
	ErrDecisionsDoNotMatchClaimBasis = fmt.Errorf("%w: decisions do not match claim basis", generic.ErrValidation)

	// ErrInvariantViolation means the basis or the arithmetic broke a rule
	// that should hold by construction. It is a programming error, not
	// something the caseworker can fix.
	ErrInvariantViolation = errors.New("reconciliation invariant violated")
)

// MismatchError lists the months that prevent reconciliation.
type MismatchError struct {
	MissingDecisions []generic.Month // in the basis, not decided
	NotInClaimBasis  []generic.Month // decided, not in the basis
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.MissingDecisions) > 0 {
		parts = append(parts, "no decision for "+joinMonths(e.MissingDecisions))
	}
	if len(e.NotInClaimBasis) > 0 {
		parts = append(parts, "not in claim basis: "+joinMonths(e.NotInClaimBasis))
	}
	return "decisions do not match claim basis: " + strings.Join(parts, "; ")
}

func (e *MismatchError) Unwrap() error { return ErrDecisionsDoNotMatchClaimBasis }

func joinMonths(months []generic.Month) string {
	s := make([]string, len(months))
	for i, m := range months {
		s[i] = m.String()
	}
	return strings.Join(s, ", ")
}

// =============================================================================
// RECONCILED
// =============================================================================

// PeriodAssessment is one reconciled month (periodevurdering).
type PeriodAssessment struct {
	Month            generic.Month  `json:"maaned"`
	Decision         Decision       `json:"vurdering"`
	PreviousGross    generic.Amount `json:"bruttoTidligereUtbetalt"`
	NewGross         generic.Amount `json:"bruttoNyUtbetaling"`
	GrossOverpayment generic.Amount `json:"bruttoFeilutbetaling"`
	TaxPaid          generic.Amount `json:"betaltSkattForYtelsesgruppen"`
	GrossToRecover   generic.Amount `json:"bruttoSkalTilbakekreve"`
	NetToRecover     generic.Amount `json:"nettoSkalTilbakekreve"`
	TaxOffset        generic.Amount `json:"skattSomGårTilReduksjon"`
	Waived           generic.Amount `json:"bruttoSkalIkkeTilbakekreve"`
}

// Sums are the case-level totals. They are always the sum of the periods.
type Sums struct {
	GrossToRecover generic.Amount `json:"bruttoSkalTilbakekreve"`
	NetToRecover   generic.Amount `json:"nettoSkalTilbakekreve"`
	TaxOffset      generic.Amount `json:"skattSomGårTilReduksjon"`
	Waived         generic.Amount `json:"bruttoSkalIkkeTilbakekreve"`
	TaxPaid        generic.Amount `json:"betaltSkattForYtelsesgruppen"`
	NewGross       generic.Amount `json:"bruttoNyUtbetaling"`
	PreviousGross  generic.Amount `json:"bruttoTidligereUtbetalt"`
}

// Reconciled is the output of Reconcile (vurderinger med krav). It is derived
// from Decisions and a Kravgrunnlag and never stored on its own.
type Reconciled struct {
	EksternKravgrunnlagID string             `json:"eksternKravgrunnlagId"`
	EksternVedtakID       string             `json:"eksternVedtakId"`
	EksternKontrollfelt   string             `json:"eksternKontrollfelt"`
	Periods               []PeriodAssessment `json:"perioder"`
}

// Sums adds up every period.
func (r Reconciled) Sums() Sums {
	var s Sums
	for _, p := range r.Periods {
		s.GrossToRecover = s.GrossToRecover.Add(p.GrossToRecover)
		s.NetToRecover = s.NetToRecover.Add(p.NetToRecover)
		s.TaxOffset = s.TaxOffset.Add(p.TaxOffset)
		s.Waived = s.Waived.Add(p.Waived)
		s.TaxPaid = s.TaxPaid.Add(p.TaxPaid)
		s.NewGross = s.NewGross.Add(p.NewGross)
		s.PreviousGross = s.PreviousGross.Add(p.PreviousGross)
	}
	return s
}

// RecoversAnything is false when every month is waived.
func (r Reconciled) RecoversAnything() bool {
	return r.Sums().GrossToRecover.IsPositive()
}

// =============================================================================
// RECONCILE
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Reconcile prices decisions against the basis. On error no partial result is
// returned.
func Reconcile(decisions Decisions, basis kravgrunnlag.Kravgrunnlag) (Reconciled, error) {
	if decisions.IsEmpty() {
		return Reconciled{}, ErrNoDecisions
	}

	basisMonths := basis.Months()
	if !generic.StrictlyIncreasing(basisMonths) {
		return Reconciled{}, fmt.Errorf("%w: claim basis %s periods are not sorted and disjoint",
			ErrInvariantViolation, basis.EksternKravgrunnlagID)
	}

	missing, extra := generic.MonthSetDiff(basisMonths, decisions.Months())
	if len(missing) > 0 || len(extra) > 0 {
		return Reconciled{}, &MismatchError{MissingDecisions: missing, NotInClaimBasis: extra}
	}

	byMonth := make(map[generic.Month]Decision, decisions.Len())
	for _, d := range decisions.Items() {
		byMonth[d.Month] = d.Decision
	}

	periods := make([]PeriodAssessment, 0, len(basis.Grunnlagsperioder))
	for _, gp := range basis.Grunnlagsperioder {
		p, err := assess(gp, byMonth[gp.Month])
		if err != nil {
			return Reconciled{}, err
		}
		periods = append(periods, p)
	}

	return Reconciled{
		EksternKravgrunnlagID: basis.EksternKravgrunnlagID,
		EksternVedtakID:       basis.EksternVedtakID,
		EksternKontrollfelt:   basis.EksternKontrollfelt,
		Periods:               periods,
	}, nil
}

func assess(gp kravgrunnlag.Grunnlagsperiode, decision Decision) (PeriodAssessment, error) {
	if !gp.GrossOverpayment.Equal(gp.PreviousGross.Sub(gp.NewGross)) {
		return PeriodAssessment{}, fmt.Errorf("%w: %s overpayment %s is not %s - %s",
			ErrInvariantViolation, gp.Month, gp.GrossOverpayment, gp.PreviousGross, gp.NewGross)
	}

	p := PeriodAssessment{
		Month:            gp.Month,
		Decision:         decision,
		PreviousGross:    gp.PreviousGross,
		NewGross:         gp.NewGross,
		GrossOverpayment: gp.GrossOverpayment,
		TaxPaid:          gp.TaxPaid,
	}

	switch decision {
	case Recover:
		p.GrossToRecover = gp.GrossOverpayment
		tax := generic.Amount{Value: gp.GrossOverpayment.Value.Mul(gp.TaxRate).Div(hundred)}
		p.TaxOffset = tax.Truncate().Min(gp.TaxPaid)
		p.NetToRecover = p.GrossToRecover.Sub(p.TaxOffset)
	case Waive:
		p.Waived = gp.GrossOverpayment
	default:
		return PeriodAssessment{}, fmt.Errorf("%w: %q for %s", ErrInvalidDecision, decision, gp.Month)
	}

	switch {
	case p.TaxOffset.GreaterThan(gp.TaxPaid):
		return PeriodAssessment{}, fmt.Errorf("%w: %s tax offset %s exceeds tax paid %s",
			ErrInvariantViolation, gp.Month, p.TaxOffset, gp.TaxPaid)
	case p.TaxOffset.IsNegative(), p.NetToRecover.IsNegative():
		return PeriodAssessment{}, fmt.Errorf("%w: %s negative recovery", ErrInvariantViolation, gp.Month)
	case p.NetToRecover.GreaterThan(p.GrossToRecover):
		return PeriodAssessment{}, fmt.Errorf("%w: %s net %s exceeds gross %s",
			ErrInvariantViolation, gp.Month, p.NetToRecover, p.GrossToRecover)
	}
	return p, nil
}
