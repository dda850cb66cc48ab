/*
Package kravgrunnlag models the claim basis issued by the external financial
system (Oppdrag) when it detects an overpayment.

A Kravgrunnlag is an immutable snapshot. It is never edited locally: if the
external system changes its view it sends a new one with a new kontrollfelt,
and the old snapshot is superseded.

KEY CONCEPTS:
  - Kravgrunnlag: the whole claim basis for one sak and one decision
  - Grunnlagsperiode: one month of it (previous, new, overpayment, tax)
  - Status: the external processing status (kodeStatusKrav)
  - RawMessage / RawStore: the unparsed message as delivered, see store.go

SEE ALSO:
  - parser.go: Raw JSON payload to Kravgrunnlag
  - vurdering/reconcile.go: Combines a Kravgrunnlag with decisions
*/
package kravgrunnlag

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/navikt/su-tilbakekreving/generic"
)

// Status is kodeStatusKrav as sent by the external system.
type Status string

const (
	StatusNew          Status = "NY"
	StatusChanged      Status = "ENDR"
	StatusHeld         Status = "SPER"
	StatusManuallyHeld Status = "MANU"
	StatusInError      Status = "FEIL"
	StatusAnnulled     Status = "ANNU"
	StatusAnnulledOmg  Status = "ANOM"
	StatusCompleted    Status = "AVSL"
	StatusArchived     Status = "BEHA"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusChanged, StatusHeld, StatusManuallyHeld, StatusInError,
		StatusAnnulled, StatusAnnulledOmg, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Closed reports whether the external system is done with the basis: it was
// annulled, completed or archived. A closed basis cannot be decided on.
func (s Status) Closed() bool {
	switch s {
	case StatusAnnulled, StatusAnnulledOmg, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Class codes (kodeKlasse) on the lines of a period.
const (
	ClassUfore        = "SUUFORE"
	ClassAlder        = "SUALDER"
	ClassFeilutbetalt = "KL_KODE_FEIL_INNT"
)

// Line types (typeKlasse).
const (
	LineTypeYtelse = "YTEL"
	LineTypeFeil   = "FEIL"
)

// IncomeClassFor maps a ytelse class code to the sak type it pays out, and
// false for any code we do not handle.
func IncomeClassFor(code string) (generic.SakType, bool) {
	switch code {
	case ClassUfore:
		return generic.SakTypeUfore, true
	case ClassAlder:
		return generic.SakTypeAlder, true
	}
	return "", false
}

// ClassCodeFor is the inverse of IncomeClassFor.
func ClassCodeFor(t generic.SakType) string {
	if t == generic.SakTypeAlder {
		return ClassAlder
	}
	return ClassUfore
}

// =============================================================================
// KRAVGRUNNLAG
// =============================================================================

type Kravgrunnlag struct {
	EksternKravgrunnlagID string `json:"eksternKravgrunnlagId"`
	EksternVedtakID       string `json:"eksternVedtakId"`
	// EksternKontrollfelt is the concurrency token. A settlement is only
	// accepted if it echoes the kontrollfelt of the current basis.
	EksternKontrollfelt string             `json:"eksternKontrollfelt"`
	Status              Status             `json:"status"`
	Saksnummer          generic.Saksnummer `json:"saksnummer"`
	SakType             generic.SakType    `json:"sakType"`
	Saksbehandler       string             `json:"saksbehandler"`
	UtbetalingID        string             `json:"utbetalingId"`
	Grunnlagsperioder   []Grunnlagsperiode `json:"grunnlagsperioder"`
}

// Grunnlagsperiode is one month of the claim basis.
// GrossOverpayment always equals PreviousGross - NewGross.
type Grunnlagsperiode struct {
	Month generic.Month `json:"maaned"`
	// TaxPaid is the tax withheld that month for the income class
	// (betalt skatt for ytelsesgruppen).
	TaxPaid          generic.Amount  `json:"betaltSkattForYtelsesgruppen"`
	PreviousGross    generic.Amount  `json:"bruttoTidligereUtbetalt"`
	NewGross         generic.Amount  `json:"bruttoNyUtbetaling"`
	GrossOverpayment generic.Amount  `json:"bruttoFeilutbetaling"`
	TaxRate          decimal.Decimal `json:"skatteprosent"`
}

// Months returns the months the basis covers, in order.
func (k Kravgrunnlag) Months() []generic.Month {
	months := make([]generic.Month, len(k.Grunnlagsperioder))
	for i, p := range k.Grunnlagsperioder {
		months[i] = p.Month
	}
	return months
}

// Period returns the basis period for the month, if the basis covers it.
func (k Kravgrunnlag) Period(m generic.Month) (Grunnlagsperiode, bool) {
	for _, p := range k.Grunnlagsperioder {
		if p.Month == m {
			return p, true
		}
	}
	return Grunnlagsperiode{}, false
}

func (k Kravgrunnlag) TotalOverpayment() generic.Amount {
	total := generic.Amount{}
	for _, p := range k.Grunnlagsperioder {
		total = total.Add(p.GrossOverpayment)
	}
	return total
}

// SameAs reports whether two snapshots are the same version of the same
// basis. A redelivery of an identical basis must not produce a new case event.
func (k Kravgrunnlag) SameAs(o Kravgrunnlag) bool {
	return k.EksternKravgrunnlagID == o.EksternKravgrunnlagID &&
		k.EksternKontrollfelt == o.EksternKontrollfelt
}

// OlderThan reports whether k was issued before o. Both kontrollfelts must
// carry a timestamp; otherwise nothing is known and the answer is false.
func (k Kravgrunnlag) OlderThan(o Kravgrunnlag) bool {
	kt, ok := k.ReceivedAt()
	if !ok {
		return false
	}
	ot, ok := o.ReceivedAt()
	return ok && kt.Before(ot)
}

// ReceivedAt is the external timestamp embedded in the kontrollfelt, when the
// kontrollfelt has the usual "2006-01-02-15.04.05.000000" shape.
func (k Kravgrunnlag) ReceivedAt() (time.Time, bool) {
	t, err := time.Parse("2006-01-02-15.04.05.000000", k.EksternKontrollfelt)
	return t, err == nil
}
