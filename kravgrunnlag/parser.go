/*
parser.go - Raw claim-basis message to typed Kravgrunnlag

PURPOSE:
  Translates the external system's "detaljert kravgrunnlag" message into a
  Kravgrunnlag. Parse is pure: no I/O, no clock, identical input always gives
  identical output. Every rule violation is rejected, never coerced.

PAYLOAD SHAPE (amounts are decimal strings):
  {
    "kravgrunnlagId": "123456",
    "vedtakId": "654321",
    "kodeStatusKrav": "NY",
    "fagsystemId": "10001",
    "kontrollfelt": "2021-06-08-12.05.36.123456",
    "saksbehId": "K231B433",
    "referanse": "utbetaling-1",
    "tilbakekrevingsPeriode": [{
      "periode": {"fom": "2021-05-01", "tom": "2021-05-31"},
      "belopSkattMnd": "4395.00",
      "tilbakekrevingsBelop": [
        {"kodeKlasse": "SUUFORE", "typeKlasse": "YTEL", "belopOpprUtbet": "20000.00",
         "belopNy": "0.00", "belopTilbakekreves": "20000.00", "skattProsent": "25.0000"},
        {"kodeKlasse": "KL_KODE_FEIL_INNT", "typeKlasse": "FEIL", "belopOpprUtbet": "0.00",
         "belopNy": "20000.00", "belopTilbakekreves": "0.00", "skattProsent": "0.0000"}
      ]
    }]
  }

RULES:
  - Each period is exactly one calendar month; months are unique
  - Exactly one YTEL line (SUUFORE or SUALDER) and one FEIL line per period
  - YTEL belopTilbakekreves == belopOpprUtbet - belopNy
  - FEIL belopNy == that overpayment
  - All periods share one income class
*/
package kravgrunnlag

import (
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/navikt/su-tilbakekreving/generic"
)

var (
	// ErrMalformedClaimBasis is returned for any payload that breaks a rule.
	ErrMalformedClaimBasis = fmt.Errorf("%w: malformed claim basis", generic.ErrValidation)

	// ErrUnknownIncomeClass is returned for a kodeKlasse we do not handle.
	ErrUnknownIncomeClass = fmt.Errorf("%w: unknown income class", ErrMalformedClaimBasis)
)

// ParseError names the field that broke a rule.
type ParseError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed claim basis: %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrMalformedClaimBasis
}

func fieldErr(field, format string, args ...any) error {
	return &ParseError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type rawKravgrunnlag struct {
	KravgrunnlagID string      `json:"kravgrunnlagId"`
	VedtakID       string      `json:"vedtakId"`
	KodeStatusKrav string      `json:"kodeStatusKrav"`
	FagsystemID    string      `json:"fagsystemId"`
	Kontrollfelt   string      `json:"kontrollfelt"`
	SaksbehID      string      `json:"saksbehId"`
	Referanse      string      `json:"referanse"`
	Perioder       []rawPeriod `json:"tilbakekrevingsPeriode"`
}

type rawPeriod struct {
	Periode struct {
		Fom string `json:"fom"`
		Tom string `json:"tom"`
	} `json:"periode"`
	BelopSkattMnd string    `json:"belopSkattMnd"`
	Belop         []rawLine `json:"tilbakekrevingsBelop"`
}

type rawLine struct {
	KodeKlasse         string `json:"kodeKlasse"`
	TypeKlasse         string `json:"typeKlasse"`
	BelopOpprUtbet     string `json:"belopOpprUtbet"`
	BelopNy            string `json:"belopNy"`
	BelopTilbakekreves string `json:"belopTilbakekreves"`
	SkattProsent       string `json:"skattProsent"`
}

// =============================================================================
// PARSE
// =============================================================================

// Parse translates a raw message payload into a Kravgrunnlag.
func Parse(payload []byte) (Kravgrunnlag, error) {
	var raw rawKravgrunnlag
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Kravgrunnlag{}, &ParseError{Field: "payload", Reason: err.Error()}
	}

	switch {
	case raw.KravgrunnlagID == "":
		return Kravgrunnlag{}, fieldErr("kravgrunnlagId", "missing")
	case raw.VedtakID == "":
		return Kravgrunnlag{}, fieldErr("vedtakId", "missing")
	case raw.Kontrollfelt == "":
		return Kravgrunnlag{}, fieldErr("kontrollfelt", "missing")
	}

	status := Status(raw.KodeStatusKrav)
	if !status.Valid() {
		return Kravgrunnlag{}, fieldErr("kodeStatusKrav", "unknown status %q", raw.KodeStatusKrav)
	}

	saksnummer, err := generic.ParseSaksnummer(raw.FagsystemID)
	if err != nil {
		return Kravgrunnlag{}, fieldErr("fagsystemId", "%v", err)
	}

	if len(raw.Perioder) == 0 {
		return Kravgrunnlag{}, fieldErr("tilbakekrevingsPeriode", "no periods")
	}

	var (
		sakType generic.SakType
		periods = make([]Grunnlagsperiode, 0, len(raw.Perioder))
		seen    = make(map[generic.Month]bool, len(raw.Perioder))
	)
	for i, rp := range raw.Perioder {
		p, class, err := parsePeriod(fmt.Sprintf("tilbakekrevingsPeriode[%d]", i), rp)
		if err != nil {
			return Kravgrunnlag{}, err
		}
		if seen[p.Month] {
			return Kravgrunnlag{}, fieldErr(fmt.Sprintf("tilbakekrevingsPeriode[%d]", i), "month %s appears twice", p.Month)
		}
		seen[p.Month] = true
		if sakType == "" {
			sakType = class
		} else if class != sakType {
			return Kravgrunnlag{}, fieldErr(fmt.Sprintf("tilbakekrevingsPeriode[%d]", i), "income class %s differs from %s", class, sakType)
		}
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Month.Before(periods[j].Month) })

	return Kravgrunnlag{
		EksternKravgrunnlagID: raw.KravgrunnlagID,
		EksternVedtakID:       raw.VedtakID,
		EksternKontrollfelt:   raw.Kontrollfelt,
		Status:                status,
		Saksnummer:            saksnummer,
		SakType:               sakType,
		Saksbehandler:         raw.SaksbehID,
		UtbetalingID:          raw.Referanse,
		Grunnlagsperioder:     periods,
	}, nil
}

func parsePeriod(field string, rp rawPeriod) (Grunnlagsperiode, generic.SakType, error) {
	fom, err := generic.ParseDate(rp.Periode.Fom)
	if err != nil {
		return Grunnlagsperiode{}, "", fieldErr(field+".periode.fom", "%v", err)
	}
	tom, err := generic.ParseDate(rp.Periode.Tom)
	if err != nil {
		return Grunnlagsperiode{}, "", fieldErr(field+".periode.tom", "%v", err)
	}
	period := generic.Period{Fom: fom, Tom: tom}
	if !period.Valid() {
		return Grunnlagsperiode{}, "", fieldErr(field+".periode", "tom %s is before fom %s", rp.Periode.Tom, rp.Periode.Fom)
	}
	month, ok := period.AsMonth()
	if !ok {
		return Grunnlagsperiode{}, "", fieldErr(field+".periode", "%s..%s is not a whole calendar month", rp.Periode.Fom, rp.Periode.Tom)
	}

	taxPaid, err := parseAmount(field+".belopSkattMnd", rp.BelopSkattMnd)
	if err != nil {
		return Grunnlagsperiode{}, "", err
	}

	var ytel, feil *rawLine
	for i := range rp.Belop {
		line := &rp.Belop[i]
		lineField := fmt.Sprintf("%s.tilbakekrevingsBelop[%d]", field, i)
		switch line.TypeKlasse {
		case LineTypeYtelse:
			if _, ok := IncomeClassFor(line.KodeKlasse); !ok {
				return Grunnlagsperiode{}, "", &ParseError{Field: lineField + ".kodeKlasse", Reason: fmt.Sprintf("%q", line.KodeKlasse), cause: ErrUnknownIncomeClass}
			}
			if ytel != nil {
				return Grunnlagsperiode{}, "", fieldErr(lineField, "more than one %s line", LineTypeYtelse)
			}
			ytel = line
		case LineTypeFeil:
			if line.KodeKlasse != ClassFeilutbetalt {
				return Grunnlagsperiode{}, "", &ParseError{Field: lineField + ".kodeKlasse", Reason: fmt.Sprintf("%q", line.KodeKlasse), cause: ErrUnknownIncomeClass}
			}
			if feil != nil {
				return Grunnlagsperiode{}, "", fieldErr(lineField, "more than one %s line", LineTypeFeil)
			}
			feil = line
		default:
			return Grunnlagsperiode{}, "", fieldErr(lineField+".typeKlasse", "unknown line type %q", line.TypeKlasse)
		}
	}
	if ytel == nil {
		return Grunnlagsperiode{}, "", fieldErr(field, "missing %s line", LineTypeYtelse)
	}
	if feil == nil {
		return Grunnlagsperiode{}, "", fieldErr(field, "missing %s line", LineTypeFeil)
	}

	previous, err := parseAmount(field+".YTEL.belopOpprUtbet", ytel.BelopOpprUtbet)
	if err != nil {
		return Grunnlagsperiode{}, "", err
	}
	newGross, err := parseAmount(field+".YTEL.belopNy", ytel.BelopNy)
	if err != nil {
		return Grunnlagsperiode{}, "", err
	}
	overpayment, err := parseAmount(field+".YTEL.belopTilbakekreves", ytel.BelopTilbakekreves)
	if err != nil {
		return Grunnlagsperiode{}, "", err
	}
	if !overpayment.Equal(previous.Sub(newGross)) {
		return Grunnlagsperiode{}, "", fieldErr(field+".YTEL.belopTilbakekreves",
			"%s is not %s - %s", overpayment, previous, newGross)
	}
	if !overpayment.IsPositive() {
		return Grunnlagsperiode{}, "", fieldErr(field+".YTEL.belopTilbakekreves", "overpayment %s is not positive", overpayment)
	}

	feilAmount, err := parseAmount(field+".FEIL.belopNy", feil.BelopNy)
	if err != nil {
		return Grunnlagsperiode{}, "", err
	}
	if !feilAmount.Equal(overpayment) {
		return Grunnlagsperiode{}, "", fieldErr(field+".FEIL.belopNy", "%s does not mirror overpayment %s", feilAmount, overpayment)
	}

	taxRate, err := decimal.NewFromString(ytel.SkattProsent)
	if err != nil {
		return Grunnlagsperiode{}, "", fieldErr(field+".YTEL.skattProsent", "not numeric: %q", ytel.SkattProsent)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		return Grunnlagsperiode{}, "", fieldErr(field+".YTEL.skattProsent", "%s is outside 0-100", taxRate)
	}

	class, _ := IncomeClassFor(ytel.KodeKlasse)
	return Grunnlagsperiode{
		Month:            month,
		TaxPaid:          taxPaid,
		PreviousGross:    previous,
		NewGross:         newGross,
		GrossOverpayment: overpayment,
		TaxRate:          taxRate,
	}, class, nil
}

func parseAmount(field, s string) (generic.Amount, error) {
	a, err := generic.ParseAmount(s)
	if err != nil {
		return generic.Amount{}, fieldErr(field, "not numeric: %q", s)
	}
	if a.IsNegative() {
		return generic.Amount{}, fieldErr(field, "negative amount %s", a)
	}
	return a, nil
}

// IsMalformed reports whether err is a parse failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedClaimBasis)
}
