/*
Package oppdrag talks to the external financial system: it sends finalized
repayment decisions (tilbakekrevingsvedtak) and annuls superseded claim bases.

PROTOCOL:
  Synchronous JSON request/response over HTTP. Every response carries an
  "mmel" block whose alvorlighetsgrad (severity) decides the outcome:

    00  OK                   -> success
    04  OK with warning      -> success, logged for audit
    08  severe error         -> business rejection
    12  SQL error            -> business rejection
    ??  anything else        -> indeterminate

  Timeouts and transport failures are indeterminate, never rejections: the
  request may or may not have been applied. The client never retries; the
  caller must re-check the external state (or wait for a new claim basis)
  before sending again.

SEE ALSO:
  - client.go: Transport and classification
  - tilbakekreving/service.go: The only caller
*/
package oppdrag

import (
	"time"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

// Severity is the external alvorlighetsgrad.
type Severity string

const (
	SeverityOK      Severity = "00"
	SeverityWarning Severity = "04"
	SeveritySevere  Severity = "08"
	SeveritySQL     Severity = "12"
)

// Fixed values on every decision the service sends.
const (
	kodeAksjonFatteVedtak = "8"
	kodeAksjonAnnuller    = "A"
	kodeHjemmel           = "SUL_13"
	kodeAarsak            = "ANNET"
	kodeResultatFull      = "FULL_TILBAKEKREV"
	kodeResultatIngen     = "INGEN_TILBAKEKREV"
	kodeSkyldBruker       = "BRUKER"
	kodeSkyldIkkeFordelt  = "IKKE_FORDELT"
	classFeilutbetalt     = "KL_KODE_FEIL_INNT"
	renterBeregnesNei     = "N"
	settlementPath        = "/tilbakekrevingsvedtak"
	annulmentPath         = "/kravgrunnlag/annuller"
	defaultEnhetAnsvarlig = "8020"
	defaultRequestTimeout = 10 * time.Second
)

// SettlementRequest is everything needed to send a decision.
type SettlementRequest struct {
	Reconciled vurdering.Reconciled
	// Attestant is the countersigner; the decision is sent in their name.
	Attestant string
	SakType   generic.SakType
}

// Receipt is the external system's answer to an accepted request.
type Receipt struct {
	Severity    Severity  `json:"alvorlighetsgrad"`
	Code        string    `json:"kodeMelding,omitempty"`
	Message     string    `json:"beskrMelding,omitempty"`
	RawResponse string    `json:"rawResponse"`
	SentAt      time.Time `json:"sentAt"`
}

func (r Receipt) HasWarning() bool { return r.Severity == SeverityWarning }

// =============================================================================
// WIRE TYPES
// =============================================================================

type wirePeriode struct {
	Fom string `json:"fom"`
	Tom string `json:"tom"`
}

type vedtakRequest struct {
	KodeAksjon          string         `json:"kodeAksjon"`
	VedtakID            string         `json:"vedtakId"`
	KravgrunnlagID      string         `json:"kravgrunnlagId"`
	Kontrollfelt        string         `json:"kontrollfelt"`
	KodeHjemmel         string         `json:"kodeHjemmel"`
	RenterBeregnes      string         `json:"renterBeregnes"`
	EnhetAnsvarlig      string         `json:"enhetAnsvarlig"`
	SaksbehID           string         `json:"saksbehId"`
	DatoVedtakFagsystem string         `json:"datoVedtakFagsystem"`
	Perioder            []vedtakPeriod `json:"tilbakekrevingsperiode"`
}

type vedtakPeriod struct {
	Periode     wirePeriode  `json:"periode"`
	BelopRenter string       `json:"belopRenter"`
	Belop       []vedtakLine `json:"tilbakekrevingsbelop"`
}

type vedtakLine struct {
	KodeKlasse         string `json:"kodeKlasse"`
	BelopOpprUtbet     string `json:"belopOpprUtbet"`
	BelopNy            string `json:"belopNy"`
	BelopTilbakekreves string `json:"belopTilbakekreves"`
	BelopUinnkrevd     string `json:"belopUinnkrevd"`
	BelopSkatt         string `json:"belopSkatt"`
	KodeResultat       string `json:"kodeResultat,omitempty"`
	KodeAarsak         string `json:"kodeAarsak,omitempty"`
	KodeSkyld          string `json:"kodeSkyld,omitempty"`
}

type annulRequest struct {
	KodeAksjon     string `json:"kodeAksjon"`
	VedtakID       string `json:"vedtakId"`
	KravgrunnlagID string `json:"kravgrunnlagId"`
	EnhetAnsvarlig string `json:"enhetAnsvarlig"`
	SaksbehID      string `json:"saksbehId"`
}

type wireResponse struct {
	Mmel struct {
		Alvorlighetsgrad string `json:"alvorlighetsgrad"`
		KodeMelding      string `json:"kodeMelding"`
		BeskrMelding     string `json:"beskrMelding"`
	} `json:"mmel"`
}
