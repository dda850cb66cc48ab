package oppdrag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRejected means the external system answered with severity 08 or 12.
	// Only a human can resolve it.
	ErrRejected = errors.New("rejected by external financial system")

	// ErrIndeterminate means we do not know whether the request was applied.
	ErrIndeterminate = errors.New("external financial system outcome unknown")

	// ErrNotSent means the request never left this process. Nothing changed
	// externally and the call may be repeated.
	ErrNotSent = errors.New("request to external financial system not sent")

	ErrInvalidRequest = errors.New("invalid settlement request")
)

// RejectionError carries the external system's reason.
type RejectionError struct {
	Op       string
	Severity Severity
	Code     string
	Reason   string
	Raw      string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected (alvorlighetsgrad %s, %s): %s", e.Op, e.Severity, e.Code, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// IndeterminateError wraps a timeout, transport failure or unreadable answer.
type IndeterminateError struct {
	Op      string
	Timeout bool
	Cause   error
}

func (e *IndeterminateError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out, outcome unknown: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s outcome unknown: %v", e.Op, e.Cause)
}

func (e *IndeterminateError) Unwrap() []error { return []error{ErrIndeterminate, e.Cause} }

// NotSentError is returned when the context was done or the deadline left no
// time before the request was written.
type NotSentError struct {
	Op    string
	Cause error
}

func (e *NotSentError) Error() string {
	return fmt.Sprintf("%s not sent: %v", e.Op, e.Cause)
}

func (e *NotSentError) Unwrap() []error { return []error{ErrNotSent, e.Cause} }

func IsRejected(err error) bool      { return errors.Is(err, ErrRejected) }
func IsIndeterminate(err error) bool { return errors.Is(err, ErrIndeterminate) }
func IsNotSent(err error) bool       { return errors.Is(err, ErrNotSent) }

// =============================================================================
// CLIENT
// =============================================================================

type Config struct {
	URL            string
	Timeout        time.Duration
	EnhetAnsvarlig string
}

// Client sends decisions and annulments. It never retries.
type Client struct {
	cfg  Config
	http *fasthttp.Client
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewClient builds a client. A nil httpClient gets a default fasthttp.Client.
func NewClient(cfg Config, httpClient *fasthttp.Client, log logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.EnhetAnsvarlig == "" {
		cfg.EnhetAnsvarlig = defaultEnhetAnsvarlig
	}
	if httpClient == nil {
		httpClient = &fasthttp.Client{
			Name:                "su-tilbakekreving",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 90 * time.Second,
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log.WithField("component", "oppdrag"),
		now:  time.Now,
	}
}

// SendSettlement sends the decision for a reconciled claim basis. The
// request echoes the basis' kontrollfelt; if the basis changed since it was
// received the external system rejects it.
func (c *Client) SendSettlement(ctx context.Context, req SettlementRequest) (Receipt, error) {
	body, err := c.buildSettlement(req)
	if err != nil {
		return Receipt{}, err
	}
	log := c.log.WithFields(logrus.Fields{
		"op":             "settlement",
		"kravgrunnlagId": req.Reconciled.EksternKravgrunnlagID,
		"vedtakId":       req.Reconciled.EksternVedtakID,
	})
	return c.exchange(ctx, "settlement", settlementPath, body, log)
}

// AnnulClaimBasis cancels a claim basis that will not be decided. Sending it
// twice for the same basis is expected to succeed both times; responses are
// classified exactly like settlements.
func (c *Client) AnnulClaimBasis(ctx context.Context, basis kravgrunnlag.Kravgrunnlag, actor string) (Receipt, error) {
	if basis.EksternVedtakID == "" || actor == "" {
		return Receipt{}, fmt.Errorf("%w: annulment needs vedtak id and actor", ErrInvalidRequest)
	}
	body, err := json.Marshal(annulRequest{
		KodeAksjon:     kodeAksjonAnnuller,
		VedtakID:       basis.EksternVedtakID,
		KravgrunnlagID: basis.EksternKravgrunnlagID,
		EnhetAnsvarlig: c.cfg.EnhetAnsvarlig,
		SaksbehID:      actor,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode annulment: %w", err)
	}
	log := c.log.WithFields(logrus.Fields{
		"op":             "annulment",
		"kravgrunnlagId": basis.EksternKravgrunnlagID,
		"vedtakId":       basis.EksternVedtakID,
	})
	return c.exchange(ctx, "annulment", annulmentPath, body, log)
}

func (c *Client) buildSettlement(req SettlementRequest) ([]byte, error) {
	r := req.Reconciled
	switch {
	case len(r.Periods) == 0:
		return nil, fmt.Errorf("%w: no periods", ErrInvalidRequest)
	case r.EksternVedtakID == "", r.EksternKontrollfelt == "":
		return nil, fmt.Errorf("%w: missing vedtak id or kontrollfelt", ErrInvalidRequest)
	case req.Attestant == "":
		return nil, fmt.Errorf("%w: missing attestant", ErrInvalidRequest)
	case !req.SakType.Valid():
		return nil, fmt.Errorf("%w: unknown sak type %q", ErrInvalidRequest, req.SakType)
	}

	ytelseClass := kravgrunnlag.ClassCodeFor(req.SakType)
	periods := make([]vedtakPeriod, len(r.Periods))
	for i, p := range r.Periods {
		resultat, skyld := kodeResultatFull, kodeSkyldBruker
		if p.Decision == vurdering.Waive {
			resultat, skyld = kodeResultatIngen, kodeSkyldIkkeFordelt
		}
		periods[i] = vedtakPeriod{
			Periode:     wirePeriode{Fom: p.Month.First().Format("2006-01-02"), Tom: p.Month.Last().Format("2006-01-02")},
			BelopRenter: "0.00",
			Belop: []vedtakLine{
				{
					KodeKlasse:         ytelseClass,
					BelopOpprUtbet:     p.PreviousGross.String(),
					BelopNy:            p.NewGross.String(),
					BelopTilbakekreves: p.GrossToRecover.String(),
					BelopUinnkrevd:     p.Waived.String(),
					BelopSkatt:         p.TaxOffset.String(),
					KodeResultat:       resultat,
					KodeAarsak:         kodeAarsak,
					KodeSkyld:          skyld,
				},
				{
					// The feilutbetaling line mirrors the correction amount.
					KodeKlasse:         classFeilutbetalt,
					BelopOpprUtbet:     "0.00",
					BelopNy:            p.GrossOverpayment.String(),
					BelopTilbakekreves: "0.00",
					BelopUinnkrevd:     "0.00",
					BelopSkatt:         "0.00",
				},
			},
		}
	}

	body, err := json.Marshal(vedtakRequest{
		KodeAksjon:          kodeAksjonFatteVedtak,
		VedtakID:            r.EksternVedtakID,
		KravgrunnlagID:      r.EksternKravgrunnlagID,
		Kontrollfelt:        r.EksternKontrollfelt,
		KodeHjemmel:         kodeHjemmel,
		RenterBeregnes:      renterBeregnesNei,
		EnhetAnsvarlig:      c.cfg.EnhetAnsvarlig,
		SaksbehID:           req.Attestant,
		DatoVedtakFagsystem: c.now().Format("2006-01-02"),
		Perioder:            periods,
	})
	if err != nil {
		return nil, fmt.Errorf("encode settlement: %w", err)
	}
	return body, nil
}

// exchange performs one request and classifies the answer.
func (c *Client) exchange(ctx context.Context, op, path string, body []byte, log logrus.FieldLogger) (Receipt, error) {
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, &NotSentError{Op: op, Cause: err}
	}
	if timeout <= 0 {
		return Receipt{}, &NotSentError{Op: op, Cause: context.DeadlineExceeded}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(c.cfg.URL, "/") + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	sentAt := c.now()
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		timedOut := errors.Is(err, fasthttp.ErrTimeout)
		log.WithError(err).WithField("alert", true).Error("no answer from external financial system")
		return Receipt{}, &IndeterminateError{Op: op, Timeout: timedOut, Cause: err}
	}

	raw := string(resp.Body())
	var parsed wireResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil || parsed.Mmel.Alvorlighetsgrad == "" {
		cause := fmt.Errorf("http %d with unreadable body", resp.StatusCode())
		log.WithError(cause).WithField("alert", true).Error("unreadable answer from external financial system")
		return Receipt{}, &IndeterminateError{Op: op, Cause: cause}
	}

	receipt := Receipt{
		Severity:    Severity(parsed.Mmel.Alvorlighetsgrad),
		Code:        parsed.Mmel.KodeMelding,
		Message:     parsed.Mmel.BeskrMelding,
		RawResponse: raw,
		SentAt:      sentAt,
	}

	switch receipt.Severity {
	case SeverityOK:
		log.Info("accepted by external financial system")
		return receipt, nil
	case SeverityWarning:
		log.WithFields(logrus.Fields{"audit": true, "kodeMelding": receipt.Code, "response": raw}).
			Warn("accepted by external financial system with warning")
		return receipt, nil
	case SeveritySevere, SeveritySQL:
		log.WithFields(logrus.Fields{"alvorlighetsgrad": receipt.Severity, "kodeMelding": receipt.Code}).
			Warn("rejected by external financial system: " + receipt.Message)
		return Receipt{}, &RejectionError{Op: op, Severity: receipt.Severity, Code: receipt.Code, Reason: receipt.Message, Raw: raw}
	default:
		cause := fmt.Errorf("unknown alvorlighetsgrad %q", receipt.Severity)
		log.WithError(cause).WithField("alert", true).Error("unclassifiable answer from external financial system")
		return Receipt{}, &IndeterminateError{Op: op, Cause: cause}
	}
}
