/*
Package ingest moves stored claim-basis messages into cases.

PURPOSE:
  The transport layer drops every received claim-basis message into a
  kravgrunnlag.RawStore as-is. The Job picks up unprocessed messages, parses
  them, finds the one open case of the sak and hands the basis to it. A
  message is marked processed only after its case event has been stored.

PER MESSAGE:
  1. Parse the payload (kravgrunnlag.Parse)
  2. Resolve the sak by saksnummer and check the benefit type
  3. A closed basis (annulled, completed, archived) is not delivered; an
     open case still on the sak is reported through the Alerter
  4. Require exactly one open case
  5. Skip if the case already holds this version of the basis or a newer one
  6. ReceiveClaimBasis, retrying on concurrent modification
  7. Mark processed

FAILURES:
  Superseded and closed bases are not failures: the message is marked
  processed and the report says what happened to it.
  Any failure leaves the message unprocessed, so the next run tries again,
  and is reported through the Alerter. Integrity problems (unparseable
  payload, unknown sak, no or several open cases) need a human; they are
  not retried within a run.

SEE ALSO:
  - scheduler.go: Runs the job periodically
  - tilbakekreving/service.go: ReceiveClaimBasis
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/tilbakekreving"
)

var (
	// ErrNoOpenCase means the sak has no case that can take the basis.
	ErrNoOpenCase = errors.New("sak has no open case")

	// ErrSeveralOpenCases means the one-open-case rule is broken.
	ErrSeveralOpenCases = errors.New("sak has more than one open case")

	// ErrWrongSak means the message envelope and the payload disagree.
	ErrWrongSak = errors.New("claim basis does not match its sak")
)

// Cases is what the job needs from the case service.
type Cases interface {
	SakBySaksnummer(ctx context.Context, saksnummer generic.Saksnummer) (generic.Sak, error)
	OpenCases(ctx context.Context, sakID generic.SakID) ([]tilbakekreving.Case, error)
	ReceiveClaimBasis(ctx context.Context, cmd tilbakekreving.Command, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (tilbakekreving.Case, error)
}

// Alerter is told about every message that could not be processed.
type Alerter interface {
	Alert(ctx context.Context, msg kravgrunnlag.RawMessage, err error)
}

// LogAlerter logs at error level with alert=true, which is what the
// on-call alerting matches on.
type LogAlerter struct {
	Log logrus.FieldLogger
}

func (a LogAlerter) Alert(_ context.Context, msg kravgrunnlag.RawMessage, err error) {
	a.Log.WithFields(logrus.Fields{
		"alert":             true,
		"rawMessageId":      msg.ID,
		"externalMessageId": msg.ExternalMessageID,
		"saksnummer":        msg.Saksnummer,
	}).WithError(err).Error("claim basis message not processed")
}

// =============================================================================
// REPORT
// =============================================================================

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuperseded Outcome = "superseded" // issued before the basis the case holds
	OutcomeClosed     Outcome = "closed"     // annulled, completed or archived externally
	OutcomeFailed     Outcome = "failed"
)

// Result is the outcome for one message.
type Result struct {
	RawMessageID      string         `json:"rawMessageId"`
	ExternalMessageID string         `json:"externalMessageId"`
	Outcome           Outcome        `json:"outcome"`
	CaseID            generic.CaseID `json:"caseId,omitempty"`
	Attempts          int            `json:"attempts"`
	Error             string         `json:"error,omitempty"`
	err               error
}

func (r Result) Err() error { return r.err }

// Report summarizes one run.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Results    []Result  `json:"results"`
	Error      string    `json:"error,omitempty"`
}

func (r Report) count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) Applied() int    { return r.count(OutcomeApplied) }
func (r Report) Duplicates() int { return r.count(OutcomeDuplicate) }
func (r Report) Superseded() int { return r.count(OutcomeSuperseded) }
func (r Report) Closed() int     { return r.count(OutcomeClosed) }
func (r Report) Failed() int     { return r.count(OutcomeFailed) }

// =============================================================================
// JOB
// =============================================================================

type Config struct {
	// MaxRetries bounds the re-reads after a concurrent modification.
	MaxRetries int
}

type Job struct {
	raw     kravgrunnlag.RawStore
	cases   Cases
	alerter Alerter
	cfg     Config
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewJob builds a job. A nil alerter logs through log.
func NewJob(raw kravgrunnlag.RawStore, cases Cases, alerter Alerter, cfg Config, log logrus.FieldLogger) *Job {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "ingest")
	if alerter == nil {
		alerter = LogAlerter{Log: log}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Job{raw: raw, cases: cases, alerter: alerter, cfg: cfg, log: log, now: time.Now}
}

// Run processes every unprocessed message once, in arrival order.
func (j *Job) Run(ctx context.Context) Report {
	report := Report{StartedAt: j.now()}

	msgs, err := j.raw.ListUnprocessed(ctx)
	if err != nil {
		j.log.WithError(err).WithField("alert", true).Error("cannot list unprocessed claim basis messages")
		report.Error = err.Error()
		report.FinishedAt = j.now()
		return report
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		res := j.process(ctx, msg)
		if res.err != nil {
			res.Error = res.err.Error()
			j.alerter.Alert(ctx, msg, res.err)
		}
		report.Results = append(report.Results, res)
	}

	report.FinishedAt = j.now()
	if len(report.Results) > 0 {
		j.log.WithFields(logrus.Fields{
			"applied":    report.Applied(),
			"duplicates": report.Duplicates(),
			"superseded": report.Superseded(),
			"closed":     report.Closed(),
			"failed":     report.Failed(),
		}).Info("claim basis ingestion finished")
	}
	return report
}

func (j *Job) process(ctx context.Context, msg kravgrunnlag.RawMessage) Result {
	res := Result{RawMessageID: msg.ID, ExternalMessageID: msg.ExternalMessageID, Outcome: OutcomeFailed}
	log := j.log.WithFields(logrus.Fields{"rawMessageId": msg.ID, "saksnummer": msg.Saksnummer})

	basis, err := kravgrunnlag.Parse([]byte(msg.Payload))
	if err != nil {
		res.err = err
		return res
	}
	if msg.Saksnummer != 0 && msg.Saksnummer != basis.Saksnummer {
		res.err = fmt.Errorf("%w: message for saksnummer %s carries basis for %s", ErrWrongSak, msg.Saksnummer, basis.Saksnummer)
		return res
	}
	sak, err := j.cases.SakBySaksnummer(ctx, basis.Saksnummer)
	if err != nil {
		res.err = fmt.Errorf("saksnummer %s: %w", basis.Saksnummer, err)
		return res
	}
	if sak.Type != basis.SakType {
		res.err = fmt.Errorf("%w: sak %s is %s, basis is %s", ErrWrongSak, sak.Saksnummer, sak.Type, basis.SakType)
		return res
	}

	if basis.Status.Closed() {
		res.Attempts = 1
		caseID, err := j.closed(ctx, msg, sak, basis)
		if err != nil {
			res.err = err
			return res
		}
		res.CaseID = caseID
		res.Outcome = OutcomeClosed
	} else {
		for attempt := 1; ; attempt++ {
			res.Attempts = attempt
			outcome, caseID, err := j.deliver(ctx, sak, basis, msg.ID)
			res.CaseID = caseID
			if err == nil {
				res.Outcome = outcome
				break
			}
			if generic.IsRetryable(err) && attempt <= j.cfg.MaxRetries {
				log.WithError(err).WithField("attempt", attempt).Info("concurrent modification, retrying")
				continue
			}
			res.err = err
			return res
		}
	}

	// Last: a crash before this point means the message is seen again, and
	// the case then already holds the basis.
	if err := j.raw.MarkProcessed(ctx, msg.ID, j.now()); err != nil {
		res.Outcome = OutcomeFailed
		res.err = fmt.Errorf("mark processed: %w", err)
		return res
	}
	log.WithFields(logrus.Fields{
		"caseId":       res.CaseID,
		"outcome":      res.Outcome,
		"kontrollfelt": basis.EksternKontrollfelt,
		"overpayment":  basis.TotalOverpayment().String(),
	}).Info("claim basis message processed")
	return res
}

// closed handles a basis the external system has finished with. It is never
// given to a case. An open case on the sak cannot be settled against it, so
// that is reported once; the message is then marked processed.
func (j *Job) closed(ctx context.Context, msg kravgrunnlag.RawMessage, sak generic.Sak, basis kravgrunnlag.Kravgrunnlag) (generic.CaseID, error) {
	open, err := j.cases.OpenCases(ctx, sak.ID)
	if err != nil {
		return "", err
	}
	if len(open) == 0 {
		return "", nil
	}
	caseID := open[0].Header().ID
	j.alerter.Alert(ctx, msg, fmt.Errorf("%w: basis %s has status %s while case %s is open",
		tilbakekreving.ErrClaimBasisClosed, basis.EksternKravgrunnlagID, basis.Status, caseID))
	return caseID, nil
}

func (j *Job) deliver(ctx context.Context, sak generic.Sak, basis kravgrunnlag.Kravgrunnlag, rawID string) (Outcome, generic.CaseID, error) {
	open, err := j.cases.OpenCases(ctx, sak.ID)
	if err != nil {
		return OutcomeFailed, "", err
	}
	switch len(open) {
	case 0:
		return OutcomeFailed, "", fmt.Errorf("%w: saksnummer %s", ErrNoOpenCase, sak.Saksnummer)
	case 1:
	default:
		return OutcomeFailed, "", fmt.Errorf("%w: saksnummer %s has %d", ErrSeveralOpenCases, sak.Saksnummer, len(open))
	}

	c := open[0]
	h := c.Header()
	if current := c.ClaimBasis(); current != nil {
		switch {
		case current.SameAs(basis):
			return OutcomeDuplicate, h.ID, nil
		case basis.OlderThan(*current):
			return OutcomeSuperseded, h.ID, nil
		}
	}

	cmd := tilbakekreving.Command{
		SakID:  sak.ID,
		CaseID: h.ID,
		Cursor: tilbakekreving.CursorAfter(h.Head),
		Actor:  tilbakekreving.SystemActor,
	}
	_, err = j.cases.ReceiveClaimBasis(ctx, cmd, basis, rawID)
	switch {
	case errors.Is(err, tilbakekreving.ErrClaimBasisUnchanged):
		return OutcomeDuplicate, h.ID, nil
	case errors.Is(err, tilbakekreving.ErrClaimBasisSuperseded):
		return OutcomeSuperseded, h.ID, nil
	case err != nil:
		return OutcomeFailed, h.ID, err
	}
	return OutcomeApplied, h.ID, nil
}
