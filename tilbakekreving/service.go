/*
service.go - Case commands with persistence and external settlement

PURPOSE:
  Service is the only writer of case events. Each command loads the sak's
  log, replays it, runs one transition on the addressed case and appends the
  resulting event with compare-and-swap. If another writer got there first
  the append fails with generic.ErrConcurrentModification and nothing is
  written; the caller re-reads and decides again.

EXTERNAL CALLS:
  Settle and Abort talk to the external financial system before appending:
    - Settle sends the decision. On rejection the case stays in
      AwaitingAttestation and the error is returned. On an unknown outcome
      the case is marked unconfirmed as well (IVERKSETTING_UBEKREFTET) and
      nothing is sent again until ResolveSettlement or a new claim basis
      clears the mark.
    - Abort annuls the claim basis first, if the case has one. If the
      annulment fails the case is not aborted.
  A call that succeeds externally but whose event cannot be appended is
  logged with alert=true; someone has to reconcile it by hand.

SEE ALSO:
  - transitions.go: The rules each command runs
  - ingest/job.go: Feeds claim bases in through ReceiveClaimBasis
*/
package tilbakekreving

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

// SystemActor is recorded on events no person caused.
const SystemActor = "su-tilbakekreving"

// Settler is the external financial system. *oppdrag.Client implements it.
type Settler interface {
	SendSettlement(ctx context.Context, req oppdrag.SettlementRequest) (oppdrag.Receipt, error)
	AnnulClaimBasis(ctx context.Context, basis kravgrunnlag.Kravgrunnlag, actor string) (oppdrag.Receipt, error)
}

// Command addresses one case at one point in its history.
type Command struct {
	SakID  generic.SakID
	CaseID generic.CaseID
	Cursor Cursor
	Actor  string
}

type Service struct {
	events  *generic.EventLog
	saks    generic.SakStore
	settler Settler
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewService(events generic.EventStore, saks generic.SakStore, settler Settler, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		events:  generic.NewEventLog(events),
		saks:    saks,
		settler: settler,
		log:     log.WithField("component", "tilbakekreving"),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// =============================================================================
// SAKS AND QUERIES
// =============================================================================

// RegisterSak records the saksnummer of a sak owned by the surrounding
// system, so claim bases addressed to it can be routed.
func (s *Service) RegisterSak(ctx context.Context, saksnummer generic.Saksnummer, sakType generic.SakType) (generic.Sak, error) {
	if saksnummer <= 0 {
		return generic.Sak{}, fmt.Errorf("%w: saksnummer must be positive", generic.ErrValidation)
	}
	if !sakType.Valid() {
		return generic.Sak{}, fmt.Errorf("%w: unknown sak type %q", generic.ErrValidation, sakType)
	}
	sak := generic.Sak{ID: generic.NewSakID(), Saksnummer: saksnummer, Type: sakType, CreatedAt: s.now()}
	if err := s.saks.SaveSak(ctx, sak); err != nil {
		return generic.Sak{}, err
	}
	s.log.WithFields(logrus.Fields{"sakId": sak.ID, "saksnummer": saksnummer}).Info("sak registered")
	return sak, nil
}

func (s *Service) Sak(ctx context.Context, id generic.SakID) (generic.Sak, error) {
	return s.saks.GetSak(ctx, id)
}

func (s *Service) SakBySaksnummer(ctx context.Context, saksnummer generic.Saksnummer) (generic.Sak, error) {
	return s.saks.SakBySaksnummer(ctx, saksnummer)
}

// List returns every case of the sak, oldest first.
func (s *Service) List(ctx context.Context, sakID generic.SakID) ([]Case, error) {
	_, cases, _, err := s.replay(ctx, sakID)
	return cases, err
}

func (s *Service) Get(ctx context.Context, sakID generic.SakID, caseID generic.CaseID) (Case, error) {
	cases, err := s.List(ctx, sakID)
	if err != nil {
		return nil, err
	}
	c, ok := findCase(cases, caseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on sak %s", generic.ErrCaseNotFound, caseID, sakID)
	}
	return c, nil
}

func (s *Service) OpenCases(ctx context.Context, sakID generic.SakID) ([]Case, error) {
	cases, err := s.List(ctx, sakID)
	if err != nil {
		return nil, err
	}
	return OpenCases(cases), nil
}

// History returns the decoded events of the sak.
func (s *Service) History(ctx context.Context, sakID generic.SakID) ([]Event, error) {
	if _, err := s.saks.GetSak(ctx, sakID); err != nil {
		return nil, err
	}
	stored, err := s.events.Events(ctx, sakID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(stored))
	for i, se := range stored {
		if out[i], err = Decode(se); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// Create opens a case on the sak. A sak has at most one open case.
func (s *Service) Create(ctx context.Context, sakID generic.SakID, actor string, basis *kravgrunnlag.Kravgrunnlag) (Case, error) {
	sak, cases, head, err := s.replay(ctx, sakID)
	if err != nil {
		return nil, err
	}
	if open := OpenCases(cases); len(open) > 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrOpenCaseExists, open[0].Header().ID, open[0].Stage())
	}
	ev, created, err := NewCase(sak, "", Meta{Cursor: CursorAfter(head), Actor: actor, At: s.now()}, basis)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, ev); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) ReceiveClaimBasis(ctx context.Context, cmd Command, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Case, error) {
	return run(ctx, s, cmd, "receive claim basis", func(c ClaimBasisReceiver, m Meta) (Event, Case, error) {
		return c.ReceiveClaimBasis(m, basis, rawMessageID)
	})
}

func (s *Service) AddPreNotification(ctx context.Context, cmd Command, documentID, freeText string) (Case, error) {
	return run(ctx, s, cmd, "add pre-notification", func(c PreNotifier, m Meta) (Event, Case, error) {
		return c.AddPreNotification(m, documentID, freeText)
	})
}

func (s *Service) SetDecisions(ctx context.Context, cmd Command, decisions vurdering.Decisions) (Case, error) {
	return run(ctx, s, cmd, "set decisions", func(c Decider, m Meta) (Event, Case, error) {
		return c.SetDecisions(m, decisions)
	})
}

func (s *Service) ChooseLetter(ctx context.Context, cmd Command, letter LetterChoice) (Case, error) {
	return run(ctx, s, cmd, "choose letter", func(c LetterChooser, m Meta) (Event, Case, error) {
		return c.ChooseLetter(m, letter)
	})
}

func (s *Service) SubmitForAttestation(ctx context.Context, cmd Command) (Case, error) {
	return run(ctx, s, cmd, "submit for attestation", func(c Submitter, m Meta) (Event, Case, error) {
		return c.SubmitForAttestation(m)
	})
}

func (s *Service) Reject(ctx context.Context, cmd Command, grunn, kommentar string) (Case, error) {
	return run(ctx, s, cmd, "reject", func(c Attestable, m Meta) (Event, Case, error) {
		return c.Reject(m, grunn, kommentar)
	})
}

// Settle countersigns the case (cmd.Actor is the attestant) and sends the
// decision to the external financial system. The event is only appended
// after the external system has accepted.
func (s *Service) Settle(ctx context.Context, cmd Command) (Case, error) {
	c, err := s.load(ctx, cmd)
	if err != nil {
		return nil, err
	}
	a, ok := c.(Attestable)
	if !ok {
		return nil, illegal(c, "settle")
	}
	m := s.meta(cmd)
	if err := checkMeta(a.Header(), m); err != nil {
		return nil, err
	}
	if err := a.CheckAttestant(cmd.Actor); err != nil {
		return nil, err
	}
	if err := checkSettlementConfirmed(a.UnconfirmedSettlement()); err != nil {
		return nil, fmt.Errorf("settle case %s: %w", cmd.CaseID, err)
	}

	log := s.log.WithFields(logrus.Fields{"sakId": cmd.SakID, "caseId": cmd.CaseID, "attestant": cmd.Actor})
	receipt, err := s.settler.SendSettlement(ctx, a.SettlementRequest(cmd.Actor))
	if err != nil {
		log.WithError(err).Warn("settlement not completed, case stays awaiting attestation")
		if oppdrag.IsIndeterminate(err) {
			s.markSettlementUnknown(ctx, a, m, err, log)
		}
		return nil, fmt.Errorf("settle case %s: %w", cmd.CaseID, err)
	}

	ev, next, err := a.Settle(m, receipt)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, ev); err != nil {
		log.WithError(err).WithField("alert", true).Error("settlement accepted externally but not recorded")
		return nil, err
	}
	if receipt.HasWarning() {
		log.WithField("kodeMelding", receipt.Code).Warn("case settled with a warning from the financial system")
	}
	return next, nil
}

// markSettlementUnknown stores that a settlement went out without an answer.
// The caller's error is what gets returned, so a failure here is only logged.
func (s *Service) markSettlementUnknown(ctx context.Context, a Attestable, m Meta, cause error, log logrus.FieldLogger) {
	ev, next, err := a.MarkSettlementUnknown(m, cause.Error())
	if err == nil {
		err = s.commit(ctx, ev)
	}
	if err != nil {
		log.WithError(err).WithField("alert", true).
			Error("settlement outcome unknown and not recorded, check the financial system before settling again")
		return
	}
	u := next.(AwaitingAttestation).UnconfirmedSettlement()
	log.WithField("kontrollfelt", u.Kontrollfelt).Warn("settlement outcome unknown, case marked unconfirmed")
}

// ResolveSettlement records the external state of a settlement that got no
// answer. applied says whether the external system did apply it.
func (s *Service) ResolveSettlement(ctx context.Context, cmd Command, applied bool, kommentar string) (Case, error) {
	return run(ctx, s, cmd, "resolve settlement", func(c Attestable, m Meta) (Event, Case, error) {
		return c.ResolveSettlement(m, applied, kommentar)
	})
}

// Abort abandons the case. A received claim basis is annulled first.
func (s *Service) Abort(ctx context.Context, cmd Command, reason string) (Case, error) {
	c, err := s.load(ctx, cmd)
	if err != nil {
		return nil, err
	}
	a, ok := c.(Aborter)
	if !ok {
		return nil, illegal(c, "abort")
	}
	m := s.meta(cmd)
	if err := checkMeta(a.Header(), m); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: aborting needs a reason", generic.ErrValidation)
	}
	if aa, ok := a.(Attestable); ok {
		if err := checkSettlementConfirmed(aa.UnconfirmedSettlement()); err != nil {
			return nil, fmt.Errorf("abort case %s: %w", cmd.CaseID, err)
		}
	}

	log := s.log.WithFields(logrus.Fields{"sakId": cmd.SakID, "caseId": cmd.CaseID})
	var annulment *oppdrag.Receipt
	if basis := a.ClaimBasis(); basis != nil {
		receipt, err := s.settler.AnnulClaimBasis(ctx, *basis, cmd.Actor)
		if err != nil {
			log.WithError(err).Warn("annulment not completed, case not aborted")
			return nil, fmt.Errorf("abort case %s: %w", cmd.CaseID, err)
		}
		annulment = &receipt
	}

	ev, next, err := a.Abort(m, reason, annulment)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, ev); err != nil {
		if annulment != nil {
			log.WithError(err).WithField("alert", true).Error("claim basis annulled externally but abort not recorded")
		}
		return nil, err
	}
	return next, nil
}

// =============================================================================
// PLUMBING
// =============================================================================

// run loads the addressed case, checks it supports the command and appends
// what the transition produced.
func run[T Case](ctx context.Context, s *Service, cmd Command, command string, fn func(T, Meta) (Event, Case, error)) (Case, error) {
	c, err := s.load(ctx, cmd)
	if err != nil {
		return nil, err
	}
	target, ok := c.(T)
	if !ok {
		return nil, illegal(c, command)
	}
	ev, next, err := fn(target, s.meta(cmd))
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, ev); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) replay(ctx context.Context, sakID generic.SakID) (generic.Sak, []Case, generic.Head, error) {
	sak, err := s.saks.GetSak(ctx, sakID)
	if err != nil {
		return generic.Sak{}, nil, generic.Head{}, err
	}
	stored, err := s.events.Events(ctx, sakID)
	if err != nil {
		return generic.Sak{}, nil, generic.Head{}, err
	}
	cases, err := Replay(stored)
	if err != nil {
		return generic.Sak{}, nil, generic.Head{}, fmt.Errorf("replay sak %s: %w", sakID, err)
	}
	return sak, cases, generic.HeadOf(stored), nil
}

func (s *Service) load(ctx context.Context, cmd Command) (Case, error) {
	_, cases, _, err := s.replay(ctx, cmd.SakID)
	if err != nil {
		return nil, err
	}
	c, ok := findCase(cases, cmd.CaseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on sak %s", generic.ErrCaseNotFound, cmd.CaseID, cmd.SakID)
	}
	return c, nil
}

func (s *Service) meta(cmd Command) Meta {
	return Meta{Cursor: cmd.Cursor, Actor: cmd.Actor, At: s.now()}
}

func (s *Service) commit(ctx context.Context, ev Event) error {
	stored, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := s.events.Append(ctx, stored); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"sakId":   ev.SakID,
		"caseId":  ev.CaseID,
		"event":   stored.Type,
		"version": ev.Version,
		"actor":   ev.Actor,
	}).Info("case event appended")
	return nil
}
