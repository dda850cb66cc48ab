package tilbakekreving

import (
	"fmt"
	"strings"
	"time"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

// =============================================================================
// CAPABILITIES - one interface per command, implemented only by legal states
// =============================================================================

type ClaimBasisReceiver interface {
	Case
	ReceiveClaimBasis(m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error)
}

type PreNotifier interface {
	Case
	AddPreNotification(m Meta, documentID, freeText string) (Event, Case, error)
}

type Decider interface {
	Case
	SetDecisions(m Meta, decisions vurdering.Decisions) (Event, Case, error)
}

type LetterChooser interface {
	Case
	ChooseLetter(m Meta, letter LetterChoice) (Event, Case, error)
}

type Submitter interface {
	Case
	SubmitForAttestation(m Meta) (Event, Case, error)
}

// Attestable is a case waiting for countersignature.
type Attestable interface {
	Case
	CheckAttestant(attestant string) error
	UnconfirmedSettlement() *UnconfirmedSettlement
	SettlementRequest(attestant string) oppdrag.SettlementRequest
	Settle(m Meta, receipt oppdrag.Receipt) (Event, Case, error)
	MarkSettlementUnknown(m Meta, cause string) (Event, Case, error)
	ResolveSettlement(m Meta, applied bool, kommentar string) (Event, Case, error)
	Reject(m Meta, grunn, kommentar string) (Event, Case, error)
}

type Aborter interface {
	Case
	Abort(m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error)
}

var (
	_ ClaimBasisReceiver = Created{}
	_ ClaimBasisReceiver = InProgress{}
	_ ClaimBasisReceiver = Filled{}
	_ ClaimBasisReceiver = AwaitingAttestation{}
	_ PreNotifier        = Created{}
	_ PreNotifier        = InProgress{}
	_ PreNotifier        = Filled{}
	_ Decider            = Created{}
	_ Decider            = InProgress{}
	_ Decider            = Filled{}
	_ LetterChooser      = InProgress{}
	_ LetterChooser      = Filled{}
	_ Submitter          = Filled{}
	_ Attestable         = AwaitingAttestation{}
	_ Aborter            = Created{}
	_ Aborter            = InProgress{}
	_ Aborter            = Filled{}
	_ Aborter            = AwaitingAttestation{}
)

// =============================================================================
// GUARDS
// =============================================================================

func checkMeta(h Header, m Meta) error {
	if strings.TrimSpace(m.Actor) == "" {
		return ErrMissingActor
	}
	if expected := CursorAfter(h.Head); m.Cursor != expected {
		return &StaleCursorError{CaseID: h.ID, Given: m.Cursor, Expected: expected}
	}
	return nil
}

func checkBasisBelongs(h Header, basis kravgrunnlag.Kravgrunnlag) error {
	if basis.Saksnummer != h.Saksnummer || basis.SakType != h.SakType {
		return fmt.Errorf("%w: basis %s is for saksnummer %s (%s), case is %s (%s)", ErrClaimBasisMismatch,
			basis.EksternKravgrunnlagID, basis.Saksnummer, basis.SakType, h.Saksnummer, h.SakType)
	}
	if basis.Status.Closed() {
		return fmt.Errorf("%w: basis %s has status %s", ErrClaimBasisClosed, basis.EksternKravgrunnlagID, basis.Status)
	}
	return nil
}

// checkBasisReplaces refuses a redelivery of the current basis and a basis
// issued before it.
func checkBasisReplaces(current, basis kravgrunnlag.Kravgrunnlag) error {
	if current.SameAs(basis) {
		return ErrClaimBasisUnchanged
	}
	if basis.OlderThan(current) {
		return fmt.Errorf("%w: kontrollfelt %s is older than %s", ErrClaimBasisSuperseded,
			basis.EksternKontrollfelt, current.EksternKontrollfelt)
	}
	return nil
}

func checkSettlementConfirmed(u *UnconfirmedSettlement) error {
	if u != nil {
		return fmt.Errorf("%w: sent by %s at %s with kontrollfelt %s", ErrSettlementUnconfirmed,
			u.Attestant, u.At.Format(time.RFC3339), u.Kontrollfelt)
	}
	return nil
}

func advance(h Header, ev Event) Header {
	h.Head = ev.Head()
	return h
}

// =============================================================================
// CREATE
// =============================================================================

// NewCase opens a case on sak. m.Cursor must follow the sak's head, which for
// a new case is the last event of whatever case came before it.
func NewCase(sak generic.Sak, caseID generic.CaseID, m Meta, basis *kravgrunnlag.Kravgrunnlag) (Event, Created, error) {
	if strings.TrimSpace(m.Actor) == "" {
		return Event{}, Created{}, ErrMissingActor
	}
	if caseID == "" {
		caseID = generic.NewCaseID()
	}
	h := Header{
		ID:         caseID,
		SakID:      sak.ID,
		Saksnummer: sak.Saksnummer,
		SakType:    sak.Type,
		CreatedAt:  m.At,
		CreatedBy:  m.Actor,
	}
	if basis != nil {
		if err := checkBasisBelongs(h, *basis); err != nil {
			return Event{}, Created{}, err
		}
	}
	ev := newEvent(h, m, CreatedPayload{Saksnummer: sak.Saksnummer, SakType: sak.Type, ClaimBasis: copyBasis(basis)})
	return ev, Created{header: advance(h, ev), claimBasis: copyBasis(basis)}, nil
}

// =============================================================================
// CREATED
// =============================================================================

func (c Created) ReceiveClaimBasis(m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if err := checkBasisBelongs(c.header, basis); err != nil {
		return Event{}, nil, err
	}
	if c.claimBasis != nil {
		if err := checkBasisReplaces(*c.claimBasis, basis); err != nil {
			return Event{}, nil, err
		}
	}
	ev := newEvent(c.header, m, ClaimBasisReceivedPayload{ClaimBasis: basis, RawMessageID: rawMessageID})
	return ev, Created{header: advance(c.header, ev), claimBasis: copyBasis(&basis)}, nil
}

func (c Created) AddPreNotification(m Meta, documentID, freeText string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if c.claimBasis == nil {
		return Event{}, nil, ErrNoClaimBasis
	}
	pn, err := preNotification(m, documentID, freeText)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, PreNotifiedPayload{DocumentID: pn.DocumentID, FreeText: pn.FreeText})
	return ev, InProgress{
		header:           advance(c.header, ev),
		claimBasis:       *copyBasis(c.claimBasis),
		preNotifications: []PreNotification{pn},
	}, nil
}

func (c Created) SetDecisions(m Meta, decisions vurdering.Decisions) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if c.claimBasis == nil {
		return Event{}, nil, ErrNoClaimBasis
	}
	reconciled, err := vurdering.Reconcile(decisions, *c.claimBasis)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, DecisionsSetPayload{Decisions: decisions})
	return ev, InProgress{
		header:     advance(c.header, ev),
		claimBasis: *copyBasis(c.claimBasis),
		decisions:  &decisions,
		reconciled: &reconciled,
	}, nil
}

func (c Created) Abort(m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error) {
	return abort(c, c.header, c.claimBasis, m, reason, annulment)
}

// =============================================================================
// IN PROGRESS
// =============================================================================

// ReceiveClaimBasis replaces the basis. Decisions priced against the old basis
// are dropped; pre-notifications and attestation history are kept.
func (c InProgress) ReceiveClaimBasis(m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error) {
	return replaceBasis(c.header, c.claimBasis, c.preNotifications, c.attestations, m, basis, rawMessageID)
}

func (c InProgress) AddPreNotification(m Meta, documentID, freeText string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	pn, err := preNotification(m, documentID, freeText)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, PreNotifiedPayload{DocumentID: pn.DocumentID, FreeText: pn.FreeText})
	next := c
	next.header = advance(c.header, ev)
	next.preNotifications = append(clonePre(c.preNotifications), pn)
	return ev, next, nil
}

func (c InProgress) SetDecisions(m Meta, decisions vurdering.Decisions) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	reconciled, err := vurdering.Reconcile(decisions, c.claimBasis)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, DecisionsSetPayload{Decisions: decisions})
	next := c
	next.header = advance(c.header, ev)
	next.decisions = &decisions
	next.reconciled = &reconciled
	return ev, next, nil
}

func (c InProgress) ChooseLetter(m Meta, letter LetterChoice) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if c.decisions == nil || c.reconciled == nil {
		return Event{}, nil, ErrNoDecisions
	}
	if err := letter.validate(); err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, LetterChosenPayload{Letter: letter})
	return ev, Filled{
		header:           advance(c.header, ev),
		claimBasis:       c.claimBasis,
		preNotifications: clonePre(c.preNotifications),
		decisions:        *c.decisions,
		reconciled:       *c.reconciled,
		letter:           letter,
		attestations:     cloneAtt(c.attestations),
	}, nil
}

func (c InProgress) Abort(m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error) {
	return abort(c, c.header, &c.claimBasis, m, reason, annulment)
}

// =============================================================================
// FILLED
// =============================================================================

func (c Filled) ReceiveClaimBasis(m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error) {
	return replaceBasis(c.header, c.claimBasis, c.preNotifications, c.attestations, m, basis, rawMessageID)
}

func (c Filled) AddPreNotification(m Meta, documentID, freeText string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	pn, err := preNotification(m, documentID, freeText)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, PreNotifiedPayload{DocumentID: pn.DocumentID, FreeText: pn.FreeText})
	next := c
	next.header = advance(c.header, ev)
	next.preNotifications = append(clonePre(c.preNotifications), pn)
	return ev, next, nil
}

// SetDecisions replaces the decisions and keeps the letter choice.
func (c Filled) SetDecisions(m Meta, decisions vurdering.Decisions) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	reconciled, err := vurdering.Reconcile(decisions, c.claimBasis)
	if err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, DecisionsSetPayload{Decisions: decisions})
	next := c
	next.header = advance(c.header, ev)
	next.decisions = decisions
	next.reconciled = reconciled
	return ev, next, nil
}

func (c Filled) ChooseLetter(m Meta, letter LetterChoice) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if err := letter.validate(); err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, LetterChosenPayload{Letter: letter})
	next := c
	next.header = advance(c.header, ev)
	next.letter = letter
	return ev, next, nil
}

func (c Filled) SubmitForAttestation(m Meta) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(c.header, m, SubmittedPayload{})
	return ev, AwaitingAttestation{
		header:           advance(c.header, ev),
		claimBasis:       c.claimBasis,
		preNotifications: clonePre(c.preNotifications),
		decisions:        c.decisions,
		reconciled:       c.reconciled,
		letter:           c.letter,
		attestations:     cloneAtt(c.attestations),
		submittedBy:      m.Actor,
		submittedAt:      m.At,
	}, nil
}

func (c Filled) Abort(m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error) {
	return abort(c, c.header, &c.claimBasis, m, reason, annulment)
}

// =============================================================================
// AWAITING ATTESTATION
// =============================================================================

// ReceiveClaimBasis sends the case back to InProgress: what was submitted no
// longer matches what the external system will accept. It also clears an
// unconfirmed settlement, since the external system rejects anything that
// echoes the old kontrollfelt.
func (c AwaitingAttestation) ReceiveClaimBasis(m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error) {
	return replaceBasis(c.header, c.claimBasis, c.preNotifications, c.attestations, m, basis, rawMessageID)
}

// CheckAttestant enforces the two-person rule.
func (c AwaitingAttestation) CheckAttestant(attestant string) error {
	if strings.TrimSpace(attestant) == "" {
		return ErrMissingActor
	}
	if attestant == c.submittedBy {
		return ErrSameAttestant
	}
	return nil
}

// SettlementRequest is what gets sent when attestant countersigns.
func (c AwaitingAttestation) SettlementRequest(attestant string) oppdrag.SettlementRequest {
	return oppdrag.SettlementRequest{
		Reconciled: c.reconciled,
		Attestant:  attestant,
		SakType:    c.header.SakType,
	}
}

// Settle records an accepted settlement. m.Actor is the attestant.
func (c AwaitingAttestation) Settle(m Meta, receipt oppdrag.Receipt) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if err := c.CheckAttestant(m.Actor); err != nil {
		return Event{}, nil, err
	}
	if err := checkSettlementConfirmed(c.unconfirmed); err != nil {
		return Event{}, nil, err
	}
	if receipt.Severity != oppdrag.SeverityOK && receipt.Severity != oppdrag.SeverityWarning {
		return Event{}, nil, fmt.Errorf("%w: receipt with alvorlighetsgrad %q is not an acceptance",
			generic.ErrValidation, receipt.Severity)
	}
	ev := newEvent(c.header, m, SettledPayload{Receipt: receipt})
	return ev, c.settled(ev, m.Actor, m.At, receipt), nil
}

// MarkSettlementUnknown records that the settlement was sent by m.Actor but
// no answer came back. Until the mark is cleared nothing is sent again.
func (c AwaitingAttestation) MarkSettlementUnknown(m Meta, cause string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if err := c.CheckAttestant(m.Actor); err != nil {
		return Event{}, nil, err
	}
	if err := checkSettlementConfirmed(c.unconfirmed); err != nil {
		return Event{}, nil, err
	}
	kontrollfelt := c.reconciled.EksternKontrollfelt
	ev := newEvent(c.header, m, SettlementUnknownPayload{Kontrollfelt: kontrollfelt, Cause: cause})
	next := c
	next.header = advance(c.header, ev)
	next.unconfirmed = &UnconfirmedSettlement{Attestant: m.Actor, Kontrollfelt: kontrollfelt, Cause: cause, At: m.At}
	return ev, next, nil
}

// ResolveSettlement records what was found in the external system after an
// unanswered settlement. If it was applied the case is settled on behalf of
// the attestant who sent it; if not, the mark is cleared and the case can be
// settled, rejected or aborted again.
func (c AwaitingAttestation) ResolveSettlement(m Meta, applied bool, kommentar string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if c.unconfirmed == nil {
		return Event{}, nil, ErrNoUnconfirmedSettlement
	}
	if err := c.CheckAttestant(m.Actor); err != nil {
		return Event{}, nil, err
	}
	if strings.TrimSpace(kommentar) == "" {
		return Event{}, nil, fmt.Errorf("%w: confirming the external state needs a comment", generic.ErrValidation)
	}
	ev := newEvent(c.header, m, SettlementResolvedPayload{Applied: applied, Kommentar: kommentar})
	if applied {
		u := c.unconfirmed
		receipt := oppdrag.Receipt{
			Severity: oppdrag.SeverityOK,
			Code:     ManuallyConfirmedCode,
			Message:  kommentar,
			SentAt:   u.At,
		}
		return ev, c.settled(ev, u.Attestant, u.At, receipt), nil
	}
	next := c
	next.header = advance(c.header, ev)
	next.unconfirmed = nil
	return ev, next, nil
}

// ManuallyConfirmedCode marks a receipt written from a person's confirmation
// instead of an answer from the external system.
const ManuallyConfirmedCode = "MANUELT_BEKREFTET"

func (c AwaitingAttestation) settled(ev Event, attestant string, at time.Time, receipt oppdrag.Receipt) Settled {
	return Settled{
		header:           advance(c.header, ev),
		claimBasis:       c.claimBasis,
		preNotifications: clonePre(c.preNotifications),
		decisions:        c.decisions,
		reconciled:       c.reconciled,
		letter:           c.letter,
		attestations:     append(cloneAtt(c.attestations), Attestation{Attestant: attestant, At: at, Outcome: AttestationApproved}),
		submittedBy:      c.submittedBy,
		submittedAt:      c.submittedAt,
		receipt:          receipt,
	}
}

// Reject (underkjenn) returns the case to Filled. The attestation is kept and
// the case counts as rejected from then on.
func (c AwaitingAttestation) Reject(m Meta, grunn, kommentar string) (Event, Case, error) {
	if err := checkMeta(c.header, m); err != nil {
		return Event{}, nil, err
	}
	if err := c.CheckAttestant(m.Actor); err != nil {
		return Event{}, nil, err
	}
	if err := checkSettlementConfirmed(c.unconfirmed); err != nil {
		return Event{}, nil, err
	}
	if strings.TrimSpace(grunn) == "" {
		return Event{}, nil, fmt.Errorf("%w: rejection needs a reason", generic.ErrValidation)
	}
	ev := newEvent(c.header, m, RejectedPayload{Grunn: grunn, Kommentar: kommentar})
	return ev, Filled{
		header:           advance(c.header, ev),
		claimBasis:       c.claimBasis,
		preNotifications: clonePre(c.preNotifications),
		decisions:        c.decisions,
		reconciled:       c.reconciled,
		letter:           c.letter,
		attestations: append(cloneAtt(c.attestations), Attestation{
			Attestant: m.Actor,
			At:        m.At,
			Outcome:   AttestationRejected,
			Grunn:     grunn,
			Kommentar: kommentar,
		}),
	}, nil
}

func (c AwaitingAttestation) Abort(m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error) {
	if err := checkSettlementConfirmed(c.unconfirmed); err != nil {
		return Event{}, nil, err
	}
	return abort(c, c.header, &c.claimBasis, m, reason, annulment)
}

// =============================================================================
// SHARED
// =============================================================================

func replaceBasis(h Header, current kravgrunnlag.Kravgrunnlag, pre []PreNotification, att []Attestation,
	m Meta, basis kravgrunnlag.Kravgrunnlag, rawMessageID string) (Event, Case, error) {
	if err := checkMeta(h, m); err != nil {
		return Event{}, nil, err
	}
	if err := checkBasisBelongs(h, basis); err != nil {
		return Event{}, nil, err
	}
	if err := checkBasisReplaces(current, basis); err != nil {
		return Event{}, nil, err
	}
	ev := newEvent(h, m, ClaimBasisReceivedPayload{ClaimBasis: basis, RawMessageID: rawMessageID})
	return ev, InProgress{
		header:           advance(h, ev),
		claimBasis:       *copyBasis(&basis),
		preNotifications: clonePre(pre),
		attestations:     cloneAtt(att),
	}, nil
}

func abort(c Case, h Header, basis *kravgrunnlag.Kravgrunnlag, m Meta, reason string, annulment *oppdrag.Receipt) (Event, Case, error) {
	if err := checkMeta(h, m); err != nil {
		return Event{}, nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return Event{}, nil, fmt.Errorf("%w: aborting needs a reason", generic.ErrValidation)
	}
	if basis != nil && annulment == nil {
		return Event{}, nil, fmt.Errorf("%w: claim basis %s must be annulled before the case is aborted",
			generic.ErrValidation, basis.EksternKravgrunnlagID)
	}
	ev := newEvent(h, m, AbortedPayload{Reason: reason, Annulment: annulment})
	return ev, Aborted{
		header:     advance(h, ev),
		claimBasis: copyBasis(basis),
		from:       c.Stage(),
		reason:     reason,
		abortedBy:  m.Actor,
		abortedAt:  m.At,
		annulment:  annulment,
	}, nil
}

func preNotification(m Meta, documentID, freeText string) (PreNotification, error) {
	if strings.TrimSpace(documentID) == "" {
		return PreNotification{}, fmt.Errorf("%w: pre-notification needs a document id", generic.ErrValidation)
	}
	return PreNotification{DocumentID: documentID, FreeText: freeText, SentBy: m.Actor, SentAt: m.At}, nil
}

func (l LetterChoice) validate() error {
	if !l.Send && strings.TrimSpace(l.Reason) == "" {
		return fmt.Errorf("%w: a reason is required when no letter is sent", generic.ErrValidation)
	}
	return nil
}
