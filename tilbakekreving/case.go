/*
Package tilbakekreving implements the repayment-assessment case: an
event-sourced state machine that takes a claim basis from the external
financial system, collects the caseworker's monthly decisions and letter
choice, and ends either settled (sent to the external system) or abandoned.

STATES (closed set, one struct per state):

  Created ──▶ InProgress ──▶ Filled ──▶ AwaitingAttestation ──▶ Settled
     │            │   ▲         │  ▲            │
     │            │   └─────────┼──┼────────────┤ new claim basis
     │            │             │  └────────────┘ rejected by attestant
     ▼            ▼             ▼               ▼
  Aborted ◀───────┴─────────────┴───────────────┘

  Created             (Opprettet)      waiting for / holding a claim basis
  InProgress          (Påbegynt)       pre-notifications and decisions
  Filled              (Utfylt)         decisions + letter choice
  AwaitingAttestation (TilAttestering) frozen, waiting for countersignature
  Settled             (Iverksatt)      terminal
  Aborted             (Avbrutt)        terminal

TRANSITIONS:
  A transition is a method that exists only on the states it is legal from.
  Each takes a Meta naming the event it must follow (Cursor) and returns the
  new Event together with the next state; the receiver is never modified.
  Apply (replay.go) replays stored events through the very same methods, so
  what was legal when written is what is rebuilt when read.

  A settlement that got no answer leaves the case in AwaitingAttestation
  marked unconfirmed. Settle, Reject and Abort are refused until
  ResolveSettlement records the external state or a new claim basis resets
  the case.

SEE ALSO:
  - events.go: Event payloads and storage codec
  - transitions.go: The transition methods
  - service.go: Persistence and settlement orchestration
*/
package tilbakekreving

import (
	"time"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

type Stage string

const (
	StageCreated             Stage = "OPPRETTET"
	StageInProgress          Stage = "PÅBEGYNT"
	StageFilled              Stage = "UTFYLT"
	StageAwaitingAttestation Stage = "TIL_ATTESTERING"
	StageSettled             Stage = "IVERKSATT"
	StageAborted             Stage = "AVBRUTT"
)

// Case is one of Created, InProgress, Filled, AwaitingAttestation, Settled
// or Aborted. The set is closed.
type Case interface {
	Header() Header
	Stage() Stage
	IsTerminal() bool
	// ClaimBasis is nil until a basis has been received.
	ClaimBasis() *kravgrunnlag.Kravgrunnlag
	sealed()
}

// Header identifies the case and the last event applied to it.
type Header struct {
	ID         generic.CaseID
	SakID      generic.SakID
	Saksnummer generic.Saksnummer
	SakType    generic.SakType
	CreatedAt  time.Time
	CreatedBy  string
	Head       generic.Head
}

// PreNotification is a forhåndsvarsel document sent before the decision.
type PreNotification struct {
	DocumentID string    `json:"dokumentId"`
	FreeText   string    `json:"fritekst,omitempty"`
	SentBy     string    `json:"sendtAv"`
	SentAt     time.Time `json:"sendtTidspunkt"`
}

// LetterChoice decides whether a decision letter (vedtaksbrev) is sent.
type LetterChoice struct {
	Send bool `json:"sendBrev"`
	// FreeText goes into the letter when Send is true.
	FreeText string `json:"fritekst,omitempty"`
	// Reason is required when Send is false.
	Reason string `json:"begrunnelse,omitempty"`
}

type AttestationOutcome string

const (
	AttestationApproved AttestationOutcome = "IVERKSATT"
	AttestationRejected AttestationOutcome = "UNDERKJENT"
)

// Attestation is one countersignature decision.
type Attestation struct {
	Attestant string             `json:"attestant"`
	At        time.Time          `json:"tidspunkt"`
	Outcome   AttestationOutcome `json:"utfall"`
	Grunn     string             `json:"grunn,omitempty"`
	Kommentar string             `json:"kommentar,omitempty"`
}

// UnconfirmedSettlement is a settlement that was sent but never answered. The
// external system may or may not have applied it, so the decision is not
// sent again until someone confirms the external state.
type UnconfirmedSettlement struct {
	Attestant    string    `json:"attestant"`
	Kontrollfelt string    `json:"kontrollfelt"`
	Cause        string    `json:"aarsak"`
	At           time.Time `json:"tidspunkt"`
}

// =============================================================================
// STATES
// =============================================================================

// Created (Opprettet): no decisions, no letter choice. The claim basis may
// not have arrived yet.
type Created struct {
	header     Header
	claimBasis *kravgrunnlag.Kravgrunnlag
}

// InProgress (Påbegynt): has a claim basis, may have pre-notifications and
// decisions, has no letter choice. Attestations survive a reset caused by a
// new claim basis.
type InProgress struct {
	header           Header
	claimBasis       kravgrunnlag.Kravgrunnlag
	preNotifications []PreNotification
	decisions        *vurdering.Decisions
	reconciled       *vurdering.Reconciled
	attestations     []Attestation
}

// Filled (Utfylt): decisions and letter choice present.
type Filled struct {
	header           Header
	claimBasis       kravgrunnlag.Kravgrunnlag
	preNotifications []PreNotification
	decisions        vurdering.Decisions
	reconciled       vurdering.Reconciled
	letter           LetterChoice
	attestations     []Attestation
}

// AwaitingAttestation (TilAttestering): frozen until countersigned. While
// unconfirmed is set only a new claim basis or ResolveSettlement moves it.
type AwaitingAttestation struct {
	header           Header
	claimBasis       kravgrunnlag.Kravgrunnlag
	preNotifications []PreNotification
	decisions        vurdering.Decisions
	reconciled       vurdering.Reconciled
	letter           LetterChoice
	attestations     []Attestation
	submittedBy      string
	submittedAt      time.Time
	unconfirmed      *UnconfirmedSettlement
}

// Settled (Iverksatt): countersigned and accepted by the external system.
type Settled struct {
	header           Header
	claimBasis       kravgrunnlag.Kravgrunnlag
	preNotifications []PreNotification
	decisions        vurdering.Decisions
	reconciled       vurdering.Reconciled
	letter           LetterChoice
	attestations     []Attestation
	submittedBy      string
	submittedAt      time.Time
	receipt          oppdrag.Receipt
}

// Aborted (Avbrutt): abandoned from any non-terminal state.
type Aborted struct {
	header     Header
	claimBasis *kravgrunnlag.Kravgrunnlag
	from       Stage
	reason     string
	abortedBy  string
	abortedAt  time.Time
	annulment  *oppdrag.Receipt
}

func (Created) sealed()             {}
func (InProgress) sealed()          {}
func (Filled) sealed()              {}
func (AwaitingAttestation) sealed() {}
func (Settled) sealed()             {}
func (Aborted) sealed()             {}

func (c Created) Header() Header             { return c.header }
func (c InProgress) Header() Header          { return c.header }
func (c Filled) Header() Header              { return c.header }
func (c AwaitingAttestation) Header() Header { return c.header }
func (c Settled) Header() Header             { return c.header }
func (c Aborted) Header() Header             { return c.header }

func (Created) Stage() Stage             { return StageCreated }
func (InProgress) Stage() Stage          { return StageInProgress }
func (Filled) Stage() Stage              { return StageFilled }
func (AwaitingAttestation) Stage() Stage { return StageAwaitingAttestation }
func (Settled) Stage() Stage             { return StageSettled }
func (Aborted) Stage() Stage             { return StageAborted }

func (Created) IsTerminal() bool             { return false }
func (InProgress) IsTerminal() bool          { return false }
func (Filled) IsTerminal() bool              { return false }
func (AwaitingAttestation) IsTerminal() bool { return false }
func (Settled) IsTerminal() bool             { return true }
func (Aborted) IsTerminal() bool             { return true }

func (c Created) ClaimBasis() *kravgrunnlag.Kravgrunnlag { return copyBasis(c.claimBasis) }
func (c InProgress) ClaimBasis() *kravgrunnlag.Kravgrunnlag {
	return copyBasis(&c.claimBasis)
}
func (c Filled) ClaimBasis() *kravgrunnlag.Kravgrunnlag { return copyBasis(&c.claimBasis) }
func (c AwaitingAttestation) ClaimBasis() *kravgrunnlag.Kravgrunnlag {
	return copyBasis(&c.claimBasis)
}
func (c Settled) ClaimBasis() *kravgrunnlag.Kravgrunnlag { return copyBasis(&c.claimBasis) }
func (c Aborted) ClaimBasis() *kravgrunnlag.Kravgrunnlag { return copyBasis(c.claimBasis) }

func copyBasis(k *kravgrunnlag.Kravgrunnlag) *kravgrunnlag.Kravgrunnlag {
	if k == nil {
		return nil
	}
	cp := *k
	cp.Grunnlagsperioder = append([]kravgrunnlag.Grunnlagsperiode(nil), k.Grunnlagsperioder...)
	return &cp
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (c InProgress) PreNotifications() []PreNotification { return clonePre(c.preNotifications) }
func (c InProgress) Decisions() *vurdering.Decisions       { return c.decisions }
func (c InProgress) Reconciled() *vurdering.Reconciled     { return c.reconciled }
func (c InProgress) Attestations() []Attestation           { return cloneAtt(c.attestations) }

func (c Filled) PreNotifications() []PreNotification { return clonePre(c.preNotifications) }
func (c Filled) Decisions() vurdering.Decisions       { return c.decisions }
func (c Filled) Reconciled() vurdering.Reconciled     { return c.reconciled }
func (c Filled) Letter() LetterChoice                 { return c.letter }
func (c Filled) Attestations() []Attestation          { return cloneAtt(c.attestations) }

// IsRejected (erUnderkjent) is true when an attestant has sent the case back.
func (c Filled) IsRejected() bool { return len(c.attestations) > 0 }

func (c AwaitingAttestation) PreNotifications() []PreNotification { return clonePre(c.preNotifications) }
func (c AwaitingAttestation) Decisions() vurdering.Decisions       { return c.decisions }
func (c AwaitingAttestation) Reconciled() vurdering.Reconciled     { return c.reconciled }
func (c AwaitingAttestation) Letter() LetterChoice                 { return c.letter }
func (c AwaitingAttestation) Attestations() []Attestation          { return cloneAtt(c.attestations) }
func (c AwaitingAttestation) SubmittedBy() string                  { return c.submittedBy }

// UnconfirmedSettlement is nil unless a settlement is waiting for its outcome
// to be confirmed.
func (c AwaitingAttestation) UnconfirmedSettlement() *UnconfirmedSettlement {
	if c.unconfirmed == nil {
		return nil
	}
	u := *c.unconfirmed
	return &u
}

func (c Settled) Reconciled() vurdering.Reconciled { return c.reconciled }
func (c Settled) Letter() LetterChoice             { return c.letter }
func (c Settled) Attestations() []Attestation      { return cloneAtt(c.attestations) }
func (c Settled) Receipt() oppdrag.Receipt         { return c.receipt }

func (c Aborted) Reason() string              { return c.reason }
func (c Aborted) AbortedFrom() Stage          { return c.from }
func (c Aborted) Annulment() *oppdrag.Receipt { return c.annulment }

func clonePre(p []PreNotification) []PreNotification {
	return append([]PreNotification(nil), p...)
}

func cloneAtt(a []Attestation) []Attestation {
	return append([]Attestation(nil), a...)
}
