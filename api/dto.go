/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the case snapshots from the external API contract, allowing:
  - Field renaming without breaking clients
  - One flat shape for every case stage

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CURSOR:
  Every mutation body carries the cursor the caller last saw
  (previousEventId, version). CaseDTO returns the cursor for the next
  mutation, so a client echoes back what it read.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - tilbakekreving/case.go: The snapshots rendered here
*/
package api

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/tilbakekreving"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type RegisterSakRequest struct {
	Saksnummer generic.Saksnummer `json:"saksnummer"`
	SakType    generic.SakType    `json:"sakType"`
}

// CreateCaseRequest opens a case. Kravgrunnlag is optional and, when given,
// is the claim-basis payload in the same format the ingestion job reads.
type CreateCaseRequest struct {
	Kravgrunnlag json.RawMessage `json:"kravgrunnlag,omitempty"`
}

type PreNotificationRequest struct {
	tilbakekreving.Cursor
	DokumentID string `json:"dokumentId,omitempty"`
	Fritekst   string `json:"fritekst,omitempty"`
}

type DecisionsRequest struct {
	tilbakekreving.Cursor
	Vurderinger []vurdering.MonthlyDecision `json:"vurderinger"`
}

type LetterRequest struct {
	tilbakekreving.Cursor
	tilbakekreving.LetterChoice
}

// CursorRequest is the body of commands that need nothing but the cursor.
type CursorRequest struct {
	tilbakekreving.Cursor
}

type RejectRequest struct {
	tilbakekreving.Cursor
	Grunn     string `json:"grunn"`
	Kommentar string `json:"kommentar,omitempty"`
}

// ResolveSettlementRequest records the external state after a settlement
// that got no answer. Iverksatt is true when the financial system did apply it.
type ResolveSettlementRequest struct {
	tilbakekreving.Cursor
	Iverksatt bool   `json:"iverksatt"`
	Kommentar string `json:"kommentar"`
}

type AbortRequest struct {
	tilbakekreving.Cursor
	Begrunnelse string `json:"begrunnelse"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SakDTO struct {
	ID         generic.SakID      `json:"id"`
	Saksnummer generic.Saksnummer `json:"saksnummer"`
	SakType    generic.SakType    `json:"sakType"`
	CreatedAt  time.Time          `json:"opprettet"`
}

func toSakDTO(s generic.Sak) SakDTO {
	return SakDTO{ID: s.ID, Saksnummer: s.Saksnummer, SakType: s.Type, CreatedAt: s.CreatedAt}
}

// ReconciledDTO is the reconciled decisions with their totals.
// RecoversAnything is false when every month is waived.
type ReconciledDTO struct {
	vurdering.Reconciled
	Sums             vurdering.Sums `json:"summer"`
	RecoversAnything bool           `json:"skalTilbakekreve"`
}

func toReconciledDTO(r *vurdering.Reconciled) *ReconciledDTO {
	if r == nil {
		return nil
	}
	return &ReconciledDTO{Reconciled: *r, Sums: r.Sums(), RecoversAnything: r.RecoversAnything()}
}

// CaseDTO is every stage of a case in one shape. Fields a stage does not
// have are left out.
type CaseDTO struct {
	ID         generic.CaseID        `json:"id"`
	SakID      generic.SakID         `json:"sakId"`
	Saksnummer generic.Saksnummer    `json:"saksnummer"`
	SakType    generic.SakType       `json:"sakType"`
	Status     tilbakekreving.Stage  `json:"status"`
	CreatedAt  time.Time             `json:"opprettet"`
	CreatedBy  string                `json:"opprettetAv"`
	Cursor     tilbakekreving.Cursor `json:"cursor"`

	Kravgrunnlag     *kravgrunnlag.Kravgrunnlag            `json:"kravgrunnlag,omitempty"`
	PreNotifications []tilbakekreving.PreNotification      `json:"forhåndsvarsler,omitempty"`
	Decisions        *vurdering.Decisions                  `json:"vurderinger,omitempty"`
	Reconciled       *ReconciledDTO                        `json:"vurderingerMedKrav,omitempty"`
	Letter           *tilbakekreving.LetterChoice          `json:"vedtaksbrev,omitempty"`
	Attestations     []tilbakekreving.Attestation          `json:"attesteringer,omitempty"`
	SubmittedBy      string                                `json:"sendtTilAttesteringAv,omitempty"`
	Unconfirmed      *tilbakekreving.UnconfirmedSettlement `json:"ubekreftetIverksetting,omitempty"`
	Receipt          *oppdrag.Receipt                      `json:"kvittering,omitempty"`
	AbortReason      string                                `json:"avbruttBegrunnelse,omitempty"`
	AbortedFrom      tilbakekreving.Stage                  `json:"avbruttFra,omitempty"`
	Annulment        *oppdrag.Receipt                      `json:"annullering,omitempty"`
}

func toCaseDTO(c tilbakekreving.Case) CaseDTO {
	h := c.Header()
	dto := CaseDTO{
		ID:           h.ID,
		SakID:        h.SakID,
		Saksnummer:   h.Saksnummer,
		SakType:      h.SakType,
		Status:       c.Stage(),
		CreatedAt:    h.CreatedAt,
		CreatedBy:    h.CreatedBy,
		Cursor:       tilbakekreving.CursorAfter(h.Head),
		Kravgrunnlag: c.ClaimBasis(),
	}

	switch c := c.(type) {
	case tilbakekreving.InProgress:
		dto.PreNotifications = c.PreNotifications()
		dto.Decisions = c.Decisions()
		dto.Reconciled = toReconciledDTO(c.Reconciled())
		dto.Attestations = c.Attestations()
	case tilbakekreving.Filled:
		decisions, reconciled, letter := c.Decisions(), c.Reconciled(), c.Letter()
		dto.PreNotifications = c.PreNotifications()
		dto.Decisions = &decisions
		dto.Reconciled = toReconciledDTO(&reconciled)
		dto.Letter = &letter
		dto.Attestations = c.Attestations()
	case tilbakekreving.AwaitingAttestation:
		decisions, reconciled, letter := c.Decisions(), c.Reconciled(), c.Letter()
		dto.PreNotifications = c.PreNotifications()
		dto.Decisions = &decisions
		dto.Reconciled = toReconciledDTO(&reconciled)
		dto.Letter = &letter
		dto.Attestations = c.Attestations()
		dto.SubmittedBy = c.SubmittedBy()
		dto.Unconfirmed = c.UnconfirmedSettlement()
	case tilbakekreving.Settled:
		reconciled, letter, receipt := c.Reconciled(), c.Letter(), c.Receipt()
		dto.Reconciled = toReconciledDTO(&reconciled)
		dto.Letter = &letter
		dto.Attestations = c.Attestations()
		dto.Receipt = &receipt
	case tilbakekreving.Aborted:
		dto.AbortReason = c.Reason()
		dto.AbortedFrom = c.AbortedFrom()
		dto.Annulment = c.Annulment()
	}
	return dto
}

// EventDTO is one entry of a sak's history.
type EventDTO struct {
	ID         generic.EventID   `json:"id"`
	CaseID     generic.CaseID    `json:"tilbakekrevingId"`
	Version    generic.Version   `json:"versjon"`
	PreviousID generic.EventID   `json:"forrigeHendelseId,omitempty"`
	Type       generic.EventType `json:"type"`
	Actor      string            `json:"utfortAv"`
	OccurredAt time.Time         `json:"tidspunkt"`
}

func toEventDTO(ev tilbakekreving.Event) EventDTO {
	return EventDTO{
		ID:         ev.ID,
		CaseID:     ev.CaseID,
		Version:    ev.Version,
		PreviousID: ev.PreviousID,
		Type:       ev.Payload.EventType(),
		Actor:      ev.Actor,
		OccurredAt: ev.OccurredAt,
	}
}

// RawMessageDTO is a stored claim-basis message without its payload.
type RawMessageDTO struct {
	ID                string             `json:"id"`
	ExternalMessageID string             `json:"eksternMeldingId"`
	Saksnummer        generic.Saksnummer `json:"saksnummer,omitempty"`
	ReceivedAt        time.Time          `json:"mottatt"`
}

type ReceivedDTO struct {
	ID       string `json:"id,omitempty"`
	Inserted bool   `json:"inserted"`
}

// ErrorResponse is the body of every non-2xx response. Kind tells the
// caseworker whether the input was wrong, the external system said no, or
// it could not be reached.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}
