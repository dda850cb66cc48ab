/*
events.go - Case events (hendelser) and their storage codec

PURPOSE:
  Every change to a case is one Event. The Event carries the case identity,
  the chain fields (version and previous event) and a typed Payload. On disk
  the payload is JSON inside a generic.Event; see Encode and Decode.

EVENT TYPES:
  TILBAKEKREVING_OPPRETTET     Created, optionally with a claim basis
  KRAVGRUNNLAG_MOTTATT         A (new) claim basis arrived
  FORHAANDSVARSLET             Pre-notification document sent
  VURDERT                      Monthly decisions set (reconciled on apply)
  VEDTAKSBREV_VALGT            Letter choice made
  SENDT_TIL_ATTESTERING        Submitted for countersignature
  IVERKSATT                    Countersigned and accepted externally
  IVERKSETTING_UBEKREFTET      Settlement sent, outcome unknown
  IVERKSETTING_AVKLART         External state of an unknown settlement confirmed
  UNDERKJENT                   Sent back by the attestant
  AVBRUTT                      Abandoned
*/
package tilbakekreving

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

const (
	EventCreated            generic.EventType = "TILBAKEKREVING_OPPRETTET"
	EventClaimBasisReceived generic.EventType = "KRAVGRUNNLAG_MOTTATT"
	EventPreNotified        generic.EventType = "FORHAANDSVARSLET"
	EventDecisionsSet       generic.EventType = "VURDERT"
	EventLetterChosen       generic.EventType = "VEDTAKSBREV_VALGT"
	EventSubmitted          generic.EventType = "SENDT_TIL_ATTESTERING"
	EventSettled            generic.EventType = "IVERKSATT"
	EventSettlementUnknown  generic.EventType = "IVERKSETTING_UBEKREFTET"
	EventSettlementResolved generic.EventType = "IVERKSETTING_AVKLART"
	EventRejected           generic.EventType = "UNDERKJENT"
	EventAborted            generic.EventType = "AVBRUTT"
)

// Cursor names the event a new event must follow: its id and the version the
// new event will get.
type Cursor struct {
	PreviousID generic.EventID `json:"previousEventId"`
	Version    generic.Version `json:"version"`
}

// CursorAfter is the cursor for the event that follows head.
func CursorAfter(head generic.Head) Cursor {
	return Cursor{PreviousID: head.ID, Version: head.Version + 1}
}

// Meta is what every transition needs besides its own arguments.
type Meta struct {
	Cursor Cursor
	// EventID is generated when empty. Replay passes the stored id.
	EventID generic.EventID
	Actor   string
	At      time.Time
}

func (m Meta) eventID() generic.EventID {
	if m.EventID == "" {
		return generic.NewEventID()
	}
	return m.EventID
}

// Payload is the type-specific body of an Event.
type Payload interface {
	EventType() generic.EventType
}

type Event struct {
	ID         generic.EventID
	SakID      generic.SakID
	CaseID     generic.CaseID
	Version    generic.Version
	PreviousID generic.EventID
	Actor      string
	OccurredAt time.Time
	Payload    Payload
}

func newEvent(h Header, m Meta, p Payload) Event {
	return Event{
		ID:         m.eventID(),
		SakID:      h.SakID,
		CaseID:     h.ID,
		Version:    m.Cursor.Version,
		PreviousID: m.Cursor.PreviousID,
		Actor:      m.Actor,
		OccurredAt: m.At,
		Payload:    p,
	}
}

func (e Event) Head() generic.Head { return generic.Head{ID: e.ID, Version: e.Version} }

// =============================================================================
// PAYLOADS
// =============================================================================

type CreatedPayload struct {
	Saksnummer generic.Saksnummer         `json:"saksnummer"`
	SakType    generic.SakType            `json:"sakType"`
	ClaimBasis *kravgrunnlag.Kravgrunnlag `json:"kravgrunnlag,omitempty"`
}

type ClaimBasisReceivedPayload struct {
	ClaimBasis   kravgrunnlag.Kravgrunnlag `json:"kravgrunnlag"`
	RawMessageID string                    `json:"raaKravgrunnlagId,omitempty"`
}

type PreNotifiedPayload struct {
	DocumentID string `json:"dokumentId"`
	FreeText   string `json:"fritekst,omitempty"`
}

type DecisionsSetPayload struct {
	Decisions vurdering.Decisions `json:"vurderinger"`
}

type LetterChosenPayload struct {
	Letter LetterChoice `json:"vedtaksbrev"`
}

type SubmittedPayload struct{}

type SettledPayload struct {
	Receipt oppdrag.Receipt `json:"kvittering"`
}

type SettlementUnknownPayload struct {
	Kontrollfelt string `json:"kontrollfelt"`
	Cause        string `json:"aarsak"`
}

// SettlementResolvedPayload records what a person found in the external
// system. Applied means the unanswered settlement did go through.
type SettlementResolvedPayload struct {
	Applied   bool   `json:"iverksatt"`
	Kommentar string `json:"kommentar"`
}

type RejectedPayload struct {
	Grunn     string `json:"grunn"`
	Kommentar string `json:"kommentar,omitempty"`
}

type AbortedPayload struct {
	Reason    string           `json:"begrunnelse,omitempty"`
	Annulment *oppdrag.Receipt `json:"annullering,omitempty"`
}

func (CreatedPayload) EventType() generic.EventType            { return EventCreated }
func (ClaimBasisReceivedPayload) EventType() generic.EventType { return EventClaimBasisReceived }
func (PreNotifiedPayload) EventType() generic.EventType        { return EventPreNotified }
func (DecisionsSetPayload) EventType() generic.EventType       { return EventDecisionsSet }
func (LetterChosenPayload) EventType() generic.EventType       { return EventLetterChosen }
func (SubmittedPayload) EventType() generic.EventType          { return EventSubmitted }
func (SettledPayload) EventType() generic.EventType            { return EventSettled }
func (SettlementUnknownPayload) EventType() generic.EventType  { return EventSettlementUnknown }
func (SettlementResolvedPayload) EventType() generic.EventType { return EventSettlementResolved }
func (RejectedPayload) EventType() generic.EventType           { return EventRejected }
func (AbortedPayload) EventType() generic.EventType            { return EventAborted }

// =============================================================================
// CODEC
// =============================================================================

// Encode turns an Event into its stored form.
func Encode(e Event) (generic.Event, error) {
	if e.Payload == nil {
		return generic.Event{}, fmt.Errorf("%w: event %s has no payload", generic.ErrInvalidEvent, e.ID)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return generic.Event{}, fmt.Errorf("encode %s: %w", e.Payload.EventType(), err)
	}
	return generic.Event{
		ID:         e.ID,
		SakID:      e.SakID,
		CaseID:     e.CaseID,
		Version:    e.Version,
		PreviousID: e.PreviousID,
		Type:       e.Payload.EventType(),
		Actor:      e.Actor,
		OccurredAt: e.OccurredAt,
		Payload:    body,
	}, nil
}

// Decode is the inverse of Encode.
func Decode(stored generic.Event) (Event, error) {
	var (
		payload Payload
		err     error
	)
	switch stored.Type {
	case EventCreated:
		payload, err = decodeAs[CreatedPayload](stored.Payload)
	case EventClaimBasisReceived:
		payload, err = decodeAs[ClaimBasisReceivedPayload](stored.Payload)
	case EventPreNotified:
		payload, err = decodeAs[PreNotifiedPayload](stored.Payload)
	case EventDecisionsSet:
		payload, err = decodeAs[DecisionsSetPayload](stored.Payload)
	case EventLetterChosen:
		payload, err = decodeAs[LetterChosenPayload](stored.Payload)
	case EventSubmitted:
		payload = SubmittedPayload{}
	case EventSettled:
		payload, err = decodeAs[SettledPayload](stored.Payload)
	case EventSettlementUnknown:
		payload, err = decodeAs[SettlementUnknownPayload](stored.Payload)
	case EventSettlementResolved:
		payload, err = decodeAs[SettlementResolvedPayload](stored.Payload)
	case EventRejected:
		payload, err = decodeAs[RejectedPayload](stored.Payload)
	case EventAborted:
		payload, err = decodeAs[AbortedPayload](stored.Payload)
	default:
		return Event{}, fmt.Errorf("%w: %q (event %s)", ErrUnknownEventType, stored.Type, stored.ID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s event %s: %w", stored.Type, stored.ID, err)
	}
	return Event{
		ID:         stored.ID,
		SakID:      stored.SakID,
		CaseID:     stored.CaseID,
		Version:    stored.Version,
		PreviousID: stored.PreviousID,
		Actor:      stored.Actor,
		OccurredAt: stored.OccurredAt,
		Payload:    payload,
	}, nil
}

func decodeAs[T Payload](body []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return p, nil
}
