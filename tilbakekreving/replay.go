package tilbakekreving

import (
	"fmt"

	"github.com/navikt/su-tilbakekreving/generic"
)

// Apply folds one event into a case. It has no side effects and runs the same
// transition methods that produced the event, so an event that would be
// refused today is refused on replay too. A nil case accepts only a created
// event.
func Apply(c Case, ev Event) (Case, error) {
	m := Meta{
		Cursor:  Cursor{PreviousID: ev.PreviousID, Version: ev.Version},
		EventID: ev.ID,
		Actor:   ev.Actor,
		At:      ev.OccurredAt,
	}

	if c == nil {
		p, ok := ev.Payload.(CreatedPayload)
		if !ok {
			return nil, fmt.Errorf("%w: case %s starts with %T", ErrIllegalTransition, ev.CaseID, ev.Payload)
		}
		sak := generic.Sak{ID: ev.SakID, Saksnummer: p.Saksnummer, Type: p.SakType}
		_, created, err := NewCase(sak, ev.CaseID, m, p.ClaimBasis)
		if err != nil {
			return nil, err
		}
		return created, nil
	}

	if h := c.Header(); ev.CaseID != h.ID || ev.SakID != h.SakID {
		return nil, fmt.Errorf("%w: event %s belongs to case %s, not %s", generic.ErrInvalidEvent, ev.ID, ev.CaseID, h.ID)
	}

	var (
		next Case
		err  error
	)
	switch p := ev.Payload.(type) {
	case ClaimBasisReceivedPayload:
		r, ok := c.(ClaimBasisReceiver)
		if !ok {
			return nil, illegal(c, "receive claim basis")
		}
		_, next, err = r.ReceiveClaimBasis(m, p.ClaimBasis, p.RawMessageID)
	case PreNotifiedPayload:
		r, ok := c.(PreNotifier)
		if !ok {
			return nil, illegal(c, "add pre-notification")
		}
		_, next, err = r.AddPreNotification(m, p.DocumentID, p.FreeText)
	case DecisionsSetPayload:
		r, ok := c.(Decider)
		if !ok {
			return nil, illegal(c, "set decisions")
		}
		_, next, err = r.SetDecisions(m, p.Decisions)
	case LetterChosenPayload:
		r, ok := c.(LetterChooser)
		if !ok {
			return nil, illegal(c, "choose letter")
		}
		_, next, err = r.ChooseLetter(m, p.Letter)
	case SubmittedPayload:
		r, ok := c.(Submitter)
		if !ok {
			return nil, illegal(c, "submit for attestation")
		}
		_, next, err = r.SubmitForAttestation(m)
	case SettledPayload:
		r, ok := c.(Attestable)
		if !ok {
			return nil, illegal(c, "settle")
		}
		_, next, err = r.Settle(m, p.Receipt)
	case SettlementUnknownPayload:
		r, ok := c.(Attestable)
		if !ok {
			return nil, illegal(c, "mark settlement unknown")
		}
		_, next, err = r.MarkSettlementUnknown(m, p.Cause)
	case SettlementResolvedPayload:
		r, ok := c.(Attestable)
		if !ok {
			return nil, illegal(c, "resolve settlement")
		}
		_, next, err = r.ResolveSettlement(m, p.Applied, p.Kommentar)
	case RejectedPayload:
		r, ok := c.(Attestable)
		if !ok {
			return nil, illegal(c, "reject")
		}
		_, next, err = r.Reject(m, p.Grunn, p.Kommentar)
	case AbortedPayload:
		r, ok := c.(Aborter)
		if !ok {
			return nil, illegal(c, "abort")
		}
		_, next, err = r.Abort(m, p.Reason, p.Annulment)
	case CreatedPayload:
		return nil, illegal(c, "create")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("replay event %s (version %d): %w", ev.ID, ev.Version, err)
	}
	return next, nil
}

// Replay rebuilds every case of a sak from its stored log, oldest case first.
// The log must be one unbroken chain.
func Replay(stored []generic.Event) ([]Case, error) {
	var (
		order []generic.CaseID
		cases = make(map[generic.CaseID]Case)
		head  generic.Head
	)
	for _, s := range stored {
		if s.Version != head.Version+1 || s.PreviousID != head.ID {
			return nil, fmt.Errorf("%w: event %s (version %d) does not follow version %d (%s)",
				generic.ErrInvalidEvent, s.ID, s.Version, head.Version, head.ID)
		}
		ev, err := Decode(s)
		if err != nil {
			return nil, err
		}
		current, seen := cases[ev.CaseID]
		next, err := Apply(current, ev)
		if err != nil {
			return nil, err
		}
		if !seen {
			order = append(order, ev.CaseID)
		}
		cases[ev.CaseID] = next
		head = generic.Head{ID: s.ID, Version: s.Version}
	}

	out := make([]Case, len(order))
	for i, id := range order {
		out[i] = cases[id]
	}
	return out, nil
}

// OpenCases returns the non-terminal cases.
func OpenCases(cases []Case) []Case {
	var open []Case
	for _, c := range cases {
		if !c.IsTerminal() {
			open = append(open, c)
		}
	}
	return open
}

func findCase(cases []Case, id generic.CaseID) (Case, bool) {
	for _, c := range cases {
		if c.Header().ID == id {
			return c, true
		}
	}
	return nil, false
}
