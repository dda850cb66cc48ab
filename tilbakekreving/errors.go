package tilbakekreving

import (
	"errors"
	"fmt"

	"github.com/navikt/su-tilbakekreving/generic"
)

var (
	// ErrIllegalTransition is returned when a command is not defined for the
	// case's current state.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrTerminalState is returned for any command against a settled or
	// aborted case.
	ErrTerminalState = fmt.Errorf("%w: case is closed", ErrIllegalTransition)

	// ErrOpenCaseExists is returned when creating a case for a sak that
	// already has a non-terminal one.
	ErrOpenCaseExists = errors.New("sak already has an open case")

	// ErrNoClaimBasis is returned when a command needs a claim basis the case
	// has not received yet.
	ErrNoClaimBasis = fmt.Errorf("%w: case has no claim basis", generic.ErrValidation)

	// ErrNoDecisions is returned when choosing a letter before any decision.
	ErrNoDecisions = fmt.Errorf("%w: case has no decisions", generic.ErrValidation)

	// ErrSameAttestant is returned when the submitter tries to countersign.
	ErrSameAttestant = fmt.Errorf("%w: attestant must differ from the caseworker who submitted", generic.ErrValidation)

	ErrMissingActor = fmt.Errorf("%w: missing actor", generic.ErrValidation)

	// ErrClaimBasisMismatch is returned when a claim basis belongs to another
	// sak or benefit type than the case.
	ErrClaimBasisMismatch = fmt.Errorf("%w: claim basis does not belong to this case", generic.ErrValidation)

	// ErrClaimBasisUnchanged is returned when the case already holds the same
	// version of the basis. Redelivery is normal; callers treat it as done.
	ErrClaimBasisUnchanged = errors.New("claim basis already received")

	// ErrClaimBasisSuperseded is returned when the incoming basis was issued
	// before the one the case holds. It arrived late and is not applied.
	ErrClaimBasisSuperseded = errors.New("claim basis superseded by a newer one")

	// ErrClaimBasisClosed is returned for a basis the external system has
	// annulled, completed or archived.
	ErrClaimBasisClosed = fmt.Errorf("%w: claim basis is closed externally", generic.ErrValidation)

	// ErrSettlementUnconfirmed is returned while a sent settlement has no
	// known outcome. Sending it again could recover the amount twice.
	ErrSettlementUnconfirmed = errors.New("settlement outcome not confirmed")

	ErrNoUnconfirmedSettlement = fmt.Errorf("%w: case has no unconfirmed settlement", generic.ErrValidation)

	// ErrUnknownEventType means the stored log holds an event this version
	// cannot replay.
	ErrUnknownEventType = errors.New("unknown event type")
)

// StaleCursorError is returned when the caller's cursor does not point at the
// case's latest event. The caller should re-read the case and retry.
type StaleCursorError struct {
	CaseID   generic.CaseID
	Given    Cursor
	Expected Cursor
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("stale cursor for case %s: given version %d after %q, expected version %d after %q",
		e.CaseID, e.Given.Version, e.Given.PreviousID, e.Expected.Version, e.Expected.PreviousID)
}

func (e *StaleCursorError) Unwrap() error { return generic.ErrConcurrentModification }

// IllegalTransitionError names the state and the command that was refused.
type IllegalTransitionError struct {
	From    Stage
	Command string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s is not allowed from %s", e.Command, e.From)
}

func (e *IllegalTransitionError) Unwrap() error {
	if e.From == StageSettled || e.From == StageAborted {
		return ErrTerminalState
	}
	return ErrIllegalTransition
}

func illegal(c Case, command string) error {
	return &IllegalTransitionError{From: c.Stage(), Command: command}
}

func IsIllegalTransition(err error) bool { return errors.Is(err, ErrIllegalTransition) }
