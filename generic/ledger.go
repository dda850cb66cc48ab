/*
ledger.go - Append-only per-sak event log

PURPOSE:
  The EventLog is the immutable source of truth for every case. Case state is
  always computed by replaying events - any materialized view is a derived
  projection and loses to the log if the two disagree.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. TOTAL ORDER PER SAK: versions are 1, 2, 3, ... with no gaps or repeats
  3. CHAINED: each event names the event it was appended after
  4. NO ORDER ACROSS SAKS: different saks never contend

WRITING:
  A writer reads the head, builds the next event from it and appends. If the
  head moved in between, Append fails with ErrConcurrentModification and the
  writer must re-read, re-decide and try again. The log never retries.

SEE ALSO:
  - store.go: Low-level persistence interface
  - tilbakekreving/service.go: The only writer
*/
package generic

import (
	"context"
	"fmt"
)

type EventLog struct {
	Store EventStore
}

func NewEventLog(store EventStore) *EventLog {
	return &EventLog{Store: store}
}

// Append validates the event's chain fields and appends it with the head it
// claims to follow as the expected head.
func (l *EventLog) Append(ctx context.Context, ev Event) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	expected := Head{ID: ev.PreviousID, Version: ev.Version - 1}
	return l.Store.Append(ctx, expected, ev)
}

func (l *EventLog) Events(ctx context.Context, sakID SakID) ([]Event, error) {
	return l.Store.Load(ctx, sakID)
}

func (l *EventLog) Head(ctx context.Context, sakID SakID) (Head, error) {
	return l.Store.Head(ctx, sakID)
}

// ValidateEvent checks the fields every stored event must carry.
func ValidateEvent(ev Event) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case ev.SakID == "":
		return fmt.Errorf("%w: missing sak id", ErrInvalidEvent)
	case ev.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	case ev.Version < 1:
		return fmt.Errorf("%w: version %d", ErrInvalidEvent, ev.Version)
	case ev.Version == 1 && ev.PreviousID != "":
		return fmt.Errorf("%w: first event cannot have a predecessor", ErrInvalidEvent)
	case ev.Version > 1 && ev.PreviousID == "":
		return fmt.Errorf("%w: version %d without predecessor", ErrInvalidEvent, ev.Version)
	case ev.PreviousID == ev.ID:
		return fmt.Errorf("%w: event cannot follow itself", ErrInvalidEvent)
	}
	return nil
}
