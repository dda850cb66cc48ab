/*
Package generic provides the shared building blocks of the repayment-assessment
service.

PURPOSE:
  This package contains the domain-agnostic types the tilbakekreving packages
  are built from: money, identifiers, the stored event envelope and the
  persistence contracts for the per-sak event log. It has no knowledge of
  claim bases, decisions or case states.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A kroner amount backed by decimal.Decimal
  - SakID / Saksnummer: The parent case file and its human-facing number
  - Event: An immutable, versioned entry in a sak's event log

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Distinct ID types prevent mixing sak, case and event IDs
  4. Auditability: Every event links to the event it was appended after

USAGE:
  amount := generic.NOK(20000)
  ev := generic.Event{
      ID:         generic.NewEventID(),
      SakID:      sakID,
      Version:    head.Version + 1,
      PreviousID: head.ID,
  }

SEE ALSO:
  - store.go: Event and sak persistence interfaces
  - ledger.go: Event log with compare-and-swap appends
  - period.go: Calendar months
*/
package generic

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Norwegian kroner
// =============================================================================

// Amount is a kroner amount. The zero value is 0 kr.
type Amount struct {
	Value decimal.Decimal
}

func NOK(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }

// ParseAmount parses a decimal string such as "20000.00".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(2) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Truncate drops everything after the krone, rounding toward zero.
func (a Amount) Truncate() Amount { return Amount{Value: a.Value.Truncate(0)} }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.Value.String())), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	return a.Value.UnmarshalJSON(b)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SakID string
type CaseID string
type EventID string

// Saksnummer is the number the external financial system knows the sak by
// (fagsystemId).
type Saksnummer int64

func (s Saksnummer) String() string { return strconv.FormatInt(int64(s), 10) }

func ParseSaksnummer(s string) (Saksnummer, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid saksnummer %q", s)
	}
	return Saksnummer(n), nil
}

// Version is the per-sak event counter. Zero means the sak has no events yet.
type Version int64

func NewSakID() SakID     { return SakID(uuid.NewString()) }
func NewCaseID() CaseID   { return CaseID(uuid.NewString()) }
func NewEventID() EventID { return EventID(uuid.NewString()) }

// SakType identifies the benefit the sak pays out.
type SakType string

const (
	SakTypeUfore SakType = "uføre"
	SakTypeAlder SakType = "alder"
)

func (t SakType) Valid() bool { return t == SakTypeUfore || t == SakTypeAlder }

// Sak is the parent case file for a benefit recipient.
type Sak struct {
	ID         SakID
	Saksnummer Saksnummer
	Type       SakType
	CreatedAt  time.Time
}

// =============================================================================
// EVENT - Immutable entry in a sak's event log
// =============================================================================

type EventType string

// Event is the stored form of a hendelse. Payload is the encoded, type-specific
// body; the generic layer never looks inside it.
type Event struct {
	ID         EventID
	SakID      SakID
	CaseID     CaseID
	Version    Version
	PreviousID EventID // empty for the first event of a sak
	Type       EventType
	Actor      string
	OccurredAt time.Time // hendelsestidspunkt
	Payload    []byte
}

// Head identifies the latest event of a sak.
type Head struct {
	ID      EventID
	Version Version
}

// Head is the head of the log once e is its latest event.
func (e Event) Head() Head { return Head{ID: e.ID, Version: e.Version} }

// HeadOf returns the head after the given events, which must be ordered by
// version.
func HeadOf(events []Event) Head {
	if len(events) == 0 {
		return Head{}
	}
	return events[len(events)-1].Head()
}
