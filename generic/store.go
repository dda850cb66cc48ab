/*
store.go - Persistence interfaces for saks and their event logs

PURPOSE:
  Defines the interface between the domain logic and the database. The
  EventStore holds every hendelse of every sak, append-only. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  EventStore: Per-sak event log (append with compare-and-swap, load, head)
  SakStore:   Sak registry, looked up by ID or saksnummer

APPEND-ONLY CONTRACT:
  - Append(): the ONLY write operation on events
  - NO Update() or Delete() methods exist

OPTIMISTIC CONCURRENCY:
  Append takes the head the writer last saw. If another writer got there
  first the store rejects the append with a VersionConflictError and writes
  nothing. Two events for the same sak can never share a version.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, UNIQUE(sak_id, version)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level event log using EventStore
*/
package generic

import "context"

// =============================================================================
// EVENT STORE - Append-only, compare-and-swap on (sak, version)
// =============================================================================

type EventStore interface {
	// Append persists ev if the sak's current head equals expected.
	// ev.Version must be expected.Version+1 and ev.PreviousID expected.ID.
	Append(ctx context.Context, expected Head, ev Event) error

	// Load returns every event of the sak ordered by version.
	Load(ctx context.Context, sakID SakID) ([]Event, error)

	// Head returns the sak's latest event, or the zero Head if it has none.
	Head(ctx context.Context, sakID SakID) (Head, error)
}

// =============================================================================
// SAK STORE
// =============================================================================

type SakStore interface {
	// SaveSak registers a sak. Returns ErrSakExists if the ID or saksnummer
	// is already taken.
	SaveSak(ctx context.Context, sak Sak) error

	GetSak(ctx context.Context, id SakID) (Sak, error)

	SakBySaksnummer(ctx context.Context, saksnummer Saksnummer) (Sak, error)
}
