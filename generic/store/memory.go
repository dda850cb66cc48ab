// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
)

// =============================================================================
// MEMORY STORE - In-memory event and sak store (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	events map[generic.SakID][]generic.Event
	ids    map[generic.EventID]bool
	saks   map[generic.SakID]generic.Sak
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[generic.SakID][]generic.Event),
		ids:    make(map[generic.EventID]bool),
		saks:   make(map[generic.SakID]generic.Sak),
	}
}

// Append adds an event if the sak's head matches expected. Append-only.
func (m *Memory) Append(_ context.Context, expected generic.Head, ev generic.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := generic.HeadOf(m.events[ev.SakID])
	if current != expected || ev.Version != expected.Version+1 || ev.PreviousID != expected.ID {
		return &generic.VersionConflictError{SakID: ev.SakID, Expected: expected, Actual: current}
	}
	if m.ids[ev.ID] {
		return generic.ErrDuplicateEventID
	}

	ev.Payload = append([]byte(nil), ev.Payload...)
	m.events[ev.SakID] = append(m.events[ev.SakID], ev)
	m.ids[ev.ID] = true
	return nil
}

func (m *Memory) Load(_ context.Context, sakID generic.SakID) ([]generic.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.Event, len(m.events[sakID]))
	copy(result, m.events[sakID])
	return result, nil
}

func (m *Memory) Head(_ context.Context, sakID generic.SakID) (generic.Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return generic.HeadOf(m.events[sakID]), nil
}

func (m *Memory) SaveSak(_ context.Context, sak generic.Sak) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.saks[sak.ID]; ok {
		return generic.ErrSakExists
	}
	for _, s := range m.saks {
		if s.Saksnummer == sak.Saksnummer {
			return generic.ErrSakExists
		}
	}
	m.saks[sak.ID] = sak
	return nil
}

func (m *Memory) GetSak(_ context.Context, id generic.SakID) (generic.Sak, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sak, ok := m.saks[id]
	if !ok {
		return generic.Sak{}, generic.ErrSakNotFound
	}
	return sak, nil
}

func (m *Memory) SakBySaksnummer(_ context.Context, saksnummer generic.Saksnummer) (generic.Sak, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.saks {
		if s.Saksnummer == saksnummer {
			return s, nil
		}
	}
	return generic.Sak{}, generic.ErrSakNotFound
}

// =============================================================================
// RAW CLAIM-BASIS STORE
// =============================================================================

type RawMemory struct {
	mu       sync.Mutex
	messages []kravgrunnlag.RawMessage // arrival order
	byExtID  map[string]int
	byID     map[string]int
}

func NewRawMemory() *RawMemory {
	return &RawMemory{
		byExtID: make(map[string]int),
		byID:    make(map[string]int),
	}
}

func (r *RawMemory) Save(_ context.Context, msg kravgrunnlag.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byExtID[msg.ExternalMessageID]; ok {
		return false, nil
	}
	if _, ok := r.byID[msg.ID]; ok {
		return false, kravgrunnlag.ErrDuplicateRecordID
	}
	msg.ProcessedAt = nil
	r.messages = append(r.messages, msg)
	r.byExtID[msg.ExternalMessageID] = len(r.messages) - 1
	r.byID[msg.ID] = len(r.messages) - 1
	return true, nil
}

func (r *RawMemory) ListUnprocessed(_ context.Context) ([]kravgrunnlag.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []kravgrunnlag.RawMessage
	for _, m := range r.messages {
		if !m.Processed() {
			result = append(result, m)
		}
	}
	return result, nil
}

func (r *RawMemory) MarkProcessed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byID[id]
	if !ok {
		return kravgrunnlag.ErrRawMessageNotFound
	}
	if r.messages[i].ProcessedAt == nil {
		r.messages[i].ProcessedAt = &at
	}
	return nil
}

// Count returns how many messages are stored, processed or not.
func (r *RawMemory) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
