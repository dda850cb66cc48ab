package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerSak(t *testing.T, s *Store, saksnummer generic.Saksnummer) generic.Sak {
	t.Helper()
	sak := generic.Sak{
		ID:         generic.NewSakID(),
		Saksnummer: saksnummer,
		Type:       generic.SakTypeUfore,
		CreatedAt:  time.Date(2021, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveSak(context.Background(), sak))
	return sak
}

func event(sakID generic.SakID, head generic.Head, typ generic.EventType) generic.Event {
	return generic.Event{
		ID:         generic.NewEventID(),
		SakID:      sakID,
		CaseID:     "case-1",
		Version:    head.Version + 1,
		PreviousID: head.ID,
		Type:       typ,
		Actor:      "S123456",
		OccurredAt: time.Date(2021, 6, 8, 12, 5, 36, 123456000, time.UTC),
		Payload:    []byte(`{"reason":"x"}`),
	}
}

func TestStore_AppendAndLoad(t *testing.T) {
	// GIVEN: A registered sak with no events
	s := newTestStore(t)
	ctx := context.Background()
	sak := registerSak(t, s, 10002099)

	head, err := s.Head(ctx, sak.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.Head{}, head)

	// WHEN: Two events are appended in order
	first := event(sak.ID, head, "TILBAKEKREVING_OPPRETTET")
	require.NoError(t, s.Append(ctx, head, first))
	second := event(sak.ID, first.Head(), "FORHAANDSVARSLET")
	require.NoError(t, s.Append(ctx, first.Head(), second))

	// THEN: They load back in version order, unchanged
	events, err := s.Load(ctx, sak.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first, events[0])
	assert.Equal(t, second, events[1])
	assert.Equal(t, generic.EventID(""), events[0].PreviousID)

	head, err = s.Head(ctx, sak.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Head(), head)
}

func TestStore_AppendRejectsStaleHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sak := registerSak(t, s, 10002099)

	first := event(sak.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET")
	require.NoError(t, s.Append(ctx, generic.Head{}, first))

	// A writer that still believes the sak is empty
	stale := event(sak.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET")
	err := s.Append(ctx, generic.Head{}, stale)

	var conflict *generic.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Head(), conflict.Actual)
	assert.True(t, generic.IsRetryable(err))

	events, err := s.Load(ctx, sak.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_AppendRejectsInconsistentEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sak := registerSak(t, s, 10002099)

	ev := event(sak.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET")
	ev.Version = 5

	err := s.Append(ctx, generic.Head{}, ev)
	assert.True(t, generic.IsRetryable(err))
}

func TestStore_DuplicateEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := registerSak(t, s, 1)
	b := registerSak(t, s, 2)

	ev := event(a.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET")
	require.NoError(t, s.Append(ctx, generic.Head{}, ev))

	reused := event(b.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET")
	reused.ID = ev.ID
	err := s.Append(ctx, generic.Head{}, reused)
	assert.ErrorIs(t, err, generic.ErrDuplicateEventID)
}

func TestStore_AppendUnknownSak(t *testing.T) {
	s := newTestStore(t)

	err := s.Append(context.Background(), generic.Head{}, event("missing", generic.Head{}, "TILBAKEKREVING_OPPRETTET"))
	assert.True(t, generic.IsNotFound(err))
}

func TestStore_ConcurrentAppendsOneWins(t *testing.T) {
	// GIVEN: Many writers holding the same head
	s := newTestStore(t)
	ctx := context.Background()
	sak := registerSak(t, s, 10002099)

	// WHEN: They all append at once
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Append(ctx, generic.Head{}, event(sak.ID, generic.Head{}, "TILBAKEKREVING_OPPRETTET"))
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one lands, the rest conflict
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, generic.IsRetryable(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	events, err := s.Load(ctx, sak.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_Saker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sak := registerSak(t, s, 10002099)

	got, err := s.GetSak(ctx, sak.ID)
	require.NoError(t, err)
	assert.Equal(t, sak, got)

	got, err = s.SakBySaksnummer(ctx, 10002099)
	require.NoError(t, err)
	assert.Equal(t, sak.ID, got.ID)

	_, err = s.SakBySaksnummer(ctx, 42)
	assert.ErrorIs(t, err, generic.ErrSakNotFound)

	dup := sak
	dup.ID = generic.NewSakID()
	assert.ErrorIs(t, s.SaveSak(ctx, dup), generic.ErrSakExists)
}

func TestStore_RawMessages(t *testing.T) {
	// GIVEN: Two deliveries and a redelivery of the first
	s := newTestStore(t)
	ctx := context.Background()
	received := time.Date(2021, 6, 8, 12, 6, 0, 0, time.UTC)

	first := kravgrunnlag.NewRawMessage("mq-1", 10002099, `{"a":1}`, received)
	second := kravgrunnlag.NewRawMessage("mq-2", 10002099, `{"a":2}`, received.Add(time.Minute))
	redelivered := kravgrunnlag.NewRawMessage("mq-1", 10002099, `{"a":1}`, received.Add(2*time.Minute))

	inserted, err := s.Save(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.Save(ctx, second)
	require.NoError(t, err)
	assert.True(t, inserted)

	// WHEN: The redelivery is saved
	inserted, err = s.Save(ctx, redelivered)

	// THEN: It is silently dropped
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.Equal(t, generic.Saksnummer(10002099), msgs[0].Saksnummer)
	assert.True(t, received.Equal(msgs[0].ReceivedAt))

	// AND: Marking processed is idempotent and hides the message
	at := received.Add(time.Hour)
	require.NoError(t, s.MarkProcessed(ctx, first.ID, at))
	require.NoError(t, s.MarkProcessed(ctx, first.ID, at.Add(time.Hour)))
	msgs, err = s.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, second.ID, msgs[0].ID)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "missing", at), kravgrunnlag.ErrRawMessageNotFound)
}

func TestStore_RawMessageRecordIDReuse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := kravgrunnlag.NewRawMessage("mq-1", 1, `{}`, time.Now())
	_, err := s.Save(ctx, msg)
	require.NoError(t, err)

	msg.ExternalMessageID = "mq-2"
	_, err = s.Save(ctx, msg)
	assert.ErrorIs(t, err, kravgrunnlag.ErrDuplicateRecordID)
}
