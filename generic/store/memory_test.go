package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
)

func TestRawMemory_DeduplicatesByExternalID(t *testing.T) {
	// GIVEN: A message already stored
	raw := NewRawMemory()
	ctx := context.Background()
	at := time.Date(2021, 6, 8, 10, 0, 0, 0, time.UTC)
	first := kravgrunnlag.NewRawMessage("melding-1", 10002099, "<xml/>", at)

	inserted, err := raw.Save(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// WHEN: The same external message arrives again under a new record
	again := kravgrunnlag.NewRawMessage("melding-1", 10002099, "<xml/>", at.Add(time.Minute))
	inserted, err = raw.Save(ctx, again)

	// THEN: It is acknowledged without a second copy
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, raw.Count())
}

func TestRawMemory_RecordIDReuse(t *testing.T) {
	raw := NewRawMemory()
	ctx := context.Background()
	msg := kravgrunnlag.NewRawMessage("melding-1", 10002099, "<xml/>", time.Now())
	_, err := raw.Save(ctx, msg)
	require.NoError(t, err)

	msg.ExternalMessageID = "melding-2"
	_, err = raw.Save(ctx, msg)
	assert.ErrorIs(t, err, kravgrunnlag.ErrDuplicateRecordID)
}

func TestRawMemory_UnprocessedInArrivalOrder(t *testing.T) {
	raw := NewRawMemory()
	ctx := context.Background()
	at := time.Date(2021, 6, 8, 10, 0, 0, 0, time.UTC)
	a := kravgrunnlag.NewRawMessage("a", 1, "a", at)
	b := kravgrunnlag.NewRawMessage("b", 1, "b", at)
	c := kravgrunnlag.NewRawMessage("c", 1, "c", at)
	for _, m := range []kravgrunnlag.RawMessage{a, b, c} {
		_, err := raw.Save(ctx, m)
		require.NoError(t, err)
	}

	require.NoError(t, raw.MarkProcessed(ctx, b.ID, at.Add(time.Hour)))
	// Marking twice keeps the first timestamp.
	require.NoError(t, raw.MarkProcessed(ctx, b.ID, at.Add(2*time.Hour)))

	pending, err := raw.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, c.ID, pending[1].ID)

	assert.ErrorIs(t, raw.MarkProcessed(ctx, "missing", at), kravgrunnlag.ErrRawMessageNotFound)
}
