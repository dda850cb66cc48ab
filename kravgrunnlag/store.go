package kravgrunnlag

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/navikt/su-tilbakekreving/generic"
)

var (
	// ErrDuplicateRecordID is returned when a RawMessage ID is reused. IDs are
	// generated by us, so this is a bug - unlike a repeated
	// ExternalMessageID, which is an ordinary duplicate delivery.
	ErrDuplicateRecordID = errors.New("duplicate raw message record id")

	ErrRawMessageNotFound = errors.New("raw message not found")
)

// RawMessage is a claim-basis message exactly as the transport delivered it.
type RawMessage struct {
	ID                string
	ExternalMessageID string
	Saksnummer        generic.Saksnummer
	Payload           string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

func (m RawMessage) Processed() bool { return m.ProcessedAt != nil }

// NewRawMessage stamps a delivery with a fresh record ID.
func NewRawMessage(externalMessageID string, saksnummer generic.Saksnummer, payload string, receivedAt time.Time) RawMessage {
	return RawMessage{
		ID:                uuid.NewString(),
		ExternalMessageID: externalMessageID,
		Saksnummer:        saksnummer,
		Payload:           payload,
		ReceivedAt:        receivedAt,
	}
}

// RawStore persists raw messages until the ingestion job has handled them.
type RawStore interface {
	// Save inserts msg as unprocessed. If ExternalMessageID is already stored
	// it does nothing and returns inserted=false. A reused ID returns
	// ErrDuplicateRecordID.
	Save(ctx context.Context, msg RawMessage) (inserted bool, err error)

	// ListUnprocessed returns unprocessed messages in arrival order.
	ListUnprocessed(ctx context.Context) ([]RawMessage, error)

	// MarkProcessed flags the message as handled. Marking twice is a no-op.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}
