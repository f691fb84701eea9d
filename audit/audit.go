package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Timeline event types appended by the registry core.
const (
	EventRecordMinted      = "RECORD_MINTED"
	EventRecordTransferred = "RECORD_TRANSFERRED"
	EventRecordUpdated     = "RECORD_UPDATED"
	EventRecordDeleted     = "RECORD_DELETED"
	EventEnvelopeDelivered = "ENVELOPE_DELIVERED"
	EventEnvelopeConsumed  = "ENVELOPE_CONSUMED"
)

// Outbox topics - the only notifications the core exposes to the outside.
const (
	TopicRecordCreated     = "record.created"
	TopicRecordTransferred = "record.transferred"
	TopicRecordDeleted     = "record.deleted"
	TopicEnvelopeDelivered = "envelope.delivered"
	TopicEnvelopeConsumed  = "envelope.consumed"
)

// TimelineEvent captures an immutable audit entry for a custody record.
// Entries survive deletion of the record they describe.
type TimelineEvent struct {
	ID        int64
	RecordID  string
	Seq       int
	Type      string
	ActorID   *string
	CreatedAt time.Time
	Payload   []byte
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Writer appends timeline events and enqueues outbox messages inside the
// caller's transaction, so audit entries commit atomically with the
// mutation they describe.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts a timeline event for the record. The per-record sequence is
// assigned under the caller's row lock on the record, so it is gap-free and
// strictly increasing per record.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, recordID, eventType string, actorID *string, payload map[string]any) error {
	if recordID == "" {
		return fmt.Errorf("audit: missing record id")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal timeline payload: %w", err)
	}

	const insertSQL = `
INSERT INTO timeline_events (record_id, seq, type, payload, actor_id)
VALUES ($1,
        COALESCE((SELECT MAX(seq) FROM timeline_events WHERE record_id = $1), 0) + 1,
        $2, $3, $4)
`

	if _, err := tx.Exec(ctx, insertSQL, recordID, eventType, payloadBytes, actorID); err != nil {
		return fmt.Errorf("audit: insert timeline event: %w", err)
	}

	return nil
}

// Enqueue writes a transactional outbox message.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("audit: missing outbox topic")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2)
`

	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("audit: insert outbox message: %w", err)
	}

	return nil
}
