package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"traceflow/audit"
	"traceflow/record"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends audit events inside the operation's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, recordID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues outbound notifications inside the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// FeeLedger charges the flat per-operation fee inside the operation's transaction.
type FeeLedger interface {
	ChargeFee(ctx context.Context, tx pgx.Tx) (int64, error)
}

// Ledger is the delivery protocol a deployment constructs exactly one of.
// Deposit creates an envelope and routes it to the target record in one
// atomic step; Receive withdraws a delivered envelope at most once; Inbox
// lists the envelopes still awaiting receipt.
type Ledger interface {
	Deposit(ctx context.Context, params DepositParams) (Envelope, error)
	Receive(ctx context.Context, params ReceiveParams) (Envelope, error)
	Inbox(ctx context.Context, recordID string) ([]Envelope, error)
}

// core holds the machinery shared by both delivery styles; the styles
// differ only in the deposit-time authorization gate.
type core struct {
	pool     TxBeginner
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	fees     FeeLedger

	idGenerator func() string
	now         func() time.Time
}

func newCore(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter, fees FeeLedger) core {
	return core{
		pool:        pool,
		repo:        repo,
		timeline:    timeline,
		outbox:      outbox,
		fees:        fees,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// DirectLedger is the direct-append style: depositing requires the same
// custody rights as mutating the target record, so only the creator (while
// unassigned) or the current custodian may attach events.
type DirectLedger struct {
	core
}

func NewDirectLedger(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter, fees FeeLedger) *DirectLedger {
	return &DirectLedger{core: newCore(pool, repo, timeline, outbox, fees)}
}

func (l *DirectLedger) WithIDGenerator(gen func() string) *DirectLedger {
	l.idGenerator = gen
	return l
}

func (l *DirectLedger) WithClock(now func() time.Time) *DirectLedger {
	l.now = now
	return l
}

func (l *DirectLedger) Deposit(ctx context.Context, params DepositParams) (Envelope, error) {
	return l.deposit(ctx, params, func(t Target, callerID string) error {
		if !record.CustodyAuthorized(t.CreatorID, t.CustodianID, callerID) {
			return ErrUnauthorized
		}
		return nil
	})
}

// Receive removes an appended envelope. Only the record's creator may do so.
func (l *DirectLedger) Receive(ctx context.Context, params ReceiveParams) (Envelope, error) {
	return l.receive(ctx, params)
}

func (l *DirectLedger) Inbox(ctx context.Context, recordID string) ([]Envelope, error) {
	return l.repo.ListPending(ctx, recordID)
}

// InboxLedger is the inbox/receive style: anyone may address an envelope to
// any record, decoupling "who may report an observation" from "who may
// acknowledge it". Only the record's creator may withdraw.
type InboxLedger struct {
	core
}

func NewInboxLedger(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter, fees FeeLedger) *InboxLedger {
	return &InboxLedger{core: newCore(pool, repo, timeline, outbox, fees)}
}

func (l *InboxLedger) WithIDGenerator(gen func() string) *InboxLedger {
	l.idGenerator = gen
	return l
}

func (l *InboxLedger) WithClock(now func() time.Time) *InboxLedger {
	l.now = now
	return l
}

func (l *InboxLedger) Deposit(ctx context.Context, params DepositParams) (Envelope, error) {
	// No gate at deposit time: the target only has to exist.
	return l.deposit(ctx, params, func(Target, string) error { return nil })
}

func (l *InboxLedger) Receive(ctx context.Context, params ReceiveParams) (Envelope, error) {
	return l.receive(ctx, params)
}

func (l *InboxLedger) Inbox(ctx context.Context, recordID string) ([]Envelope, error) {
	return l.repo.ListPending(ctx, recordID)
}

// deposit creates the envelope and routes it to the target's inbox in one
// transaction. The target row is locked first so deposit serializes with
// custody mutations and deletion, and the gate never reads stale custody.
func (c *core) deposit(ctx context.Context, params DepositParams, gate func(Target, string) error) (Envelope, error) {
	if params.RecordID == "" {
		return Envelope{}, fmt.Errorf("envelope: missing record id: %w", ErrInvalidInput)
	}
	if params.CallerID == "" {
		return Envelope{}, fmt.Errorf("envelope: missing caller id: %w", ErrInvalidInput)
	}
	if params.Payload.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope: event type required: %w", ErrInvalidInput)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	target, err := c.repo.GetTargetForUpdate(ctx, tx, params.RecordID)
	if err != nil {
		return Envelope{}, err
	}

	if err := gate(target, params.CallerID); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:          c.idGenerator(),
		RecordID:    target.ID,
		OriginID:    params.CallerID,
		EventType:   params.Payload.EventType,
		BizStep:     params.Payload.BizStep,
		Disposition: params.Payload.Disposition,
		Location:    params.Payload.Location,
		Note:        params.Payload.Note,
		Status:      StatusPending,
		CreatedAt:   c.now().UTC(),
	}

	created, err := c.repo.Insert(ctx, tx, env)
	if err != nil {
		return Envelope{}, err
	}

	if c.fees != nil {
		if _, err := c.fees.ChargeFee(ctx, tx); err != nil {
			return Envelope{}, err
		}
	}

	if c.timeline != nil {
		payload := map[string]any{
			"envelope_id": created.ID,
			"event_type":  created.EventType,
			"origin_id":   created.OriginID,
		}
		if err := c.timeline.Append(ctx, tx, target.ID, audit.EventEnvelopeDelivered, &params.CallerID, payload); err != nil {
			return Envelope{}, fmt.Errorf("envelope: append timeline: %w", err)
		}
	}
	if c.outbox != nil {
		payload := map[string]any{
			"envelope_id": created.ID,
			"record_id":   target.ID,
		}
		if err := c.outbox.Enqueue(ctx, tx, audit.TopicEnvelopeDelivered, payload); err != nil {
			return Envelope{}, fmt.Errorf("envelope: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, fmt.Errorf("envelope: commit deposit: %w", err)
	}

	return created, nil
}

// receive atomically withdraws the envelope for the record's creator. The
// conditional consume makes a second receipt of the same envelope fail with
// ErrNotFound even under concurrent callers.
func (c *core) receive(ctx context.Context, params ReceiveParams) (Envelope, error) {
	if params.RecordID == "" || params.EnvelopeID == "" {
		return Envelope{}, fmt.Errorf("envelope: missing identifiers: %w", ErrInvalidInput)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	target, err := c.repo.GetTargetForUpdate(ctx, tx, params.RecordID)
	if err != nil {
		return Envelope{}, err
	}

	if params.CallerID == "" || target.CreatorID != params.CallerID {
		return Envelope{}, ErrUnauthorized
	}

	env, err := c.repo.ConsumePending(ctx, tx, target.ID, params.EnvelopeID, params.CallerID, c.now().UTC())
	if err != nil {
		return Envelope{}, err
	}

	if c.timeline != nil {
		payload := map[string]any{
			"envelope_id": env.ID,
			"event_type":  env.EventType,
		}
		if err := c.timeline.Append(ctx, tx, target.ID, audit.EventEnvelopeConsumed, &params.CallerID, payload); err != nil {
			return Envelope{}, fmt.Errorf("envelope: append timeline: %w", err)
		}
	}
	if c.outbox != nil {
		payload := map[string]any{
			"envelope_id": env.ID,
			"record_id":   target.ID,
		}
		if err := c.outbox.Enqueue(ctx, tx, audit.TopicEnvelopeConsumed, payload); err != nil {
			return Envelope{}, fmt.Errorf("envelope: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, fmt.Errorf("envelope: commit receive: %w", err)
	}

	return env, nil
}
