package envelope

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func strptr(s string) *string { return &s }

// alice created the record, bob currently holds custody, dave is a stranger.
func seededRepo() *fakeRepo {
	repo := newFakeEnvelopeRepo()
	repo.targets["rec-1"] = Target{ID: "rec-1", CreatorID: "alice", CustodianID: strptr("bob")}
	repo.targets["rec-2"] = Target{ID: "rec-2", CreatorID: "alice"}
	return repo
}

func TestInboxDeposit_OpenToAnyParty(t *testing.T) {
	repo := seededRepo()
	ledger := NewInboxLedger(&fakePool{}, repo, nil, nil, nil).
		WithIDGenerator(func() string { return "env-1" }).
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) })

	env, err := ledger.Deposit(context.Background(), DepositParams{
		RecordID: "rec-1",
		CallerID: "dave",
		Payload:  Payload{EventType: "OBSERVE", BizStep: "shipping", Disposition: "in_transit"},
	})
	if err != nil {
		t.Fatalf("deposit by unrelated party: %v", err)
	}

	if env.OriginID != "dave" {
		t.Fatalf("expected origin dave, got %q", env.OriginID)
	}
	if env.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", env.Status)
	}
	if env.RecordID != "rec-1" {
		t.Fatalf("expected target rec-1, got %q", env.RecordID)
	}
}

func TestInboxDeposit_TargetMustExist(t *testing.T) {
	ledger := NewInboxLedger(&fakePool{}, seededRepo(), nil, nil, nil)

	_, err := ledger.Deposit(context.Background(), DepositParams{
		RecordID: "rec-missing",
		CallerID: "dave",
		Payload:  Payload{EventType: "OBSERVE"},
	})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeposit_InputValidation(t *testing.T) {
	ledger := NewInboxLedger(&fakePool{}, seededRepo(), nil, nil, nil)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "dave"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing event type, got %v", err)
	}

	_, err = ledger.Deposit(ctx, DepositParams{CallerID: "dave", Payload: Payload{EventType: "OBSERVE"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing record id, got %v", err)
	}

	_, err = ledger.Receive(ctx, ReceiveParams{RecordID: "rec-1", CallerID: "alice"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing envelope id, got %v", err)
	}
}

func TestDirectDeposit_RequiresCustodyRights(t *testing.T) {
	repo := seededRepo()
	ledger := NewDirectLedger(&fakePool{}, repo, nil, nil, nil)
	ctx := context.Background()

	// Stranger fails the custody gate.
	_, err := ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "dave", Payload: Payload{EventType: "OBSERVE"}})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}
	// The creator fails too once custody moved on.
	_, err = ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "alice", Payload: Payload{EventType: "OBSERVE"}})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for creator after handoff, got %v", err)
	}
	// The current custodian succeeds.
	if _, err := ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "bob", Payload: Payload{EventType: "OBSERVE"}}); err != nil {
		t.Fatalf("custodian deposit: %v", err)
	}
	// The creator of an unassigned record succeeds.
	if _, err := ledger.Deposit(ctx, DepositParams{RecordID: "rec-2", CallerID: "alice", Payload: Payload{EventType: "OBSERVE"}}); err != nil {
		t.Fatalf("creator deposit on unclaimed record: %v", err)
	}
}

func TestReceive_CreatorOnlyAtMostOnce(t *testing.T) {
	repo := seededRepo()
	ledger := NewInboxLedger(&fakePool{}, repo, nil, nil, nil)
	ctx := context.Background()

	deposited, err := ledger.Deposit(ctx, DepositParams{
		RecordID: "rec-1",
		CallerID: "dave",
		Payload:  Payload{EventType: "INSPECT", Note: "seal intact"},
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// The custodian may not acknowledge; only the creator validates events.
	_, err = ledger.Receive(ctx, ReceiveParams{RecordID: "rec-1", EnvelopeID: deposited.ID, CallerID: "bob"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for custodian receive, got %v", err)
	}

	received, err := ledger.Receive(ctx, ReceiveParams{RecordID: "rec-1", EnvelopeID: deposited.ID, CallerID: "alice"})
	if err != nil {
		t.Fatalf("creator receive: %v", err)
	}
	if received.Note != "seal intact" || received.Status != StatusConsumed {
		t.Fatalf("unexpected received envelope: %+v", received)
	}

	// Receipt is destructive: a second withdrawal finds nothing.
	_, err = ledger.Receive(ctx, ReceiveParams{RecordID: "rec-1", EnvelopeID: deposited.ID, CallerID: "alice"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second receive, got %v", err)
	}
}

func TestInbox_ListsOnlyPending(t *testing.T) {
	repo := seededRepo()
	ledger := NewInboxLedger(&fakePool{}, repo, nil, nil, nil)
	ctx := context.Background()

	first, _ := ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "dave", Payload: Payload{EventType: "OBSERVE"}})
	second, _ := ledger.Deposit(ctx, DepositParams{RecordID: "rec-1", CallerID: "erin", Payload: Payload{EventType: "INSPECT"}})

	if _, err := ledger.Receive(ctx, ReceiveParams{RecordID: "rec-1", EnvelopeID: first.ID, CallerID: "alice"}); err != nil {
		t.Fatalf("receive: %v", err)
	}

	pending, err := ledger.Inbox(ctx, "rec-1")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the second envelope pending, got %+v", pending)
	}
}

type fakeRepo struct {
	targets   map[string]Target
	envelopes map[string]Envelope
	nextID    int
}

func newFakeEnvelopeRepo() *fakeRepo {
	return &fakeRepo{
		targets:   make(map[string]Target),
		envelopes: make(map[string]Envelope),
	}
}

func (f *fakeRepo) GetTargetForUpdate(_ context.Context, _ pgx.Tx, recordID string) (Target, error) {
	t, ok := f.targets[recordID]
	if !ok {
		return Target{}, ErrRecordNotFound
	}
	return t, nil
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, env Envelope) (Envelope, error) {
	if env.ID == "" {
		f.nextID++
		env.ID = fmt.Sprintf("env-%d", f.nextID)
	}
	f.envelopes[env.ID] = env
	return env, nil
}

func (f *fakeRepo) ConsumePending(_ context.Context, _ pgx.Tx, recordID, envelopeID, consumedBy string, at time.Time) (Envelope, error) {
	env, ok := f.envelopes[envelopeID]
	if !ok || env.RecordID != recordID || env.Status != StatusPending {
		return Envelope{}, ErrNotFound
	}
	env.Status = StatusConsumed
	env.ConsumedAt = &at
	env.ConsumedBy = &consumedBy
	f.envelopes[envelopeID] = env
	return env, nil
}

func (f *fakeRepo) ListPending(_ context.Context, recordID string) ([]Envelope, error) {
	out := make([]Envelope, 0, len(f.envelopes))
	for _, env := range f.envelopes {
		if env.RecordID == recordID && env.Status == StatusPending {
			out = append(out, env)
		}
	}
	return out, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
