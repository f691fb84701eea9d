package envelope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"traceflow/audit"
	"traceflow/counter"
	"traceflow/record"
)

// TestInboxProtocol_Integration verifies deposit-by-anyone, creator-gated
// receipt, and at-most-once consumption against a real PostgreSQL.
func TestInboxProtocol_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'event_envelopes')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/ first")
	}

	writer := audit.NewWriter()
	fees := counter.NewLedger()
	records := record.NewService(pool, record.NewRepository(pool), writer, writer, fees)
	ledger := NewInboxLedger(pool, NewRepository(pool), writer, writer, fees)

	alice := uuid.NewString()
	carol := uuid.NewString()
	dave := uuid.NewString()

	rec, err := records.Mint(ctx, record.MintParams{
		CallerID:     alice,
		TradeItemID:  "0061414154321",
		SerialNumber: fmt.Sprintf("SN-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := records.Transfer(ctx, record.TransferParams{RecordID: rec.ID, CallerID: alice, NewCustodianID: &carol}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Any party may address an envelope to the record.
	env, err := ledger.Deposit(ctx, DepositParams{
		RecordID: rec.ID,
		CallerID: dave,
		Payload:  Payload{EventType: "OBSERVE", BizStep: "shipping", Disposition: "in_transit", Location: "DC-7"},
	})
	if err != nil {
		t.Fatalf("deposit by third party: %v", err)
	}

	pending, err := ledger.Inbox(ctx, rec.ID)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != env.ID {
		t.Fatalf("expected one pending envelope, got %+v", pending)
	}

	// The custodian cannot withdraw; only the creator acknowledges.
	if _, err := ledger.Receive(ctx, ReceiveParams{RecordID: rec.ID, EnvelopeID: env.ID, CallerID: carol}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for custodian, got %v", err)
	}

	received, err := ledger.Receive(ctx, ReceiveParams{RecordID: rec.ID, EnvelopeID: env.ID, CallerID: alice})
	if err != nil {
		t.Fatalf("creator receive: %v", err)
	}
	if received.Status != StatusConsumed || received.Location != "DC-7" {
		t.Fatalf("unexpected received envelope: %+v", received)
	}

	if _, err := ledger.Receive(ctx, ReceiveParams{RecordID: rec.ID, EnvelopeID: env.ID, CallerID: alice}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second receive, got %v", err)
	}

	// Consumed envelopes drop out of the inbox but stay on disk for audit.
	pending, err = ledger.Inbox(ctx, rec.ID)
	if err != nil {
		t.Fatalf("inbox after receive: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty inbox, got %+v", pending)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM event_envelopes WHERE id = $1`, env.ID).Scan(&status); err != nil {
		t.Fatalf("read envelope row: %v", err)
	}
	if status != string(StatusConsumed) {
		t.Fatalf("expected consumed row retained, got %q", status)
	}

	// Both notifications made it to the outbox.
	var delivered, consumed int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE topic = $2), COUNT(*) FILTER (WHERE topic = $3)
		 FROM outbox WHERE payload->>'envelope_id' = $1`,
		env.ID, audit.TopicEnvelopeDelivered, audit.TopicEnvelopeConsumed).Scan(&delivered, &consumed); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if delivered != 1 || consumed != 1 {
		t.Fatalf("expected one delivered and one consumed notification, got %d/%d", delivered, consumed)
	}
}
