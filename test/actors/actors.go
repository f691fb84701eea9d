package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"traceflow/envelope"
	"traceflow/record"
)

// Records is the shared registry of live record ids the actors contend over.
type Records struct {
	mu  sync.Mutex
	ids []string
}

func (r *Records) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *Records) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.ids {
		if v == id {
			r.ids[i] = r.ids[len(r.ids)-1]
			r.ids = r.ids[:len(r.ids)-1]
			return
		}
	}
}

func (r *Records) Random() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", false
	}
	return r.ids[rand.Intn(len(r.ids))], true
}

// halt reports whether the actor loop should exit. Everything else that goes
// wrong mid-iteration is expected under contention and chaos (authorization
// denials, consumed envelopes, deleted records, killed backends) and is
// swallowed; the oracles judge the resulting state, not the actors.
func halt(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStop
	default:
		return nil
	}
}

var errStop = fmt.Errorf("actors: stop requested")

// IsStop reports whether an actor exited because the stop channel closed.
func IsStop(err error) bool { return err == errStop }

// Minter creates records with random identities and publishes them to the
// shared registry.
func Minter(ctx context.Context, svc *record.Service, creatorID string, recs *Records, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		rec, err := svc.Mint(ctx, record.MintParams{
			CallerID:     creatorID,
			TradeItemID:  fmt.Sprintf("0061414%06d", rand.Intn(1000000)),
			SerialNumber: fmt.Sprintf("SN-%d", rand.Int63()),
			Description:  "stress unit",
		})
		if err == nil {
			recs.Add(rec.ID)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Transferrer hands custody around with randomly chosen callers and targets.
// Most attempts bounce off the custody gate; the ones that land drive the
// record through creator-first and custodian-to-custodian handoffs, and the
// occasional nil target re-arms the creator.
func Transferrer(ctx context.Context, svc *record.Service, parties []string, recs *Records, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		if id, ok := recs.Random(); ok {
			caller := parties[rand.Intn(len(parties))]
			var target *string
			if rand.Intn(10) != 0 {
				t := parties[rand.Intn(len(parties))]
				target = &t
			}
			_, _ = svc.Transfer(ctx, record.TransferParams{
				RecordID:       id,
				CallerID:       caller,
				NewCustodianID: target,
			})
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Updater revises both attribute tiers with randomly chosen callers.
func Updater(ctx context.Context, svc *record.Service, parties []string, recs *Records, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		if id, ok := recs.Random(); ok {
			caller := parties[rand.Intn(len(parties))]
			if rand.Intn(2) == 0 {
				_, _ = svc.UpdateLocationDomain(ctx, id, fmt.Sprintf("dc-%d", rand.Intn(100)), caller)
			} else {
				desc := fmt.Sprintf("lot set %d", rand.Intn(1000))
				_, _ = svc.UpdateAttributes(ctx, id, record.AttributeUpdate{Description: &desc}, caller)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Depositor addresses envelopes to random records from random origins. Under
// the inbox ledger every deposit on a live record lands; under the direct
// ledger only custody holders get through.
func Depositor(ctx context.Context, ledger envelope.Ledger, parties []string, recs *Records, stop <-chan struct{}) error {
	steps := []string{"commissioning", "shipping", "receiving", "storing"}
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		if id, ok := recs.Random(); ok {
			_, _ = ledger.Deposit(ctx, envelope.DepositParams{
				RecordID: id,
				CallerID: parties[rand.Intn(len(parties))],
				Payload: envelope.Payload{
					EventType: "OBSERVE",
					BizStep:   steps[rand.Intn(len(steps))],
				},
			})
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Receiver drains inboxes as the creator. Competing receivers racing for the
// same envelope exercise the at-most-once consume.
func Receiver(ctx context.Context, ledger envelope.Ledger, creatorID string, recs *Records, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		if id, ok := recs.Random(); ok {
			pending, err := ledger.Inbox(ctx, id)
			if err == nil {
				for _, env := range pending {
					_, _ = ledger.Receive(ctx, envelope.ReceiveParams{
						RecordID:   id,
						EnvelopeID: env.ID,
						CallerID:   creatorID,
					})
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Reclaimer unassigns custody and retires records, shrinking the registry
// while the other actors keep hitting the departing ids.
func Reclaimer(ctx context.Context, svc *record.Service, creatorID string, parties []string, recs *Records, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		if id, ok := recs.Random(); ok && rand.Intn(5) == 0 {
			// Whoever currently holds custody may release it; try everyone.
			for _, caller := range parties {
				if _, err := svc.Transfer(ctx, record.TransferParams{
					RecordID: id,
					CallerID: caller,
				}); err == nil {
					break
				}
			}
			if err := svc.Delete(ctx, id, creatorID); err == nil {
				recs.Remove(id)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated random failure to exercise retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if err := halt(ctx, stop); err != nil {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
