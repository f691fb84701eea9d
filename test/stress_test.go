package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"traceflow/audit"
	"traceflow/counter"
	"traceflow/envelope"
	"traceflow/record"
	"traceflow/test/actors"
	"traceflow/test/chaos"
	"traceflow/test/infra"
	"traceflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestRegistryConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)
	parties := []string{seedData.creator, seedData.custodianA, seedData.custodianB}

	writer := audit.NewWriter()
	fees := counter.NewLedger()
	recSvc := record.NewService(pool, record.NewRepository(pool), writer, writer, fees)
	ledger := envelope.NewInboxLedger(pool, envelope.NewRepository(pool), writer, writer, fees)

	recs := &actors.Records{}
	for i := 0; i < 3; i++ {
		rec, err := recSvc.Mint(ctx, record.MintParams{
			CallerID:     seedData.creator,
			TradeItemID:  fmt.Sprintf("0061414%06d", i),
			SerialNumber: fmt.Sprintf("SEED-%d", i),
		})
		if err != nil {
			t.Fatalf("seed mint: %v", err)
		}
		recs.Add(rec.ID)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return ignoreStop(actors.Minter(ctx2, recSvc, seedData.creator, recs, stop)) })
		g.Go(func() error { return ignoreStop(actors.Transferrer(ctx2, recSvc, parties, recs, stop)) })
		g.Go(func() error { return ignoreStop(actors.Depositor(ctx2, ledger, parties, recs, stop)) })
	}
	g.Go(func() error { return ignoreStop(actors.Updater(ctx2, recSvc, parties, recs, stop)) })
	g.Go(func() error { return ignoreStop(actors.Receiver(ctx2, ledger, seedData.creator, recs, stop)) })
	g.Go(func() error {
		return ignoreStop(actors.Reclaimer(ctx2, recSvc, seedData.creator, parties, recs, stop))
	})
	g.Go(func() error { return ignoreStop(actors.OutboxWorker(ctx2, pool, stop)) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// A chaos-killed backend can abort an oracle query; retry next tick.
				t.Logf("oracle transient error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func ignoreStop(err error) error {
	if actors.IsStop(err) {
		return nil
	}
	return err
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	creator    string
	custodianA string
	custodianB string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	insert := `INSERT INTO parties (email, full_name, password_hash) VALUES ($1, $2, 'stress') RETURNING id`
	if err := pool.QueryRow(ctx, insert, fmt.Sprintf("creator%d@example.com", rand.Int63()), "Stress Creator").Scan(&s.creator); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if err := pool.QueryRow(ctx, insert, fmt.Sprintf("cust-a%d@example.com", rand.Int63()), "Custodian A").Scan(&s.custodianA); err != nil {
		t.Fatalf("seed custodian a: %v", err)
	}
	if err := pool.QueryRow(ctx, insert, fmt.Sprintf("cust-b%d@example.com", rand.Int63()), "Custodian B").Scan(&s.custodianB); err != nil {
		t.Fatalf("seed custodian b: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"custody_records", `SELECT id, trade_item_id, serial_number, creator_id, custodian_id FROM custody_records ORDER BY updated_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, record_id, seq, type, actor_id, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"event_envelopes", `SELECT id, record_id, origin_id, status, consumed_by FROM event_envelopes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"registry_counters", `SELECT created_total, fee_total, fee_per_op FROM registry_counters WHERE id = 1`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
