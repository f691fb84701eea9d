package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live database during
// stress. Each query must return zero rows on a healthy registry.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_timeline_seq_gapfree",
			SQL: `WITH seqs AS (
                      SELECT record_id, seq,
                             LAG(seq) OVER (PARTITION BY record_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O2_creator_matches_mint_actor",
			SQL: `SELECT r.id FROM custody_records r
                  JOIN timeline_events e ON e.record_id = r.id AND e.type = 'RECORD_MINTED'
                  WHERE e.actor_id IS DISTINCT FROM r.creator_id`,
		},
		{
			Name: "O3_counter_matches_mints",
			SQL: `SELECT c.created_total, m.total
                  FROM registry_counters c,
                       (SELECT COUNT(*) AS total FROM timeline_events WHERE type = 'RECORD_MINTED') m
                  WHERE c.id = 1 AND c.created_total <> m.total`,
		},
		{
			Name: "O4_envelope_consumed_exactly_once",
			SQL: `SELECT env.id FROM event_envelopes env
                  WHERE env.status = 'consumed'
                    AND (SELECT COUNT(*) FROM timeline_events e
                         WHERE e.record_id = env.record_id
                           AND e.type = 'ENVELOPE_CONSUMED'
                           AND e.payload->>'envelope_id' = env.id::text) <> 1`,
		},
		{
			Name: "O5_consumed_by_creator",
			SQL: `SELECT env.id FROM event_envelopes env
                  JOIN custody_records r ON r.id = env.record_id
                  WHERE env.status = 'consumed'
                    AND (env.consumed_by IS NULL OR env.consumed_by <> r.creator_id)`,
		},
		{
			Name: "O6_pending_envelopes_clean",
			SQL: `SELECT id FROM event_envelopes
                  WHERE status = 'pending'
                    AND (consumed_at IS NOT NULL OR consumed_by IS NOT NULL)`,
		},
		{
			Name: "O7_custody_implies_transfer",
			SQL: `SELECT r.id FROM custody_records r
                  WHERE r.custodian_id IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.record_id = r.id AND e.type = 'RECORD_TRANSFERRED')`,
		},
		{
			Name: "O8_fee_ledger_balances",
			SQL: `SELECT c.fee_total, charged.total * c.fee_per_op
                  FROM registry_counters c,
                       (SELECT COUNT(*) AS total FROM timeline_events
                        WHERE type <> 'ENVELOPE_CONSUMED') charged
                  WHERE c.id = 1 AND c.fee_total <> charged.total * c.fee_per_op`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
