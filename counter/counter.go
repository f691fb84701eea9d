package counter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

// ErrOverflow signals a counter hit its arithmetic ceiling. Counters fail
// loudly at the limit instead of wrapping.
var ErrOverflow = errors.New("counter: overflow")

// Ledger updates the registry's passive counters: the monotonically
// increasing creation counter and the flat per-operation fee accumulator.
// Both live in a single bootstrap row and are written inside the caller's
// transaction so they commit atomically with the operation being counted.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// IncrementCreated adds one to the creation counter.
func (l *Ledger) IncrementCreated(ctx context.Context, tx pgx.Tx) error {
	const updateSQL = `
UPDATE registry_counters
SET created_total = created_total + 1
WHERE id = 1 AND created_total < $1
RETURNING created_total
`

	var total int64
	if err := tx.QueryRow(ctx, updateSQL, int64(math.MaxInt64)).Scan(&total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOverflow
		}
		return fmt.Errorf("counter: increment created: %w", err)
	}

	return nil
}

// ChargeFee adds the configured flat fee and returns the new accumulated total.
func (l *Ledger) ChargeFee(ctx context.Context, tx pgx.Tx) (int64, error) {
	const updateSQL = `
UPDATE registry_counters
SET fee_total = fee_total + fee_per_op
WHERE id = 1 AND fee_total <= $1 - fee_per_op
RETURNING fee_total
`

	var total int64
	if err := tx.QueryRow(ctx, updateSQL, int64(math.MaxInt64)).Scan(&total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOverflow
		}
		return 0, fmt.Errorf("counter: charge fee: %w", err)
	}

	return total, nil
}
