package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when the envelope does not exist or was
	// already withdrawn - receipt is at-most-once.
	ErrNotFound = errors.New("envelope: not found")
	// ErrRecordNotFound is returned when the target record's identity is
	// unknown or retired.
	ErrRecordNotFound = errors.New("envelope: record not found")
	// ErrUnauthorized is returned when the caller fails the deposit or
	// receive gate, with no detail about which check failed.
	ErrUnauthorized = errors.New("envelope: unauthorized")
	// ErrInvalidInput is returned for malformed deposit or receive requests.
	ErrInvalidInput = errors.New("envelope: invalid input")
)

const envelopeColumns = `id, record_id, origin_id, event_type, biz_step, disposition, location, note,
       status, created_at, consumed_at, consumed_by`

// Target is the slice of the custody record the protocol needs for its
// authorization gates.
type Target struct {
	ID          string
	CreatorID   string
	CustodianID *string
}

// Repository defines the data access required by the delivery ledgers.
type Repository interface {
	GetTargetForUpdate(ctx context.Context, tx pgx.Tx, recordID string) (Target, error)
	Insert(ctx context.Context, tx pgx.Tx, env Envelope) (Envelope, error)
	ConsumePending(ctx context.Context, tx pgx.Tx, recordID, envelopeID, consumedBy string, at time.Time) (Envelope, error)
	ListPending(ctx context.Context, recordID string) ([]Envelope, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetTargetForUpdate locks the target record row, serializing the deposit or
// receipt against custody mutations and deletion of the same record.
func (r *PGRepository) GetTargetForUpdate(ctx context.Context, tx pgx.Tx, recordID string) (Target, error) {
	const query = `SELECT id, creator_id, custodian_id FROM custody_records WHERE id = $1 FOR UPDATE`

	var t Target
	if err := tx.QueryRow(ctx, query, recordID).Scan(&t.ID, &t.CreatorID, &t.CustodianID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Target{}, ErrRecordNotFound
		}
		return Target{}, fmt.Errorf("envelope: lock target record: %w", err)
	}

	return t, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, env Envelope) (Envelope, error) {
	const insertSQL = `
INSERT INTO event_envelopes
    (id, record_id, origin_id, event_type, biz_step, disposition, location, note, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING ` + envelopeColumns

	created, err := scanEnvelope(tx.QueryRow(ctx, insertSQL,
		env.ID,
		env.RecordID,
		env.OriginID,
		env.EventType,
		env.BizStep,
		env.Disposition,
		env.Location,
		env.Note,
		env.Status,
		env.CreatedAt,
	))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: insert: %w", err)
	}

	return created, nil
}

// ConsumePending atomically withdraws a pending envelope. The status guard
// in the WHERE clause makes receipt at-most-once: a second withdrawal of the
// same envelope matches no row.
func (r *PGRepository) ConsumePending(ctx context.Context, tx pgx.Tx, recordID, envelopeID, consumedBy string, at time.Time) (Envelope, error) {
	const updateSQL = `
UPDATE event_envelopes
SET status = 'consumed', consumed_at = $4, consumed_by = $3
WHERE id = $1 AND record_id = $2 AND status = 'pending'
RETURNING ` + envelopeColumns

	env, err := scanEnvelope(tx.QueryRow(ctx, updateSQL, envelopeID, recordID, consumedBy, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, fmt.Errorf("envelope: consume: %w", err)
	}

	return env, nil
}

func (r *PGRepository) ListPending(ctx context.Context, recordID string) ([]Envelope, error) {
	const query = `
SELECT ` + envelopeColumns + `
FROM event_envelopes
WHERE record_id = $1 AND status = 'pending'
ORDER BY created_at ASC
`

	rows, err := r.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("envelope: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Envelope, 0, 8)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("envelope: scan: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate: %w", err)
	}

	return out, nil
}

func scanEnvelope(row pgx.Row) (Envelope, error) {
	var env Envelope
	err := row.Scan(
		&env.ID,
		&env.RecordID,
		&env.OriginID,
		&env.EventType,
		&env.BizStep,
		&env.Disposition,
		&env.Location,
		&env.Note,
		&env.Status,
		&env.CreatedAt,
		&env.ConsumedAt,
		&env.ConsumedBy,
	)
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}
