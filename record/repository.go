package record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned for operations on retired or unknown identities.
	ErrNotFound = errors.New("record: not found")
	// ErrUnauthorized is returned whenever the authorization predicate is
	// false. It carries no detail about which branch failed, so probes
	// cannot learn custody state.
	ErrUnauthorized = errors.New("record: unauthorized")
	// ErrInvalidInput is returned for malformed business attributes.
	ErrInvalidInput = errors.New("record: invalid input")
)

const recordColumns = `id, trade_item_id, serial_number, description, lot_number, expiration,
       source_ref, location_domain, geolocation, creator_id, custodian_id, created_at, updated_at`

// Repository defines the data access required by the custody service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	SetCustodian(ctx context.Context, tx pgx.Tx, id string, custodianID *string) (Record, error)
	SetLocationDomain(ctx context.Context, tx pgx.Tx, id, value string) (Record, error)
	SetAttributes(ctx context.Context, tx pgx.Tx, id string, update AttributeUpdate) (Record, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context, filters Filters) ([]Record, int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
INSERT INTO custody_records
    (id, trade_item_id, serial_number, description, lot_number, expiration,
     source_ref, location_domain, geolocation, creator_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING ` + recordColumns

	created, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.TradeItemID,
		rec.SerialNumber,
		rec.Description,
		rec.LotNumber,
		rec.Expiration,
		rec.SourceRef,
		rec.LocationDomain,
		rec.Geolocation,
		rec.CreatorID,
		rec.CreatedAt,
	))
	if err != nil {
		return Record{}, fmt.Errorf("record: insert: %w", err)
	}

	return created, nil
}

// GetForUpdate loads a record under a row lock, serializing the caller with
// every other operation on the same identity.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_records WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("record: get for update: %w", err)
	}

	return rec, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_records WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("record: get: %w", err)
	}

	return rec, nil
}

func (r *PGRepository) SetCustodian(ctx context.Context, tx pgx.Tx, id string, custodianID *string) (Record, error) {
	query := `
UPDATE custody_records
SET custodian_id = $2, updated_at = now()
WHERE id = $1
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, custodianID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("record: set custodian: %w", err)
	}

	return rec, nil
}

func (r *PGRepository) SetLocationDomain(ctx context.Context, tx pgx.Tx, id, value string) (Record, error) {
	query := `
UPDATE custody_records
SET location_domain = $2, updated_at = now()
WHERE id = $1
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("record: set location domain: %w", err)
	}

	return rec, nil
}

func (r *PGRepository) SetAttributes(ctx context.Context, tx pgx.Tx, id string, update AttributeUpdate) (Record, error) {
	query := `
UPDATE custody_records
SET description = COALESCE($2, description),
    lot_number  = COALESCE($3, lot_number),
    geolocation = COALESCE($4, geolocation),
    updated_at  = now()
WHERE id = $1
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, update.Description, update.LotNumber, update.Geolocation))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("record: set attributes: %w", err)
	}

	return rec, nil
}

// Delete retires the identity. The row is physically removed; timeline
// events and envelopes referencing it are kept for audit.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM custody_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filters.CreatorID != "" {
		args = append(args, filters.CreatorID)
		where = append(where, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if filters.CustodianID != "" {
		args = append(args, filters.CustodianID)
		where = append(where, fmt.Sprintf("custodian_id = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery := `SELECT COUNT(*) FROM custody_records` + clause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("record: count: %w", err)
	}

	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM custody_records%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, clause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("record: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("record: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("record: iterate: %w", err)
	}

	return records, total, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.TradeItemID,
		&rec.SerialNumber,
		&rec.Description,
		&rec.LotNumber,
		&rec.Expiration,
		&rec.SourceRef,
		&rec.LocationDomain,
		&rec.Geolocation,
		&rec.CreatorID,
		&rec.CustodianID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
