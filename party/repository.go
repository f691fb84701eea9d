package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPartyNotFound signals that the participant does not exist.
	ErrPartyNotFound = errors.New("party: not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("party: email already exists")
)

// Repository handles data access for registry participants.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Party, error)
	GetByEmail(ctx context.Context, email string) (Party, error)
	GetByID(ctx context.Context, partyID string) (Party, error)
}

// CreateParams contains write parameters for creating participants.
type CreateParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed party repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Party, error) {
	const insertSQL = `
		INSERT INTO parties (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, full_name, password_hash, role, created_at, updated_at
	`

	p, err := scanParty(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Party{}, ErrDuplicateEmail
		}
		return Party{}, fmt.Errorf("party: create: %w", err)
	}

	return p, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Party, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM parties
		WHERE email = $1
	`

	p, err := scanParty(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrPartyNotFound
		}
		return Party{}, fmt.Errorf("party: get by email: %w", err)
	}

	return p, nil
}

func (r *PGRepository) GetByID(ctx context.Context, partyID string) (Party, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM parties
		WHERE id = $1
	`

	p, err := scanParty(r.pool.QueryRow(ctx, selectSQL, partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrPartyNotFound
		}
		return Party{}, fmt.Errorf("party: get by id: %w", err)
	}

	return p, nil
}

func scanParty(row pgx.Row) (Party, error) {
	var p Party
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&p.Role,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Party{}, err
	}
	return p, nil
}
