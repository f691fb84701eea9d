package record

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"traceflow/audit"
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

// FeeLedger updates the registry's passive counters inside the operation's
// transaction.
type FeeLedger interface {
	IncrementCreated(ctx context.Context, tx pgx.Tx) error
	ChargeFee(ctx context.Context, tx pgx.Tx) (int64, error)
}

// Service is the custody state machine. Every mutating operation runs as a
// single transaction: the target row is locked, the authorization predicate
// evaluated, and the mutation plus its bookkeeping committed as one unit.
type Service struct {
	pool     TxBeginner
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	fees     FeeLedger

	idGenerator func() string
	now         func() time.Time

	// requireUnassignedDelete restricts deletion to records whose custody
	// is unassigned at delete time (the creator may reclaim and delete).
	requireUnassignedDelete bool
}

func NewService(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter, fees FeeLedger) *Service {
	return &Service{
		pool:                    pool,
		repo:                    repo,
		timeline:                timeline,
		outbox:                  outbox,
		fees:                    fees,
		idGenerator:             func() string { return uuid.NewString() },
		now:                     time.Now,
		requireUnassignedDelete: true,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDeletePolicy selects whether deletion is permitted only while custody
// is unassigned (true, the default) or also while custodied (false).
func (s *Service) WithDeletePolicy(requireUnassigned bool) *Service {
	s.requireUnassignedDelete = requireUnassigned
	return s
}

// Mint allocates a fresh identity and creates the record with the caller as
// creator and custody unassigned. The creation timestamp is read once from
// the service clock.
func (s *Service) Mint(ctx context.Context, params MintParams) (Record, error) {
	if params.CallerID == "" {
		return Record{}, fmt.Errorf("record: missing caller id: %w", ErrInvalidInput)
	}
	if params.TradeItemID == "" {
		return Record{}, fmt.Errorf("record: trade item id required: %w", ErrInvalidInput)
	}
	if params.SerialNumber == "" {
		return Record{}, fmt.Errorf("record: serial number required: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:             s.idGenerator(),
		TradeItemID:    params.TradeItemID,
		SerialNumber:   params.SerialNumber,
		Description:    params.Description,
		LotNumber:      params.LotNumber,
		Expiration:     params.Expiration,
		SourceRef:      params.SourceRef,
		LocationDomain: params.LocationDomain,
		Geolocation:    params.Geolocation,
		CreatorID:      params.CallerID,
		CreatedAt:      s.now().UTC(),
	}

	created, err := s.repo.Insert(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.bookkeepCreation(ctx, tx); err != nil {
		return Record{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"trade_item_id": created.TradeItemID,
			"serial_number": created.SerialNumber,
		}
		if err := s.timeline.Append(ctx, tx, created.ID, audit.EventRecordMinted, &params.CallerID, payload); err != nil {
			return Record{}, fmt.Errorf("record: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"record_id":  created.ID,
			"creator_id": created.CreatorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, audit.TopicRecordCreated, payload); err != nil {
			return Record{}, fmt.Errorf("record: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("record: commit mint: %w", err)
	}

	return created, nil
}

// Transfer hands custody to the new custodian. Transferring to the same
// custodian is a permitted no-op; transferring to nil unassigns custody and
// re-arms the creator's first-transfer privilege.
func (s *Service) Transfer(ctx context.Context, params TransferParams) (Record, error) {
	if params.RecordID == "" {
		return Record{}, fmt.Errorf("record: missing record id: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.RecordID)
	if err != nil {
		return Record{}, err
	}

	if !CustodyAuthorized(rec.CreatorID, rec.CustodianID, params.CallerID) {
		return Record{}, ErrUnauthorized
	}

	updated, err := s.repo.SetCustodian(ctx, tx, rec.ID, params.NewCustodianID)
	if err != nil {
		return Record{}, err
	}

	if s.fees != nil {
		if _, err := s.fees.ChargeFee(ctx, tx); err != nil {
			return Record{}, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"previous_custodian": rec.CustodianID,
			"new_custodian":      updated.CustodianID,
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, audit.EventRecordTransferred, &params.CallerID, payload); err != nil {
			return Record{}, fmt.Errorf("record: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"record_id":     rec.ID,
			"new_custodian": updated.CustodianID,
		}
		if err := s.outbox.Enqueue(ctx, tx, audit.TopicRecordTransferred, payload); err != nil {
			return Record{}, fmt.Errorf("record: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("record: commit transfer: %w", err)
	}

	return updated, nil
}

// UpdateLocationDomain revises the registry-of-record location validation
// domain. This is the strict tier: only the creator may write it, no matter
// who currently holds custody.
func (s *Service) UpdateLocationDomain(ctx context.Context, recordID, value, callerID string) (Record, error) {
	if recordID == "" {
		return Record{}, fmt.Errorf("record: missing record id: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}

	if callerID == "" || rec.CreatorID != callerID {
		return Record{}, ErrUnauthorized
	}

	updated, err := s.repo.SetLocationDomain(ctx, tx, rec.ID, value)
	if err != nil {
		return Record{}, err
	}

	if err := s.bookkeepUpdate(ctx, tx, rec.ID, callerID, "location_domain"); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("record: commit update: %w", err)
	}

	return updated, nil
}

// UpdateAttributes revises physically-observable fields (description, lot
// number, geolocation). This tier uses the full custody gate.
func (s *Service) UpdateAttributes(ctx context.Context, recordID string, update AttributeUpdate, callerID string) (Record, error) {
	if recordID == "" {
		return Record{}, fmt.Errorf("record: missing record id: %w", ErrInvalidInput)
	}
	if update.Description == nil && update.LotNumber == nil && update.Geolocation == nil {
		return Record{}, fmt.Errorf("record: no attributes to update: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}

	if !CustodyAuthorized(rec.CreatorID, rec.CustodianID, callerID) {
		return Record{}, ErrUnauthorized
	}

	updated, err := s.repo.SetAttributes(ctx, tx, rec.ID, update)
	if err != nil {
		return Record{}, err
	}

	if err := s.bookkeepUpdate(ctx, tx, rec.ID, callerID, "attributes"); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("record: commit update: %w", err)
	}

	return updated, nil
}

// UpdateGeolocation revises the observed geolocation under the custody gate.
func (s *Service) UpdateGeolocation(ctx context.Context, recordID, value, callerID string) (Record, error) {
	return s.UpdateAttributes(ctx, recordID, AttributeUpdate{Geolocation: &value}, callerID)
}

// Delete retires the record's identity. The custody gate applies, plus the
// unassigned-custody policy when configured. Policy failures surface as the
// same opaque unauthorized error as gate failures.
func (s *Service) Delete(ctx context.Context, recordID, callerID string) error {
	if recordID == "" {
		return fmt.Errorf("record: missing record id: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return err
	}

	if !CustodyAuthorized(rec.CreatorID, rec.CustodianID, callerID) {
		return ErrUnauthorized
	}
	if s.requireUnassignedDelete && rec.CustodianID != nil {
		return ErrUnauthorized
	}

	if s.fees != nil {
		if _, err := s.fees.ChargeFee(ctx, tx); err != nil {
			return err
		}
	}

	// Timeline entries outlive the record; append before the row goes away.
	if s.timeline != nil {
		payload := map[string]any{
			"trade_item_id": rec.TradeItemID,
			"serial_number": rec.SerialNumber,
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, audit.EventRecordDeleted, &callerID, payload); err != nil {
			return fmt.Errorf("record: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{"record_id": rec.ID}
		if err := s.outbox.Enqueue(ctx, tx, audit.TopicRecordDeleted, payload); err != nil {
			return fmt.Errorf("record: enqueue outbox: %w", err)
		}
	}

	if err := s.repo.Delete(ctx, tx, rec.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("record: commit delete: %w", err)
	}

	return nil
}

// Get returns the record for the given identity.
func (s *Service) Get(ctx context.Context, recordID string) (Record, error) {
	return s.repo.Get(ctx, recordID)
}

// List returns records matching the filters plus the total count.
func (s *Service) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) bookkeepCreation(ctx context.Context, tx pgx.Tx) error {
	if s.fees == nil {
		return nil
	}
	if err := s.fees.IncrementCreated(ctx, tx); err != nil {
		return err
	}
	if _, err := s.fees.ChargeFee(ctx, tx); err != nil {
		return err
	}
	return nil
}

func (s *Service) bookkeepUpdate(ctx context.Context, tx pgx.Tx, recordID, callerID, field string) error {
	if s.fees != nil {
		if _, err := s.fees.ChargeFee(ctx, tx); err != nil {
			return err
		}
	}
	if s.timeline != nil {
		payload := map[string]any{"field": field}
		if err := s.timeline.Append(ctx, tx, recordID, audit.EventRecordUpdated, &callerID, payload); err != nil {
			return fmt.Errorf("record: append timeline: %w", err)
		}
	}
	return nil
}
