package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coop-market/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrStatusConflict     = errors.New("escrow status changed concurrently")
	ErrActiveEscrowExists = errors.New("an active escrow already exists for this rfq")
)

const uniqueViolation = "23505"

const escrowColumns = `id, rfq_id, lot_id, buyer_id, cooperative_id, amount::text, currency, status,
	payment_provider, payment_intent_id, client_reference, released_at, last_synced_at, created_at, updated_at`

// sweepTime mirrors models.Escrow.SweepTime. GREATEST skips NULLs.
const sweepTime = `GREATEST(last_synced_at, updated_at)`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escrows (id, rfq_id, lot_id, buyer_id, cooperative_id, amount, currency, status,
		                     payment_provider, payment_intent_id, client_reference)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, e.ID, e.RFQID, e.LotID, e.BuyerID, e.CooperativeID, e.Amount.String(), e.Currency, e.Status,
		e.PaymentProvider, e.PaymentIntentID, e.ClientReference,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveEscrowExists
		}
		return err
	}
	return nil
}

func (r *EscrowRepo) GetByID(ctx context.Context, id string) (*models.Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (r *EscrowRepo) FindActiveByRFQ(ctx context.Context, rfqID string) (*models.Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE rfq_id = $1 AND status = ANY($2::text[])
		ORDER BY created_at DESC LIMIT 1
	`, rfqID, models.ActiveEscrowStatuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update applies u in a single statement. The payment intent id and client
// reference are only filled when NULL. With ExpectedStatuses set the row is
// only touched when its current status matches, otherwise ErrStatusConflict.
func (r *EscrowRepo) Update(ctx context.Context, id string, u models.EscrowUpdate) (*models.Escrow, error) {
	expected := u.ExpectedStatuses
	if expected == nil {
		expected = []string{}
	}
	e, err := scanEscrow(r.pool.QueryRow(ctx, `
		UPDATE escrows SET
			status = COALESCE($2, status),
			payment_intent_id = COALESCE(payment_intent_id, $3),
			client_reference = COALESCE(client_reference, $4),
			released_at = COALESCE($5, released_at),
			updated_at = now()
		WHERE id = $1 AND (cardinality($6::text[]) = 0 OR status = ANY($6::text[]))
		RETURNING `+escrowColumns,
		id, u.Status, u.PaymentIntentID, u.ClientReference, u.ReleasedAt, expected))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStatusConflict
}

// ListPending returns non-terminal escrows whose sweep time is before the
// cutoff, least recently swept first.
func (r *EscrowRepo) ListPending(ctx context.Context, before time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return r.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = ANY($1::text[]) AND `+sweepTime+` < $2
		ORDER BY `+sweepTime+` ASC, id ASC LIMIT $3
	`, models.ActiveEscrowStatuses, before, limit)
}

// MarkSynced records that a sweep examined the escrow. updated_at is kept.
func (r *EscrowRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE escrows SET last_synced_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// ListUnreferenced returns escrows awaiting payment with neither an intent
// nor a checkout session, created before the cutoff. Sync cannot repair them.
func (r *EscrowRepo) ListUnreferenced(ctx context.Context, createdBefore time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return r.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND payment_intent_id IS NULL AND client_reference IS NULL
		  AND created_at < $2
		ORDER BY created_at ASC LIMIT $3
	`, models.EscrowStatusAwaitingPayment, createdBefore, limit)
}

func (r *EscrowRepo) queryEscrows(ctx context.Context, sql string, args ...any) ([]models.Escrow, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

// ---- Events ----

func (r *EscrowRepo) AppendEvent(ctx context.Context, ev models.EscrowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escrow_events (id, escrow_id, actor_id, type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.EscrowID, ev.ActorID, ev.Type, payload)
	return err
}

func (r *EscrowRepo) ListEvents(ctx context.Context, escrowID string) ([]models.EscrowEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, actor_id, type, payload, created_at
		FROM escrow_events WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []models.EscrowEvent
	for rows.Next() {
		var ev models.EscrowEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.ActorID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeEventPayload(payload, &ev); err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

func decodeEventPayload(payload []byte, ev *models.EscrowEvent) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return fmt.Errorf("decode payload of escrow event %s: %w", ev.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*models.Escrow, error) {
	var e models.Escrow
	var amount string
	err := row.Scan(&e.ID, &e.RFQID, &e.LotID, &e.BuyerID, &e.CooperativeID, &amount, &e.Currency, &e.Status,
		&e.PaymentProvider, &e.PaymentIntentID, &e.ClientReference, &e.ReleasedAt, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse escrow amount %q: %w", amount, err)
	}
	return &e, nil
}
