package repositories

import (
	"context"
	"errors"
	"sync"

	"github.com/coop-market/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRFQNotFound = errors.New("rfq not found")

type RFQRepo struct {
	pool *pgxpool.Pool
}

func NewRFQRepo(pool *pgxpool.Pool) *RFQRepo {
	return &RFQRepo{pool: pool}
}

func (r *RFQRepo) GetByID(ctx context.Context, id string) (*models.RFQ, error) {
	var q models.RFQ
	err := r.pool.QueryRow(ctx, `
		SELECT id, buyer_id, cooperative_id, status, created_at
		FROM rfqs WHERE id = $1
	`, id).Scan(&q.ID, &q.BuyerID, &q.CooperativeID, &q.Status, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRFQNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// MemoryRFQRepo is the in-process RFQ lookup used with STORE_DRIVER=memory.
type MemoryRFQRepo struct {
	mu   sync.RWMutex
	rfqs map[string]models.RFQ
}

func NewMemoryRFQRepo(rfqs ...models.RFQ) *MemoryRFQRepo {
	r := &MemoryRFQRepo{rfqs: make(map[string]models.RFQ)}
	for _, q := range rfqs {
		r.rfqs[q.ID] = q
	}
	return r
}

func (r *MemoryRFQRepo) Put(q models.RFQ) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rfqs[q.ID] = q
}

func (r *MemoryRFQRepo) GetByID(ctx context.Context, id string) (*models.RFQ, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.rfqs[id]
	if !ok {
		return nil, ErrRFQNotFound
	}
	return &q, nil
}
