package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coop-market/backend/internal/models"
	"github.com/google/uuid"
)

// MemoryEscrowRepo keeps escrows and their events in process memory. It is
// used by tests and by STORE_DRIVER=memory for local development.
type MemoryEscrowRepo struct {
	mu      sync.RWMutex
	escrows map[string]*models.Escrow
	events  map[string][]models.EscrowEvent
	now     func() time.Time
}

func NewMemoryEscrowRepo() *MemoryEscrowRepo {
	return &MemoryEscrowRepo{
		escrows: make(map[string]*models.Escrow),
		events:  make(map[string][]models.EscrowEvent),
		now:     time.Now,
	}
}

func (r *MemoryEscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.escrows {
		if existing.RFQID == e.RFQID && !models.IsTerminal(existing.Status) {
			return ErrActiveEscrowExists
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := r.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	r.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (r *MemoryEscrowRepo) GetByID(ctx context.Context, id string) (*models.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (r *MemoryEscrowRepo) FindActiveByRFQ(ctx context.Context, rfqID string) (*models.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.escrows {
		if e.RFQID == rfqID && !models.IsTerminal(e.Status) {
			return cloneEscrow(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (r *MemoryEscrowRepo) Update(ctx context.Context, id string, u models.EscrowUpdate) (*models.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !u.Allows(e.Status) {
		return nil, ErrStatusConflict
	}
	u.Apply(e, r.now())
	return cloneEscrow(e), nil
}

// ListPending returns non-terminal escrows whose sweep time is before the
// cutoff, least recently swept first.
func (r *MemoryEscrowRepo) ListPending(ctx context.Context, before time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Escrow
	for _, e := range r.escrows {
		if !models.IsTerminal(e.Status) && e.SweepTime().Before(before) {
			out = append(out, *cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SweepTime().Before(out[j].SweepTime()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSynced records that a sweep examined the escrow. UpdatedAt is kept.
func (r *MemoryEscrowRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	v := at
	e.LastSyncedAt = &v
	return nil
}

// ListUnreferenced returns escrows awaiting payment with neither an intent
// nor a checkout session, created before the cutoff. Sync cannot repair them.
func (r *MemoryEscrowRepo) ListUnreferenced(ctx context.Context, createdBefore time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Escrow
	for _, e := range r.escrows {
		if e.Status == models.EscrowStatusAwaitingPayment && !e.HasGatewayReference() && e.CreatedAt.Before(createdBefore) {
			out = append(out, *cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEscrowRepo) AppendEvent(ctx context.Context, ev models.EscrowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events[ev.EscrowID] = append(r.events[ev.EscrowID], ev)
	return nil
}

func (r *MemoryEscrowRepo) ListEvents(ctx context.Context, escrowID string) ([]models.EscrowEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	evs := r.events[escrowID]
	out := make([]models.EscrowEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func cloneEscrow(e *models.Escrow) *models.Escrow {
	c := *e
	if e.LotID != nil {
		v := *e.LotID
		c.LotID = &v
	}
	if e.PaymentIntentID != nil {
		v := *e.PaymentIntentID
		c.PaymentIntentID = &v
	}
	if e.ClientReference != nil {
		v := *e.ClientReference
		c.ClientReference = &v
	}
	if e.ReleasedAt != nil {
		v := *e.ReleasedAt
		c.ReleasedAt = &v
	}
	if e.LastSyncedAt != nil {
		v := *e.LastSyncedAt
		c.LastSyncedAt = &v
	}
	return &c
}
