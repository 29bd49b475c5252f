package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coop-market/backend/internal/events"
	"github.com/coop-market/backend/internal/locks"
	"github.com/coop-market/backend/internal/metrics"
	"github.com/coop-market/backend/internal/models"
	"github.com/coop-market/backend/internal/payments"
	"github.com/coop-market/backend/internal/repositories"
	"github.com/coop-market/backend/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// racingStore runs race once, just before the first Update reaches the
// underlying store, standing in for a concurrent writer.
type racingStore struct {
	*repositories.MemoryEscrowRepo
	once sync.Once
	race func()
}

func (s *racingStore) Update(ctx context.Context, id string, u models.EscrowUpdate) (*models.Escrow, error) {
	s.once.Do(s.race)
	return s.MemoryEscrowRepo.Update(ctx, id, u)
}

// referenceFailingStore fails the write that stores a new hold's intent or
// checkout session id.
type referenceFailingStore struct {
	*repositories.MemoryEscrowRepo
}

func (s referenceFailingStore) Update(ctx context.Context, id string, u models.EscrowUpdate) (*models.Escrow, error) {
	if u.Status == nil && (u.PaymentIntentID != nil || u.ClientReference != nil) {
		return nil, errors.New("connection reset")
	}
	return s.MemoryEscrowRepo.Update(ctx, id, u)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, events.Event) error {
	return errors.New("redis: connection refused")
}

func (f *fixture) serviceWith(store EscrowStore, publisher events.Publisher, log *zap.Logger) *EscrowService {
	return NewEscrowService(store, f.gw, nil, locks.NewMemoryLocker(), publisher, metrics.New(), f.cfg, log)
}

func moveTo(t *testing.T, store *repositories.MemoryEscrowRepo, id, status string) func() {
	return func() {
		_, err := store.Update(context.Background(), id, models.EscrowUpdate{Status: &status})
		require.NoError(t, err)
	}
}

func lastEventPayload(t *testing.T, f *fixture, escrowID string) map[string]any {
	t.Helper()
	evs, err := f.store.ListEvents(context.Background(), escrowID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1].Payload
}

func TestWebhook_ConcurrentWriterAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.init(t)

	store := &racingStore{MemoryEscrowRepo: f.store, race: moveTo(t, f.store, e.ID, models.EscrowStatusAuthorized)}
	svc := f.serviceWith(store, f.pub, zap.NewNop())

	body := testutil.IntentEvent("evt_1", payments.EventIntentAmountCapturableUpdated, e.IntentID(), payments.IntentStatusRequiresCapture, e.ID)
	out, err := svc.HandleWebhook(ctx, body, f.gw.Sign(body))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, models.EscrowStatusAuthorized, out.Status)

	payload := lastEventPayload(t, f, e.ID)
	assert.NotContains(t, payload, "error")
	assert.Equal(t, false, payload["applied"])
	assert.Equal(t, models.EscrowStatusAuthorized, payload["to"])
}

func TestWebhook_RetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.init(t)

	store := &racingStore{MemoryEscrowRepo: f.store, race: moveTo(t, f.store, e.ID, models.EscrowStatusAuthorized)}
	svc := f.serviceWith(store, f.pub, zap.NewNop())

	body := testutil.IntentEvent("evt_2", payments.EventIntentCanceled, e.IntentID(), payments.IntentStatusCanceled, e.ID)
	out, err := svc.HandleWebhook(ctx, body, f.gw.Sign(body))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, models.EscrowStatusCancelled, out.Status)

	payload := lastEventPayload(t, f, e.ID)
	assert.Equal(t, models.EscrowStatusAuthorized, payload["from"])
	assert.Equal(t, models.EscrowStatusCancelled, payload["to"])
	assert.NotContains(t, payload, "error")
}

func TestSync_GatewayTimeoutBoundsCall(t *testing.T) {
	f := newFixture(t)
	e := f.init(t)
	f.cfg.GatewayTimeout = 20 * time.Millisecond
	f.gw.BlockRetrieve = true

	start := time.Now()
	_, err := f.svc.Sync(context.Background(), e.ID)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, CodeGateway, ErrorCode(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second)

	got, _ := f.store.GetByID(context.Background(), e.ID)
	assert.Equal(t, models.EscrowStatusAwaitingPayment, got.Status)
	assert.Equal(t, []string{models.EventTypeCreated}, f.eventTypes(t, e.ID))
}

func TestInit_HoldReferenceNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.serviceWith(referenceFailingStore{f.store}, f.pub, zap.NewNop())

	_, err := svc.Init(ctx, InitParams{
		RFQID: "r1", BuyerID: "b1", CooperativeID: "c1", Amount: decimal.NewFromInt(100),
	}, buyer)
	require.Error(t, err)
	assert.Equal(t, CodePersistence, ErrorCode(err))
	assert.Equal(t, 1, f.gw.HoldCalls)

	orphans, err := f.svc.Unreferenced(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	orphan := orphans[0]
	assert.Equal(t, models.EscrowStatusAwaitingPayment, orphan.Status)
	assert.Equal(t, []string{models.EventTypeHoldReferenceFailed}, f.eventTypes(t, orphan.ID))
	assert.Equal(t, "pi_test_1", lastEventPayload(t, f, orphan.ID)["intent_id"])

	// Sync has nothing to ask the gateway and leaves the row alone.
	synced, err := f.svc.Sync(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusAwaitingPayment, synced.Status)

	_, err = f.svc.Init(ctx, InitParams{
		RFQID: "r1", BuyerID: "b1", CooperativeID: "c1", Amount: decimal.NewFromInt(100),
	}, buyer)
	assert.Equal(t, CodeInvalidState, ErrorCode(err))

	cancelled, err := f.svc.Cancel(ctx, orphan.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCancelled, cancelled.Status)

	orphans, err = f.svc.Unreferenced(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
	f.init(t)
}

func TestSyncPending_AbandonedEscrowsDoNotStarveNewer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.serviceWith(f.store, f.pub, zap.NewNop())

	var escrows []*models.Escrow
	for _, rfq := range []string{"a1", "a2", "a3"} {
		res, err := svc.Init(ctx, InitParams{
			RFQID: rfq, BuyerID: "b1", CooperativeID: "c1", Amount: decimal.NewFromInt(10),
		}, buyer)
		require.NoError(t, err)
		escrows = append(escrows, res.Escrow)
	}
	newest := escrows[2]
	f.gw.SetIntentStatus(newest.IntentID(), payments.IntentStatusRequiresCapture)

	examinedTotal, changedTotal := 0, 0
	for i := 0; i < 2; i++ {
		examined, changed, err := svc.SyncPending(ctx, time.Now().Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, 2, examined)
		examinedTotal += examined
		changedTotal += changed
	}
	assert.Equal(t, 4, examinedTotal)
	assert.Equal(t, 1, changedTotal)

	got, err := f.store.GetByID(ctx, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusAuthorized, got.Status)
	for _, e := range escrows[:2] {
		abandoned, _ := f.store.GetByID(ctx, e.ID)
		assert.Equal(t, models.EscrowStatusAwaitingPayment, abandoned.Status)
		assert.NotNil(t, abandoned.LastSyncedAt)
	}
}

func TestInit_AmountOutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"100000000000000000000", "10000000000000000", "9999999999999999.991"} {
		_, err := f.svc.Init(context.Background(), InitParams{
			RFQID: "r1", BuyerID: "b1", CooperativeID: "c1", Amount: decimal.RequireFromString(amount),
		}, buyer)
		assert.Equal(t, CodeValidation, ErrorCode(err), amount)
	}
	assert.Zero(t, f.gw.HoldCalls)

	res, err := f.svc.Init(context.Background(), InitParams{
		RFQID: "r1", BuyerID: "b1", CooperativeID: "c1", Amount: models.MaxEscrowAmount,
	}, buyer)
	require.NoError(t, err)
	assert.True(t, res.Escrow.Amount.Equal(models.MaxEscrowAmount))
}

func TestStatusChange_PublishFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.init(t)

	core, logs := observer.New(zap.WarnLevel)
	svc := f.serviceWith(f.store, failingPublisher{}, zap.New(core))

	f.gw.SetIntentStatus(e.IntentID(), payments.IntentStatusRequiresCapture)
	synced, err := svc.Sync(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusAuthorized, synced.Status)

	entries := logs.FilterMessage("publish escrow status change failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, e.ID, fields["escrow_id"])
	assert.Equal(t, models.EscrowStatusAuthorized, fields["new_status"])
}
