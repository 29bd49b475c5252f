package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/events"
	"github.com/coop-market/backend/internal/locks"
	"github.com/coop-market/backend/internal/metrics"
	"github.com/coop-market/backend/internal/models"
	"github.com/coop-market/backend/internal/payments"
	"github.com/coop-market/backend/internal/rbac"
	"github.com/coop-market/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EscrowStore persists escrows and their event log.
type EscrowStore interface {
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id string) (*models.Escrow, error)
	FindActiveByRFQ(ctx context.Context, rfqID string) (*models.Escrow, error)
	Update(ctx context.Context, id string, u models.EscrowUpdate) (*models.Escrow, error)
	ListPending(ctx context.Context, before time.Time, limit int) ([]models.Escrow, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	ListUnreferenced(ctx context.Context, createdBefore time.Time, limit int) ([]models.Escrow, error)
	AppendEvent(ctx context.Context, ev models.EscrowEvent) error
	ListEvents(ctx context.Context, escrowID string) ([]models.EscrowEvent, error)
}

// PaymentGateway is the card processor holding escrow funds.
type PaymentGateway interface {
	CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error)
	RetrieveIntent(ctx context.Context, intentID string) (*payments.Intent, error)
	RetrieveSession(ctx context.Context, sessionID string) (*payments.Session, error)
	Capture(ctx context.Context, intentID string) (*payments.Intent, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*payments.WebhookEvent, error)
}

type RFQLookup interface {
	GetByID(ctx context.Context, id string) (*models.RFQ, error)
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID string
	Role   string
}

type InitParams struct {
	RFQID         string
	LotID         *string
	BuyerID       string
	CooperativeID string
	Amount        decimal.Decimal
	Currency      string
}

type InitResult struct {
	Escrow       *models.Escrow
	ClientSecret string
	CheckoutURL  string
}

type ReleaseParams struct {
	InspectorID *string
	Notes       *string
}

// WebhookOutcome describes what a delivered webhook did.
type WebhookOutcome struct {
	EventID  string
	EscrowID string
	Status   string
	Applied  bool
	Ignored  bool
}

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
var currencyRe = regexp.MustCompile(`^[a-z]{3}$`)

type EscrowService struct {
	store     EscrowStore
	gateway   PaymentGateway
	rfqs      RFQLookup
	locker    Locker
	publisher events.Publisher
	metrics   *metrics.EscrowMetrics
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

// NewEscrowService wires the reconciler. rfqs and locker may be nil: without
// an RFQ lookup init trusts the caller's references, without a locker
// release relies on the status guard alone.
func NewEscrowService(
	store EscrowStore,
	gateway PaymentGateway,
	rfqs RFQLookup,
	locker Locker,
	publisher events.Publisher,
	m *metrics.EscrowMetrics,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &EscrowService{
		store:     store,
		gateway:   gateway,
		rfqs:      rfqs,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func (s *EscrowService) Init(ctx context.Context, params InitParams, caller Caller) (*InitResult, error) {
	if !rbac.HasPermission(caller.Role, rbac.PermInitEscrow) {
		return nil, newForbiddenError("role cannot open escrows")
	}
	if err := s.validateInit(&params); err != nil {
		return nil, err
	}
	if caller.UserID != params.BuyerID && !rbac.HasPermission(caller.Role, rbac.PermInitEscrowForAny) {
		return nil, newForbiddenError("escrow can only be opened by its buyer")
	}

	if s.rfqs != nil {
		rfq, err := s.rfqs.GetByID(ctx, params.RFQID)
		if errors.Is(err, repositories.ErrRFQNotFound) {
			return nil, newNotFoundError("rfq not found")
		}
		if err != nil {
			return nil, newPersistenceError("load rfq", err)
		}
		if !rfq.BelongsTo(params.BuyerID, params.CooperativeID) {
			return nil, newNotFoundError("rfq not found for this buyer")
		}
	}

	existing, err := s.store.FindActiveByRFQ(ctx, params.RFQID)
	switch {
	case err == nil:
		return nil, newInvalidStateError("an active escrow already exists for this rfq", existing.Status, "")
	case !errors.Is(err, repositories.ErrEscrowNotFound):
		return nil, newPersistenceError("check existing escrow", err)
	}

	e := &models.Escrow{
		RFQID:           params.RFQID,
		LotID:           params.LotID,
		BuyerID:         params.BuyerID,
		CooperativeID:   params.CooperativeID,
		Amount:          params.Amount,
		Currency:        params.Currency,
		Status:          models.EscrowStatusAwaitingPayment,
		PaymentProvider: models.PaymentProviderStripe,
	}
	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, repositories.ErrActiveEscrowExists) {
			return nil, newInvalidStateError("an active escrow already exists for this rfq", "", "")
		}
		return nil, newPersistenceError("create escrow", err)
	}

	actor := actorRef(caller.UserID)
	hold, err := s.createHold(ctx, e)
	if err != nil {
		s.log.Error("escrow hold failed", zap.String("escrow_id", e.ID), zap.Error(err))
		failed := models.EscrowStatusFailed
		if _, uerr := s.store.Update(ctx, e.ID, models.EscrowUpdate{
			Status:           &failed,
			ExpectedStatuses: []string{models.EscrowStatusAwaitingPayment},
		}); uerr != nil {
			s.log.Error("mark escrow failed", zap.String("escrow_id", e.ID), zap.Error(uerr))
		} else {
			s.statusChanged(ctx, e, models.EscrowStatusAwaitingPayment, failed)
		}
		s.appendEvent(ctx, e.ID, actor, models.EventTypeFailedInit, map[string]any{
			"error":  err.Error(),
			"amount": e.Amount.String(),
		})
		return nil, newGatewayError("payment gateway could not create the hold", err)
	}

	update := models.EscrowUpdate{ExpectedStatuses: []string{models.EscrowStatusAwaitingPayment}}
	if hold.IntentID != "" {
		update.PaymentIntentID = &hold.IntentID
	}
	if hold.ClientReference != "" {
		update.ClientReference = &hold.ClientReference
	}
	updated, err := s.store.Update(ctx, e.ID, update)
	if err != nil {
		s.log.Error("hold created but its reference was not stored, escrow needs operator attention",
			zap.String("escrow_id", e.ID),
			zap.String("intent_id", hold.IntentID),
			zap.String("client_reference", hold.ClientReference),
			zap.Error(err),
		)
		s.appendEvent(ctx, e.ID, actor, models.EventTypeHoldReferenceFailed, map[string]any{
			"intent_id":        hold.IntentID,
			"client_reference": hold.ClientReference,
			"error":            err.Error(),
		})
		return nil, newPersistenceError("hold created, storing its reference failed", err)
	}

	s.appendEvent(ctx, e.ID, actor, models.EventTypeCreated, map[string]any{
		"amount":    e.Amount.String(),
		"currency":  e.Currency,
		"intent_id": hold.IntentID,
		"hold_mode": s.cfg.HoldMode,
	})
	if hold.ClientReference != "" {
		s.appendEvent(ctx, e.ID, actor, models.EventTypeCheckoutSessionCreated, map[string]any{
			"session_id":   hold.ClientReference,
			"checkout_url": hold.CheckoutURL,
		})
	}

	s.log.Info("escrow initialized",
		zap.String("escrow_id", e.ID),
		zap.String("rfq_id", e.RFQID),
		zap.String("intent_id", hold.IntentID),
	)
	return &InitResult{Escrow: updated, ClientSecret: hold.ClientSecret, CheckoutURL: hold.CheckoutURL}, nil
}

func (s *EscrowService) validateInit(p *InitParams) error {
	ids := []struct{ name, value string }{
		{"rfqId", p.RFQID},
		{"buyerId", p.BuyerID},
		{"cooperativeId", p.CooperativeID},
	}
	for _, id := range ids {
		if !identifierRe.MatchString(id.value) {
			return newValidationError("%s must be 1-64 characters of letters, digits, '-' or '_'", id.name)
		}
	}
	if p.LotID != nil {
		if *p.LotID == "" {
			p.LotID = nil
		} else if !identifierRe.MatchString(*p.LotID) {
			return newValidationError("lotId must be 1-64 characters of letters, digits, '-' or '_'")
		}
	}

	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = s.cfg.DefaultCurrency
	}
	if !currencyRe.MatchString(p.Currency) {
		return newValidationError("currency must be a 3-letter code")
	}
	if !p.Amount.IsPositive() {
		return newValidationError("amount must be greater than zero")
	}
	if p.Amount.GreaterThan(models.MaxEscrowAmount) {
		return newValidationError("amount must not exceed %s", models.MaxEscrowAmount.String())
	}
	if _, err := payments.ToMinorUnits(p.Amount, p.Currency); err != nil {
		if errors.Is(err, payments.ErrAmountOutOfRange) {
			return newValidationError("amount is too large for %s", p.Currency)
		}
		return newValidationError("amount has more decimals than %s supports", p.Currency)
	}
	return nil
}

func (s *EscrowService) createHold(ctx context.Context, e *models.Escrow) (*payments.Hold, error) {
	req := payments.HoldRequest{
		EscrowID: e.ID,
		Amount:   e.Amount,
		Currency: e.Currency,
		Metadata: map[string]string{
			"escrow_id":      e.ID,
			"rfq_id":         e.RFQID,
			"buyer_id":       e.BuyerID,
			"cooperative_id": e.CooperativeID,
		},
		Description: fmt.Sprintf("Escrow for RFQ %s", e.RFQID),
	}
	if s.cfg.HoldMode == config.HoldModeCheckout {
		base := fmt.Sprintf("%s/escrow/%s", s.cfg.SiteURL, e.ID)
		req.SuccessURL = base + "?result=success"
		req.CancelURL = base + "?result=cancel"
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	hold, err := s.gateway.CreateHold(gctx, req)
	s.metrics.GatewayCall(metrics.OpCreateHold, err)
	return hold, err
}

// Get returns the escrow when caller is a party to it or holds an elevated role.
func (s *EscrowService) Get(ctx context.Context, id string, caller Caller) (*models.Escrow, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(caller.UserID) && !rbac.IsElevated(caller.Role) {
		return nil, newForbiddenError("not a party to this escrow")
	}
	return e, nil
}

func (s *EscrowService) Events(ctx context.Context, id string, caller Caller) ([]models.EscrowEvent, error) {
	if _, err := s.Get(ctx, id, caller); err != nil {
		return nil, err
	}
	evs, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, newPersistenceError("list escrow events", err)
	}
	return evs, nil
}

// Sync reconciles the escrow with the gateway. It writes and logs a sync
// event only when the derived intent id or status differs from the stored one.
func (s *EscrowService) Sync(ctx context.Context, id string) (*models.Escrow, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(e.Status) {
		return e, nil
	}

	var (
		intentID      = e.IntentID()
		newIntentID   string
		target        string
		gatewayStatus string
	)

	if intentID == "" && e.SessionID() != "" {
		gctx, cancel := s.gatewayContext(ctx)
		session, err := s.gateway.RetrieveSession(gctx, e.SessionID())
		cancel()
		s.metrics.GatewayCall(metrics.OpRetrieveSession, err)
		if err != nil {
			return nil, s.syncGatewayError(e, err)
		}
		gatewayStatus = session.Status
		if session.IntentID != "" {
			newIntentID = session.IntentID
			intentID = session.IntentID
		} else if st, ok := statusFromSession(session); ok {
			target = st
		}
	}

	if intentID != "" {
		gctx, cancel := s.gatewayContext(ctx)
		intent, err := s.gateway.RetrieveIntent(gctx, intentID)
		cancel()
		s.metrics.GatewayCall(metrics.OpRetrieveIntent, err)
		if err != nil {
			return nil, s.syncGatewayError(e, err)
		}
		gatewayStatus = intent.Status
		if st, ok := statusFromIntent(intent); ok {
			target = st
		}
	}

	changeStatus := target != "" && target != e.Status && models.IsValidTransition(e.Status, target)
	if target != "" && target != e.Status && !changeStatus {
		s.log.Warn("sync ignored backward transition",
			zap.String("escrow_id", e.ID),
			zap.String("status", e.Status),
			zap.String("target", target),
		)
	}
	if !changeStatus && newIntentID == "" {
		return e, nil
	}

	update := models.EscrowUpdate{ExpectedStatuses: []string{e.Status}}
	if changeStatus {
		update.Status = &target
	}
	if newIntentID != "" {
		update.PaymentIntentID = &newIntentID
	}
	updated, err := s.store.Update(ctx, e.ID, update)
	if errors.Is(err, repositories.ErrStatusConflict) {
		s.log.Info("sync lost race, returning fresh escrow", zap.String("escrow_id", e.ID))
		return s.load(ctx, e.ID)
	}
	if err != nil {
		return nil, newPersistenceError("store sync result", err)
	}

	s.appendEvent(ctx, e.ID, nil, models.EventTypeSync, map[string]any{
		"before_status":    e.Status,
		"after_status":     updated.Status,
		"before_intent_id": e.IntentID(),
		"after_intent_id":  updated.IntentID(),
		"gateway_status":   gatewayStatus,
	})
	if updated.Status != e.Status {
		s.statusChanged(ctx, updated, e.Status, updated.Status)
	}
	return updated, nil
}

func (s *EscrowService) syncGatewayError(e *models.Escrow, err error) error {
	s.log.Warn("sync gateway call failed", zap.String("escrow_id", e.ID), zap.Error(err))
	ge := newGatewayError("payment gateway status unavailable", err)
	ge.LocalStatus = e.Status
	return ge
}

// SyncPending reconciles non-terminal escrows not written or swept since
// cutoff, least recently swept first. Every examined escrow is stamped so an
// escrow the gateway never moves yields its place in the next batch.
// It returns how many were examined and how many changed.
func (s *EscrowService) SyncPending(ctx context.Context, cutoff time.Time, limit int) (int, int, error) {
	pending, err := s.store.ListPending(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending escrows: %w", err)
	}

	changed := 0
	for i, e := range pending {
		if ctx.Err() != nil {
			return i, changed, ctx.Err()
		}
		updated, err := s.Sync(ctx, e.ID)
		s.metrics.SyncRun(err)
		if merr := s.store.MarkSynced(ctx, e.ID, s.now().UTC()); merr != nil {
			s.log.Warn("mark escrow swept failed", zap.String("escrow_id", e.ID), zap.Error(merr))
		}
		if err != nil {
			s.log.Warn("pending escrow sync failed", zap.String("escrow_id", e.ID), zap.Error(err))
			continue
		}
		if updated.Status != e.Status || updated.IntentID() != e.IntentID() {
			changed++
		}
	}
	return len(pending), changed, nil
}

// Unreferenced lists escrows still awaiting payment whose gateway hold
// reference was never stored. Sync cannot reach the gateway for them, and
// they block a new escrow for their RFQ until an operator cancels them.
func (s *EscrowService) Unreferenced(ctx context.Context, createdBefore time.Time, limit int) ([]models.Escrow, error) {
	escrows, err := s.store.ListUnreferenced(ctx, createdBefore, limit)
	if err != nil {
		return nil, newPersistenceError("list unreferenced escrows", err)
	}
	return escrows, nil
}

// Cancel is the buyer walking away from the checkout before paying. Only an
// escrow still awaiting payment is cancelled; any other status is returned as is.
func (s *EscrowService) Cancel(ctx context.Context, id string, caller Caller) (*models.Escrow, error) {
	if !rbac.HasPermission(caller.Role, rbac.PermCancelEscrow) {
		return nil, newForbiddenError("role cannot cancel escrows")
	}
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.UserID != e.BuyerID && !rbac.IsElevated(caller.Role) {
		return nil, newForbiddenError("only the buyer can cancel this escrow")
	}
	if e.Status != models.EscrowStatusAwaitingPayment {
		return e, nil
	}

	cancelled := models.EscrowStatusCancelled
	updated, err := s.store.Update(ctx, e.ID, models.EscrowUpdate{
		Status:           &cancelled,
		ExpectedStatuses: []string{models.EscrowStatusAwaitingPayment},
	})
	if errors.Is(err, repositories.ErrStatusConflict) {
		return s.load(ctx, e.ID)
	}
	if err != nil {
		return nil, newPersistenceError("cancel escrow", err)
	}

	s.appendEvent(ctx, e.ID, actorRef(caller.UserID), models.EventTypeBuyerCancelled, map[string]any{
		"before_status": e.Status,
		"intent_id":     e.IntentID(),
	})
	s.statusChanged(ctx, updated, e.Status, cancelled)
	return updated, nil
}

// Release captures the held funds. The capture is only attempted when the
// escrow is authorized locally or the gateway reports the intent capturable.
func (s *EscrowService) Release(ctx context.Context, id string, caller Caller, params ReleaseParams) (*models.Escrow, error) {
	if !rbac.HasPermission(caller.Role, rbac.PermReleaseEscrow) {
		return nil, newForbiddenError("release requires an admin or inspector role")
	}

	if s.locker != nil {
		key := locks.EscrowReleaseKey(id)
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.ReleaseLockTTL)
		switch {
		case err != nil:
			s.log.Warn("release lock unavailable, relying on status guard", zap.String("escrow_id", id), zap.Error(err))
		case !ok:
			return nil, newInvalidStateError("a release for this escrow is already in progress", "", "")
		default:
			defer func() {
				if err := s.locker.Release(context.Background(), key, token); err != nil {
					s.log.Warn("release lock not freed", zap.String("escrow_id", id), zap.Error(err))
				}
			}()
		}
	}

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(e.Status) {
		return nil, newInvalidStateError(fmt.Sprintf("escrow is already %s", e.Status), e.Status, "")
	}
	intentID := e.IntentID()
	if intentID == "" {
		return nil, newInvalidStateError("escrow has no payment intent", e.Status, "")
	}

	gatewayStatus := ""
	if e.Status != models.EscrowStatusAuthorized {
		gctx, cancel := s.gatewayContext(ctx)
		intent, err := s.gateway.RetrieveIntent(gctx, intentID)
		cancel()
		s.metrics.GatewayCall(metrics.OpRetrieveIntent, err)
		if err != nil {
			ge := newGatewayError("could not confirm the hold with the payment gateway", err)
			ge.LocalStatus = e.Status
			return nil, ge
		}
		gatewayStatus = intent.Status
		if gatewayStatus != payments.IntentStatusRequiresCapture {
			return nil, newInvalidStateError("escrow is not authorized for release", e.Status, gatewayStatus)
		}
	}

	actor := actorRef(caller.UserID)
	gctx, cancel := s.gatewayContext(ctx)
	captured, err := s.gateway.Capture(gctx, intentID)
	cancel()
	s.metrics.GatewayCall(metrics.OpCapture, err)
	if err != nil {
		s.log.Error("escrow capture failed", zap.String("escrow_id", e.ID), zap.String("intent_id", intentID), zap.Error(err))
		s.appendEvent(ctx, e.ID, actor, models.EventTypeReleaseFailed, map[string]any{
			"intent_id":      intentID,
			"local_status":   e.Status,
			"gateway_status": gatewayStatus,
			"error":          err.Error(),
		})
		ge := newGatewayError("payment gateway capture failed", err)
		ge.LocalStatus = e.Status
		ge.GatewayStatus = gatewayStatus
		return nil, ge
	}

	releasedAt := s.now().UTC()
	released := models.EscrowStatusReleased
	updated, err := s.store.Update(ctx, e.ID, models.EscrowUpdate{
		Status:           &released,
		ReleasedAt:       &releasedAt,
		ExpectedStatuses: models.ActiveEscrowStatuses,
	})
	if err != nil {
		s.log.Error("funds captured but escrow update failed",
			zap.String("escrow_id", e.ID),
			zap.String("intent_id", intentID),
			zap.Error(err),
		)
		s.appendEvent(ctx, e.ID, actor, models.EventTypeReleasedDBUpdateFailed, map[string]any{
			"intent_id":      intentID,
			"captured_at":    releasedAt.Format(time.RFC3339),
			"gateway_status": captured.Status,
			"error":          err.Error(),
		})
		pe := newPersistenceError("funds captured, local bookkeeping failed; reconcile manually", err)
		pe.LocalStatus = e.Status
		pe.GatewayStatus = captured.Status
		return nil, pe
	}

	payload := map[string]any{
		"released_at": releasedAt.Format(time.RFC3339),
		"intent_id":   intentID,
		"amount":      e.Amount.String(),
		"currency":    e.Currency,
	}
	if params.InspectorID != nil {
		payload["inspector_id"] = *params.InspectorID
	}
	if params.Notes != nil {
		payload["notes"] = *params.Notes
	}
	s.appendEvent(ctx, e.ID, actor, models.EventTypeReleased, payload)
	s.statusChanged(ctx, updated, e.Status, released)

	s.log.Info("escrow released",
		zap.String("escrow_id", e.ID),
		zap.String("intent_id", intentID),
		zap.String("actor_id", caller.UserID),
	)
	return updated, nil
}

// HandleWebhook verifies and applies one gateway notification. Every
// payment intent event for a known escrow is logged; the status is only
// written when the mapped transition is legal from the current status.
func (s *EscrowService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookOutcome, error) {
	ev, err := s.gateway.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidPayload) {
			s.metrics.Webhook(metrics.WebhookError)
			return nil, &EscrowError{Code: CodeValidation, Message: "malformed webhook payload", Err: err}
		}
		s.metrics.Webhook(metrics.WebhookInvalidSignature)
		return nil, &EscrowError{Code: CodeInvalidSignature, Message: "webhook signature verification failed", Err: err}
	}

	out := &WebhookOutcome{EventID: ev.ID}
	escrowID := ev.EscrowID()
	if !strings.HasPrefix(ev.Type, payments.EventNamespacePaymentIntent) || ev.Intent == nil || escrowID == "" {
		out.Ignored = true
		s.metrics.Webhook(metrics.WebhookIgnored)
		return out, nil
	}
	out.EscrowID = escrowID

	e, err := s.store.GetByID(ctx, escrowID)
	if errors.Is(err, repositories.ErrEscrowNotFound) {
		s.log.Warn("webhook for unknown escrow", zap.String("escrow_id", escrowID), zap.String("event_id", ev.ID))
		out.Ignored = true
		s.metrics.Webhook(metrics.WebhookUnknownEscrow)
		return out, nil
	}
	if err != nil {
		s.metrics.Webhook(metrics.WebhookError)
		return nil, newPersistenceError("load escrow for webhook", err)
	}

	target, mapped := statusFromWebhook(ev.Type)
	from := e.Status
	var writeErr error

	// One retry covers a concurrent writer moving the status between read and write.
	for attempt := 0; attempt < 2; attempt++ {
		// A conflict is only an error if the re-read still needs a write.
		writeErr = nil
		changeStatus := mapped && target != e.Status && models.IsValidTransition(e.Status, target)
		fillIntent := e.PaymentIntentID == nil && ev.Intent.ID != ""
		if !changeStatus && !fillIntent {
			break
		}
		update := models.EscrowUpdate{ExpectedStatuses: []string{e.Status}}
		if changeStatus {
			update.Status = &target
		}
		if fillIntent {
			update.PaymentIntentID = &ev.Intent.ID
		}

		updated, err := s.store.Update(ctx, e.ID, update)
		if err == nil {
			out.Applied = updated.Status != e.Status
			from = e.Status
			e = updated
			break
		}
		writeErr = err
		if !errors.Is(err, repositories.ErrStatusConflict) {
			break
		}
		fresh, gerr := s.store.GetByID(ctx, e.ID)
		if gerr != nil {
			writeErr = gerr
			break
		}
		e = fresh
		from = fresh.Status
	}

	eventPayload := map[string]any{
		"event_id":      ev.ID,
		"intent_id":     ev.Intent.ID,
		"intent_status": ev.Intent.Status,
		"from":          from,
		"to":            e.Status,
		"applied":       out.Applied,
	}
	if mapped {
		eventPayload["mapped_status"] = target
	}
	if writeErr != nil {
		eventPayload["error"] = writeErr.Error()
	}
	s.appendEvent(ctx, e.ID, nil, models.EventTypeWebhookPrefix+ev.Type, eventPayload)

	if writeErr != nil {
		s.metrics.Webhook(metrics.WebhookError)
		return nil, newPersistenceError("apply webhook", writeErr)
	}

	out.Status = e.Status
	if out.Applied {
		s.statusChanged(ctx, e, from, e.Status)
		s.metrics.Webhook(metrics.WebhookApplied)
	} else {
		s.metrics.Webhook(metrics.WebhookLogged)
	}
	s.log.Info("webhook processed",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("escrow_id", e.ID),
		zap.String("status", e.Status),
		zap.Bool("applied", out.Applied),
	)
	return out, nil
}

func (s *EscrowService) load(ctx context.Context, id string) (*models.Escrow, error) {
	if !identifierRe.MatchString(id) {
		return nil, newValidationError("invalid escrow id")
	}
	e, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrEscrowNotFound) {
		return nil, newNotFoundError("escrow not found")
	}
	if err != nil {
		return nil, newPersistenceError("load escrow", err)
	}
	return e, nil
}

func (s *EscrowService) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.GatewayTimeout)
}

// appendEvent never fails the caller; a lost audit row is logged loudly.
func (s *EscrowService) appendEvent(ctx context.Context, escrowID string, actorID *string, eventType string, payload map[string]any) {
	err := s.store.AppendEvent(ctx, models.EscrowEvent{
		EscrowID:  escrowID,
		ActorID:   actorID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error("append escrow event failed",
			zap.String("escrow_id", escrowID),
			zap.String("type", eventType),
			zap.Any("payload", payload),
			zap.Error(err),
		)
	}
}

func (s *EscrowService) statusChanged(ctx context.Context, e *models.Escrow, from, to string) {
	s.metrics.Transition(from, to)
	eventType := events.EventEscrowStatusChanged
	if to == models.EscrowStatusReleased {
		eventType = events.EventEscrowReleased
	}
	err := s.publisher.Publish(ctx, events.ChannelEscrow, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"escrow_id":      e.ID,
			"rfq_id":         e.RFQID,
			"buyer_id":       e.BuyerID,
			"cooperative_id": e.CooperativeID,
			"old_status":     from,
			"new_status":     to,
		},
	})
	if err != nil {
		s.log.Warn("publish escrow status change failed",
			zap.String("escrow_id", e.ID),
			zap.String("old_status", from),
			zap.String("new_status", to),
			zap.Error(err),
		)
	}
}

func actorRef(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}
