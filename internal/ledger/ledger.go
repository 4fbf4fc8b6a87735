package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crowdfund-service/internal/gateway"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/store"
	"crowdfund-service/internal/util"

	"go.uber.org/zap"
)

// Validation errors returned by CreatePledge
var (
	ErrInvalidQuantity       = errors.New("pledge quantity must be positive")
	ErrAuthorizationRequired = errors.New("pledge requires a prior gateway authorization")
	ErrCampaignNotFunding    = store.ErrCampaignNotFunding
	ErrDeadlinePassed        = store.ErrDeadlinePassed
	ErrDuplicatePaymentRef   = store.ErrDuplicatePaymentRef
	ErrPledgeNotFound        = store.ErrPledgeNotFound
)

// settleConcurrency bounds the gateway fan-out during bulk settlement
const settleConcurrency = 8

// Store is the persistence surface the ledger drives. *store.Store satisfies it.
type Store interface {
	CreatePledge(ctx context.Context, pledge *models.Pledge) error
	GetPledgeByID(ctx context.Context, id int64) (*models.Pledge, error)
	GetPledgeByProviderRef(ctx context.Context, ref string) (*models.Pledge, error)
	TransitionPledge(ctx context.Context, pledgeID, campaignID int64, from, to string, fundingDelta int64) (bool, error)
	ListAuthorizedPledges(ctx context.Context, campaignID int64) ([]models.Pledge, error)
}

// FundingCache mirrors the campaign counter for fast reads. Best effort:
// cache errors are logged, never propagated, because Postgres owns the counter.
type FundingCache interface {
	AdjustFunding(ctx context.Context, campaignID, delta int64) error
}

// Ledger is the only component that mutates pledge status or the campaign
// funding counter. Every transition is idempotent: replays and races resolve
// to no-ops, not errors.
type Ledger struct {
	store   Store
	gateway gateway.PaymentGateway
	cache   FundingCache
	logger  *zap.Logger
}

// NewLedger creates a pledge ledger. cache may be nil.
func NewLedger(store Store, gw gateway.PaymentGateway, cache FundingCache) *Ledger {
	return &Ledger{
		store:   store,
		gateway: gw,
		cache:   cache,
		logger:  util.GetLogger(),
	}
}

// CreatePledgeRequest carries a checkout's pledge against a campaign.
// The payment must already be authorized at the gateway; ProviderPaymentRef
// is the proof.
type CreatePledgeRequest struct {
	CampaignID         int64  `json:"campaign_id" binding:"required"`
	BackerID           int64  `json:"backer_id" binding:"required"`
	Quantity           int64  `json:"quantity" binding:"required,min=1"`
	UnitPrice          int64  `json:"unit_price" binding:"required,min=0"`
	ProviderPaymentRef string `json:"provider_payment_ref" binding:"required"`
}

// CreatePledge inserts an AUTHORIZED pledge and bumps the campaign counter.
// Both writes commit together; the counter update carries the FUNDING +
// deadline guard so an expired or settled campaign rejects the pledge.
func (l *Ledger) CreatePledge(ctx context.Context, req *CreatePledgeRequest) (*models.Pledge, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.CreatePledge")
	defer span.End()

	if req.Quantity <= 0 {
		util.PledgesRejectedTotal.WithLabelValues("invalid_quantity").Inc()
		return nil, ErrInvalidQuantity
	}
	if req.ProviderPaymentRef == "" {
		util.PledgesRejectedTotal.WithLabelValues("no_authorization").Inc()
		return nil, ErrAuthorizationRequired
	}

	pledge := &models.Pledge{
		CampaignID:         req.CampaignID,
		BackerID:           req.BackerID,
		Quantity:           req.Quantity,
		UnitPrice:          req.UnitPrice,
		TotalAmount:        req.Quantity * req.UnitPrice,
		ProviderPaymentRef: req.ProviderPaymentRef,
	}

	if err := l.store.CreatePledge(ctx, pledge); err != nil {
		switch {
		case errors.Is(err, ErrCampaignNotFunding):
			util.PledgesRejectedTotal.WithLabelValues("campaign_not_funding").Inc()
		case errors.Is(err, ErrDeadlinePassed):
			util.PledgesRejectedTotal.WithLabelValues("deadline_passed").Inc()
		case errors.Is(err, ErrDuplicatePaymentRef):
			util.PledgesRejectedTotal.WithLabelValues("duplicate_payment_ref").Inc()
		default:
			util.PledgesRejectedTotal.WithLabelValues("db_error").Inc()
		}
		return nil, err
	}

	util.PledgesCreatedTotal.Inc()
	l.adjustCache(ctx, pledge.CampaignID, pledge.Quantity)

	l.logger.Info("Pledge created",
		zap.Int64("pledge_id", pledge.ID),
		zap.Int64("campaign_id", pledge.CampaignID),
		zap.Int64("quantity", pledge.Quantity))

	return pledge, nil
}

// transitionDelta returns the funding counter delta for a legal transition,
// or ok=false when the pledge state machine does not admit it.
// AUTHORIZED -> {CAPTURED, CANCELLED, FAILED}; CAPTURED -> REFUNDED.
func transitionDelta(from, to string, quantity int64) (delta int64, ok bool) {
	switch from {
	case models.PledgeStatusAuthorized:
		switch to {
		case models.PledgeStatusCaptured:
			return 0, true
		case models.PledgeStatusCancelled, models.PledgeStatusFailed:
			return -quantity, true
		}
	case models.PledgeStatusCaptured:
		if to == models.PledgeStatusRefunded {
			return -quantity, true
		}
	}
	return 0, false
}

// TransitionPledge drives a pledge toward target. Returns applied=false with
// a nil error when the transition was a no-op: already in target, already
// terminal, or not admitted by the state machine. Duplicate deliveries and
// sweep/webhook races all land here.
func (l *Ledger) TransitionPledge(ctx context.Context, pledgeID int64, target string) (bool, error) {
	pledge, err := l.store.GetPledgeByID(ctx, pledgeID)
	if err != nil {
		return false, err
	}
	return l.transition(ctx, pledge, target)
}

// TransitionPledgeByRef is TransitionPledge keyed by the provider's payment
// reference, the identity webhooks carry.
func (l *Ledger) TransitionPledgeByRef(ctx context.Context, paymentRef, target string) (*models.Pledge, bool, error) {
	pledge, err := l.store.GetPledgeByProviderRef(ctx, paymentRef)
	if err != nil {
		return nil, false, err
	}
	applied, err := l.transition(ctx, pledge, target)
	return pledge, applied, err
}

func (l *Ledger) transition(ctx context.Context, pledge *models.Pledge, target string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.TransitionPledge")
	defer span.End()

	if pledge.Status == target || models.PledgeTerminal(pledge.Status) {
		util.PledgeTransitionNoops.Inc()
		return false, nil
	}

	delta, ok := transitionDelta(pledge.Status, target, pledge.Quantity)
	if !ok {
		l.logger.Warn("Ignoring inadmissible pledge transition",
			zap.Int64("pledge_id", pledge.ID),
			zap.String("from", pledge.Status),
			zap.String("to", target))
		util.PledgeTransitionNoops.Inc()
		return false, nil
	}

	applied, err := l.store.TransitionPledge(ctx, pledge.ID, pledge.CampaignID, pledge.Status, target, delta)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the race: a concurrent writer moved the pledge first.
		util.PledgeTransitionNoops.Inc()
		return false, nil
	}

	util.PledgeTransitionsTotal.WithLabelValues(target).Inc()
	if delta != 0 {
		l.adjustCache(ctx, pledge.CampaignID, delta)
	}

	l.logger.Info("Pledge transitioned",
		zap.Int64("pledge_id", pledge.ID),
		zap.String("from", pledge.Status),
		zap.String("to", target))

	return true, nil
}

// SettlementSummary aggregates a bulk capture/cancel pass. Failed pledges
// stay AUTHORIZED and are retried by a later pass; Resolved counts pledges
// the provider declined authoritatively (terminal, never retried).
type SettlementSummary struct {
	Succeeded int
	Failed    int
	Resolved  int
}

// Remaining reports whether any pledge still needs a gateway call
func (s SettlementSummary) Remaining() bool {
	return s.Failed > 0
}

// CaptureAllForCampaign captures every still-AUTHORIZED pledge of a campaign.
// Each pledge is settled independently; one gateway failure never aborts the
// rest. Re-entrant: a second call only touches pledges the first one missed.
func (l *Ledger) CaptureAllForCampaign(ctx context.Context, campaignID int64) (SettlementSummary, error) {
	return l.settleAll(ctx, campaignID, l.capturePledge)
}

// CancelAllForCampaign releases every still-AUTHORIZED pledge of a campaign.
func (l *Ledger) CancelAllForCampaign(ctx context.Context, campaignID int64) (SettlementSummary, error) {
	return l.settleAll(ctx, campaignID, l.cancelPledge)
}

type settleOutcome int

const (
	settleSucceeded settleOutcome = iota
	settleFailed
	settleResolved
)

func (l *Ledger) settleAll(ctx context.Context, campaignID int64, settle func(context.Context, models.Pledge) settleOutcome) (SettlementSummary, error) {
	pledges, err := l.store.ListAuthorizedPledges(ctx, campaignID)
	if err != nil {
		return SettlementSummary{}, fmt.Errorf("failed to list authorized pledges: %w", err)
	}

	var (
		summary SettlementSummary
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, settleConcurrency)
	)

	for _, pledge := range pledges {
		pledge := pledge
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := settle(ctx, pledge)

			mu.Lock()
			switch outcome {
			case settleSucceeded:
				summary.Succeeded++
			case settleFailed:
				summary.Failed++
			case settleResolved:
				summary.Resolved++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return summary, nil
}

// capturePledge converts one authorization into a charge. A transient
// gateway error leaves the pledge AUTHORIZED for the next pass; an
// authoritative decline fails it terminally.
func (l *Ledger) capturePledge(ctx context.Context, pledge models.Pledge) settleOutcome {
	err := l.gateway.Capture(ctx, pledge.ProviderPaymentRef)
	if errors.Is(err, gateway.ErrDeclined) {
		l.logger.Warn("Capture declined by provider",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		if _, terr := l.transition(ctx, &pledge, models.PledgeStatusFailed); terr != nil {
			l.logger.Error("Failed to record declined capture", zap.Int64("pledge_id", pledge.ID), zap.Error(terr))
			return settleFailed
		}
		return settleResolved
	}
	if err != nil {
		l.logger.Warn("Capture failed, leaving pledge authorized for retry",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		return settleFailed
	}

	if _, err := l.transition(ctx, &pledge, models.PledgeStatusCaptured); err != nil {
		// Charge went through but the record did not; the provider's
		// capture-confirmed webhook reconciles it.
		l.logger.Error("Captured at gateway but failed to record",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		return settleFailed
	}
	return settleSucceeded
}

// cancelPledge releases one authorization
func (l *Ledger) cancelPledge(ctx context.Context, pledge models.Pledge) settleOutcome {
	err := l.gateway.Cancel(ctx, pledge.ProviderPaymentRef)
	if errors.Is(err, gateway.ErrDeclined) {
		// Provider refuses to cancel, typically because the authorization
		// already lapsed or was captured out of band. The webhook stream
		// carries the authoritative state; leave the pledge for it.
		l.logger.Warn("Cancel declined by provider",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		return settleFailed
	}
	if err != nil {
		l.logger.Warn("Cancel failed, leaving pledge authorized for retry",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		return settleFailed
	}

	if _, err := l.transition(ctx, &pledge, models.PledgeStatusCancelled); err != nil {
		l.logger.Error("Cancelled at gateway but failed to record",
			zap.Int64("pledge_id", pledge.ID),
			zap.Error(err))
		return settleFailed
	}
	return settleSucceeded
}

// RefundPledge refunds a captured pledge at the gateway and records it
func (l *Ledger) RefundPledge(ctx context.Context, pledgeID int64) (bool, error) {
	pledge, err := l.store.GetPledgeByID(ctx, pledgeID)
	if err != nil {
		return false, err
	}
	if pledge.Status != models.PledgeStatusCaptured {
		return false, nil
	}
	if err := l.gateway.Refund(ctx, pledge.ProviderPaymentRef); err != nil {
		return false, fmt.Errorf("gateway refund failed: %w", err)
	}
	return l.transition(ctx, pledge, models.PledgeStatusRefunded)
}

func (l *Ledger) adjustCache(ctx context.Context, campaignID, delta int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.AdjustFunding(ctx, campaignID, delta); err != nil {
		l.logger.Warn("Failed to adjust funding cache",
			zap.Int64("campaign_id", campaignID),
			zap.Error(err))
	}
}
