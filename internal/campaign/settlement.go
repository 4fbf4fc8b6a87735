package campaign

import (
	"context"
	"fmt"
	"time"

	"crowdfund-service/internal/ledger"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the campaign persistence surface. *store.Store satisfies it.
type Store interface {
	ListExpiredFunding(ctx context.Context, now time.Time) ([]models.Campaign, error)
	ListUnsettled(ctx context.Context) ([]models.Campaign, error)
	ClaimForSettlement(ctx context.Context, campaignID int64, now time.Time) (*models.Campaign, error)
	AdvanceCampaignStatus(ctx context.Context, campaignID int64, from, to string) (bool, error)
	ListBackerIDs(ctx context.Context, campaignID int64) ([]int64, error)
}

// Bulk settles a campaign's pledges. *ledger.Ledger satisfies it.
type Bulk interface {
	CaptureAllForCampaign(ctx context.Context, campaignID int64) (ledger.SettlementSummary, error)
	CancelAllForCampaign(ctx context.Context, campaignID int64) (ledger.SettlementSummary, error)
}

// Publisher emits the one funded/failed notification per settled campaign.
// Delivery failure is logged, never propagated.
type Publisher interface {
	PublishCampaignFunded(ctx context.Context, event *models.CampaignFundedEvent) error
	PublishCampaignFailed(ctx context.Context, event *models.CampaignFailedEvent) error
}

// Settler owns the campaign state machine:
// FUNDING -> SETTLING -> SUCCESSFUL -> IN_PRODUCTION, FUNDING -> SETTLING -> FAILED.
// The FUNDING -> SETTLING flip is a per-campaign claim, so overlapping sweep
// runs cannot both decide the same campaign.
type Settler struct {
	store     Store
	bulk      Bulk
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSettler creates a campaign settler. publisher may be nil in tests.
func NewSettler(store Store, bulk Bulk, publisher Publisher) *Settler {
	return &Settler{
		store:     store,
		bulk:      bulk,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SettleExpired is one sweep pass: resume campaigns earlier passes left
// half-settled, then claim and settle every newly expired FUNDING campaign.
// Leftovers go first so a campaign settled in this pass is not immediately
// retried by it. Per-campaign failures are logged and do not abort the pass.
func (s *Settler) SettleExpired(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Settler.SettleExpired")
	defer span.End()

	unsettled, err := s.store.ListUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsettled campaigns: %w", err)
	}

	for _, campaign := range unsettled {
		if err := s.resume(ctx, campaign); err != nil {
			s.logger.Error("Failed to resume settlement",
				zap.Int64("campaign_id", campaign.ID),
				zap.Error(err))
		}
	}

	now := s.now()

	expired, err := s.store.ListExpiredFunding(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired campaigns: %w", err)
	}

	for _, campaign := range expired {
		if err := s.settleOne(ctx, campaign.ID, now); err != nil {
			s.logger.Error("Failed to settle campaign",
				zap.Int64("campaign_id", campaign.ID),
				zap.Error(err))
		}
	}

	return nil
}

// settleOne claims a campaign and drives it to an outcome. The claim is a
// conditional FUNDING -> SETTLING update; losing it means another run owns
// the campaign and this one walks away.
func (s *Settler) settleOne(ctx context.Context, campaignID int64, now time.Time) error {
	claimed, err := s.store.ClaimForSettlement(ctx, campaignID, now)
	if err != nil {
		return fmt.Errorf("failed to claim campaign: %w", err)
	}
	if claimed == nil {
		s.logger.Debug("Campaign already claimed", zap.Int64("campaign_id", campaignID))
		return nil
	}

	// The success decision is a snapshot of the counter at claim time.
	// Pledges failed by webhooks after this point are skipped naturally,
	// because bulk settlement only touches still-AUTHORIZED pledges.
	if claimed.CurrentFunding >= claimed.FundingGoal {
		return s.settleSuccess(ctx, claimed)
	}
	return s.settleFailure(ctx, claimed)
}

func (s *Settler) settleSuccess(ctx context.Context, campaign *models.Campaign) error {
	advanced, err := s.store.AdvanceCampaignStatus(ctx, campaign.ID,
		models.CampaignStatusSettling, models.CampaignStatusSuccessful)
	if err != nil {
		return fmt.Errorf("failed to mark campaign successful: %w", err)
	}
	if !advanced {
		return nil
	}

	util.CampaignsSettledTotal.WithLabelValues("funded").Inc()
	s.logger.Info("Campaign funded",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int64("funding", campaign.CurrentFunding),
		zap.Int64("goal", campaign.FundingGoal))

	return s.finishCapture(ctx, campaign)
}

// finishCapture runs the bulk capture and, once nothing is left to retry,
// moves the campaign to IN_PRODUCTION. The two status writes bracket the
// capture so observers can tell "decided, capturing" from "done". The funded
// notification rides the guarded IN_PRODUCTION advance: backers hear about
// the outcome exactly once, and only after every capture has landed.
func (s *Settler) finishCapture(ctx context.Context, campaign *models.Campaign) error {
	summary, err := s.bulk.CaptureAllForCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("bulk capture failed: %w", err)
	}

	s.logger.Info("Capture pass finished",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("resolved", summary.Resolved))

	if summary.Remaining() {
		// Transient gateway failures: the pledges stayed AUTHORIZED and the
		// next sweep pass retries just those.
		return nil
	}

	advanced, err := s.store.AdvanceCampaignStatus(ctx, campaign.ID,
		models.CampaignStatusSuccessful, models.CampaignStatusInProduction)
	if err != nil {
		return fmt.Errorf("failed to mark campaign in production: %w", err)
	}
	if advanced {
		s.notifyFunded(ctx, campaign)
	}
	return nil
}

func (s *Settler) settleFailure(ctx context.Context, campaign *models.Campaign) error {
	advanced, err := s.store.AdvanceCampaignStatus(ctx, campaign.ID,
		models.CampaignStatusSettling, models.CampaignStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark campaign failed: %w", err)
	}
	if !advanced {
		return nil
	}

	util.CampaignsSettledTotal.WithLabelValues("failed").Inc()
	s.logger.Info("Campaign failed to fund",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int64("funding", campaign.CurrentFunding),
		zap.Int64("goal", campaign.FundingGoal))

	return s.releasePledges(ctx, campaign)
}

// releasePledges cancels the remaining authorizations of a FAILED campaign
// and announces the outcome once every pledge is released. A pass that leaves
// cancels pending says nothing; the pass that finishes them notifies, so
// backers are never told their pledge was released while holds remain.
func (s *Settler) releasePledges(ctx context.Context, campaign *models.Campaign) error {
	summary, err := s.bulk.CancelAllForCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("bulk cancel failed: %w", err)
	}

	s.logger.Info("Cancel pass finished",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))

	if summary.Remaining() {
		s.logger.Warn("Cancellations still pending",
			zap.Int64("campaign_id", campaign.ID),
			zap.Int("failed", summary.Failed))
		return nil
	}

	s.notifyFailed(ctx, campaign)
	return nil
}

// resume picks up a campaign an earlier pass left half-settled. The bulk work
// is safe to repeat because it only touches pledges still AUTHORIZED; a
// SETTLING campaign that was claimed and then lost its pass is re-decided
// here, even when it has no pledges left at all.
func (s *Settler) resume(ctx context.Context, campaign models.Campaign) error {
	util.SettlementRetriesTotal.Inc()

	switch campaign.Status {
	case models.CampaignStatusSettling:
		// Claimed but crashed before the outcome write; decide now from the
		// current counter.
		if campaign.CurrentFunding >= campaign.FundingGoal {
			return s.settleSuccess(ctx, &campaign)
		}
		return s.settleFailure(ctx, &campaign)

	case models.CampaignStatusSuccessful:
		return s.finishCapture(ctx, &campaign)

	case models.CampaignStatusFailed:
		return s.releasePledges(ctx, &campaign)

	default:
		return nil
	}
}

// MoveToMarketplace transitions a produced campaign into marketplace sale.
// Returns false when the campaign is not IN_PRODUCTION.
func (s *Settler) MoveToMarketplace(ctx context.Context, campaignID int64) (bool, error) {
	return s.store.AdvanceCampaignStatus(ctx, campaignID,
		models.CampaignStatusInProduction, models.CampaignStatusMarketplace)
}

func (s *Settler) notifyFunded(ctx context.Context, campaign *models.Campaign) {
	if s.publisher == nil {
		return
	}
	backers, err := s.store.ListBackerIDs(ctx, campaign.ID)
	if err != nil {
		s.logger.Error("Failed to list backers for notification",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}

	event := &models.CampaignFundedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCampaignFunded,
			Timestamp: s.now(),
		},
		CampaignID:   campaign.ID,
		CreatorID:    campaign.CreatorID,
		FundingGoal:  campaign.FundingGoal,
		FinalFunding: campaign.CurrentFunding,
		BackerIDs:    backers,
	}

	if err := s.publisher.PublishCampaignFunded(ctx, event); err != nil {
		s.logger.Error("Failed to publish CampaignFunded event",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}
}

func (s *Settler) notifyFailed(ctx context.Context, campaign *models.Campaign) {
	if s.publisher == nil {
		return
	}
	backers, err := s.store.ListBackerIDs(ctx, campaign.ID)
	if err != nil {
		s.logger.Error("Failed to list backers for notification",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}

	event := &models.CampaignFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCampaignFailed,
			Timestamp: s.now(),
		},
		CampaignID:   campaign.ID,
		CreatorID:    campaign.CreatorID,
		FundingGoal:  campaign.FundingGoal,
		FinalFunding: campaign.CurrentFunding,
		BackerIDs:    backers,
	}

	if err := s.publisher.PublishCampaignFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish CampaignFailed event",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}
}
