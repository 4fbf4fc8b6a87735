package audit

import (
	"context"
	"fmt"

	"crowdfund-service/internal/store"
	"crowdfund-service/internal/util"

	"go.uber.org/zap"
)

// Store is the audit's read surface. *store.Store satisfies it.
type Store interface {
	FindFundingDrift(ctx context.Context) ([]store.FundingDrift, error)
}

// Auditor recomputes each campaign's pledge sum and compares it with the
// funding counter. Drift is reported, never patched: a silent correction
// could mask a double-capture bug.
type Auditor struct {
	store  Store
	logger *zap.Logger
}

// NewAuditor creates a funding counter auditor
func NewAuditor(store Store) *Auditor {
	return &Auditor{store: store, logger: util.GetLogger()}
}

// Run performs one audit pass and returns the campaigns found drifting
func (a *Auditor) Run(ctx context.Context) ([]store.FundingDrift, error) {
	ctx, span := util.StartSpan(ctx, "Auditor.Run")
	defer span.End()

	drift, err := a.store.FindFundingDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("drift query failed: %w", err)
	}

	util.FundingDriftDetected.Set(float64(len(drift)))

	for _, d := range drift {
		a.logger.Error("Funding counter drift detected",
			zap.Int64("campaign_id", d.CampaignID),
			zap.Int64("current_funding", d.CurrentFunding),
			zap.Int64("pledge_sum", d.PledgeSum))
	}

	return drift, nil
}
