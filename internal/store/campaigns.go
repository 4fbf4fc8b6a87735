package store

import (
	"context"
	"database/sql"
	"time"

	"crowdfund-service/internal/models"
)

// CreateCampaign creates a new campaign in FUNDING status
func (s *Store) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (creator_id, title, funding_goal, current_funding, deadline, status)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING id, current_funding, created_at, updated_at`

	return s.db.GetContext(ctx, campaign, query,
		campaign.CreatorID, campaign.Title, campaign.FundingGoal, campaign.Deadline,
		models.CampaignStatusFunding)
}

// GetCampaignByID retrieves a campaign by ID
func (s *Store) GetCampaignByID(ctx context.Context, id int64) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.GetContext(ctx, &campaign, "SELECT * FROM campaigns WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// ListCampaignsByStatus retrieves campaigns in a given status
func (s *Store) ListCampaignsByStatus(ctx context.Context, status string) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := s.db.SelectContext(ctx, &campaigns,
		"SELECT * FROM campaigns WHERE status = $1 ORDER BY deadline", status)
	return campaigns, err
}

// ListExpiredFunding retrieves campaigns still FUNDING whose deadline has passed
func (s *Store) ListExpiredFunding(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := s.db.SelectContext(ctx, &campaigns,
		"SELECT * FROM campaigns WHERE status = $1 AND deadline < $2 ORDER BY deadline",
		models.CampaignStatusFunding, now)
	return campaigns, err
}

// ListUnsettled retrieves campaigns whose settlement is incomplete. SETTLING
// and SUCCESSFUL are both transient and listed unconditionally: SETTLING holds
// a claim with no outcome written yet (a claimed campaign may have zero
// pledges at all), SUCCESSFUL until the bulk capture finishes and the campaign
// advances to IN_PRODUCTION. FAILED is terminal and only listed while
// AUTHORIZED pledges remain to cancel. A sweep pass that died mid-campaign is
// resumed through this query.
func (s *Store) ListUnsettled(ctx context.Context) ([]models.Campaign, error) {
	query := `
		SELECT c.* FROM campaigns c
		WHERE c.status IN ($1, $2)
		   OR (c.status = $3 AND EXISTS (
			SELECT 1 FROM pledges p
			WHERE p.campaign_id = c.id AND p.status = $4
		   ))
		ORDER BY c.deadline`

	var campaigns []models.Campaign
	err := s.db.SelectContext(ctx, &campaigns, query,
		models.CampaignStatusSettling, models.CampaignStatusSuccessful, models.CampaignStatusFailed,
		models.PledgeStatusAuthorized)
	return campaigns, err
}

// ClaimForSettlement atomically flips a campaign from FUNDING to SETTLING,
// returning the claimed snapshot. Returns (nil, nil) when the claim was lost:
// either another sweep got there first or the deadline has not passed.
func (s *Store) ClaimForSettlement(ctx context.Context, campaignID int64, now time.Time) (*models.Campaign, error) {
	query := `
		UPDATE campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND deadline < $4
		RETURNING *`

	var campaign models.Campaign
	err := s.db.GetContext(ctx, &campaign, query,
		models.CampaignStatusSettling, campaignID, models.CampaignStatusFunding, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// AdvanceCampaignStatus performs a guarded status transition. Returns false
// when the campaign was not in the expected prior status.
func (s *Store) AdvanceCampaignStatus(ctx context.Context, campaignID int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, campaignID, from)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// FundingDrift is an audit row for a campaign whose counter disagrees with
// the sum of its non-terminal pledge quantities.
type FundingDrift struct {
	CampaignID     int64 `db:"campaign_id"`
	CurrentFunding int64 `db:"current_funding"`
	PledgeSum      int64 `db:"pledge_sum"`
}

// FindFundingDrift recomputes the pledge sum per campaign and returns every
// campaign where it disagrees with current_funding. Read-only: drift is
// reported, never patched here.
func (s *Store) FindFundingDrift(ctx context.Context) ([]FundingDrift, error) {
	query := `
		SELECT c.id AS campaign_id, c.current_funding,
		       COALESCE(SUM(CASE WHEN p.status IN ($1, $2) THEN p.quantity ELSE 0 END), 0) AS pledge_sum
		FROM campaigns c
		LEFT JOIN pledges p ON p.campaign_id = c.id
		GROUP BY c.id, c.current_funding
		HAVING c.current_funding <> COALESCE(SUM(CASE WHEN p.status IN ($1, $2) THEN p.quantity ELSE 0 END), 0)`

	var drift []FundingDrift
	err := s.db.SelectContext(ctx, &drift, query,
		models.PledgeStatusAuthorized, models.PledgeStatusCaptured)
	return drift, err
}
