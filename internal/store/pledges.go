package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crowdfund-service/internal/models"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// CreatePledge inserts a pledge in AUTHORIZED status and increments the
// campaign funding counter, as a single transaction. The counter increment is
// a guarded UPDATE (status must be FUNDING, deadline not passed) so the
// campaign row itself is the gate; no read-modify-write in application code.
func (s *Store) CreatePledge(ctx context.Context, pledge *models.Pledge) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET current_funding = current_funding + $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND deadline > $4`,
		pledge.Quantity, pledge.CampaignID, models.CampaignStatusFunding, time.Now())
	if err != nil {
		return fmt.Errorf("failed to increment funding counter: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.classifyPledgeRejection(ctx, pledge.CampaignID)
	}

	query := `
		INSERT INTO pledges (campaign_id, backer_id, quantity, unit_price, total_amount, provider_payment_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, pledge, query,
		pledge.CampaignID, pledge.BackerID, pledge.Quantity, pledge.UnitPrice,
		pledge.TotalAmount, pledge.ProviderPaymentRef, models.PledgeStatusAuthorized)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicatePaymentRef
		}
		return fmt.Errorf("failed to insert pledge: %w", err)
	}
	pledge.Status = models.PledgeStatusAuthorized

	return tx.Commit()
}

// classifyPledgeRejection reads the campaign to turn a failed guarded update
// into a precise validation error.
func (s *Store) classifyPledgeRejection(ctx context.Context, campaignID int64) error {
	campaign, err := s.GetCampaignByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignStatusFunding {
		return ErrCampaignNotFunding
	}
	return ErrDeadlinePassed
}

// TransitionPledge flips a pledge's status from the expected prior status and
// applies the funding counter delta, atomically. Returns false when the
// pledge was not in the expected status, which callers treat as "someone got
// there first" and re-read.
func (s *Store) TransitionPledge(ctx context.Context, pledgeID, campaignID int64, from, to string, fundingDelta int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE pledges SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, pledgeID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition pledge: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if fundingDelta != 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE campaigns SET current_funding = current_funding + $1, updated_at = NOW() WHERE id = $2",
			fundingDelta, campaignID)
		if err != nil {
			return false, fmt.Errorf("failed to adjust funding counter: %w", err)
		}
	}

	return true, tx.Commit()
}

// GetPledgeByID retrieves a pledge by ID
func (s *Store) GetPledgeByID(ctx context.Context, id int64) (*models.Pledge, error) {
	var pledge models.Pledge
	err := s.db.GetContext(ctx, &pledge, "SELECT * FROM pledges WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrPledgeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pledge, nil
}

// GetPledgeByProviderRef retrieves the pledge owning a provider payment reference
func (s *Store) GetPledgeByProviderRef(ctx context.Context, ref string) (*models.Pledge, error) {
	var pledge models.Pledge
	err := s.db.GetContext(ctx, &pledge,
		"SELECT * FROM pledges WHERE provider_payment_ref = $1", ref)
	if err == sql.ErrNoRows {
		return nil, ErrPledgeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pledge, nil
}

// ListAuthorizedPledges retrieves the pledges still awaiting settlement for a campaign
func (s *Store) ListAuthorizedPledges(ctx context.Context, campaignID int64) ([]models.Pledge, error) {
	var pledges []models.Pledge
	err := s.db.SelectContext(ctx, &pledges,
		"SELECT * FROM pledges WHERE campaign_id = $1 AND status = $2 ORDER BY id",
		campaignID, models.PledgeStatusAuthorized)
	return pledges, err
}

// ListPledgesByCampaign retrieves all pledges for a campaign
func (s *Store) ListPledgesByCampaign(ctx context.Context, campaignID int64) ([]models.Pledge, error) {
	var pledges []models.Pledge
	err := s.db.SelectContext(ctx, &pledges,
		"SELECT * FROM pledges WHERE campaign_id = $1 ORDER BY id", campaignID)
	return pledges, err
}

// ListBackerIDs retrieves the distinct backers of a campaign, for settlement notifications
func (s *Store) ListBackerIDs(ctx context.Context, campaignID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT DISTINCT backer_id FROM pledges WHERE campaign_id = $1 ORDER BY backer_id", campaignID)
	return ids, err
}
