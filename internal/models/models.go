package models

import "time"

// Campaign represents a crowdfunding campaign
type Campaign struct {
	ID             int64     `db:"id" json:"id"`
	CreatorID      int64     `db:"creator_id" json:"creator_id"`
	Title          string    `db:"title" json:"title"`
	FundingGoal    int64     `db:"funding_goal" json:"funding_goal"`
	CurrentFunding int64     `db:"current_funding" json:"current_funding"`
	Deadline       time.Time `db:"deadline" json:"deadline"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Pledge represents a backer's authorized payment against a campaign
type Pledge struct {
	ID                 int64     `db:"id" json:"id"`
	CampaignID         int64     `db:"campaign_id" json:"campaign_id"`
	BackerID           int64     `db:"backer_id" json:"backer_id"`
	Quantity           int64     `db:"quantity" json:"quantity"`
	UnitPrice          int64     `db:"unit_price" json:"unit_price"`
	TotalAmount        int64     `db:"total_amount" json:"total_amount"`
	ProviderPaymentRef string    `db:"provider_payment_ref" json:"provider_payment_ref"`
	Status             string    `db:"status" json:"status"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Campaign statuses. SETTLING is the sweep's claim on a campaign: only
// the holder of the FUNDING->SETTLING flip may settle it.
const (
	CampaignStatusFunding      = "FUNDING"
	CampaignStatusSettling     = "SETTLING"
	CampaignStatusSuccessful   = "SUCCESSFUL"
	CampaignStatusInProduction = "IN_PRODUCTION"
	CampaignStatusFailed       = "FAILED"
	CampaignStatusMarketplace  = "MARKETPLACE"
)

// Pledge statuses
const (
	PledgeStatusAuthorized = "AUTHORIZED"
	PledgeStatusCaptured   = "CAPTURED"
	PledgeStatusCancelled  = "CANCELLED"
	PledgeStatusFailed     = "FAILED"
	PledgeStatusRefunded   = "REFUNDED"
)

// PledgeTerminal reports whether a pledge status admits no further transitions.
func PledgeTerminal(status string) bool {
	switch status {
	case PledgeStatusCancelled, PledgeStatusFailed, PledgeStatusRefunded:
		return true
	}
	return false
}

// CountsTowardFunding reports whether a pledge in the given status is
// included in the campaign's current_funding counter.
func CountsTowardFunding(status string) bool {
	return status == PledgeStatusAuthorized || status == PledgeStatusCaptured
}

// ProcessedEvent for webhook/consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
