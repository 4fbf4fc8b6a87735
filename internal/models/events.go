package models

import "time"

// Event types published on the settlement topic
const (
	EventTypeCampaignFunded = "CAMPAIGN_FUNDED"
	EventTypeCampaignFailed = "CAMPAIGN_FAILED"
	EventTypePledgeRefunded = "PLEDGE_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CampaignFundedEvent published once when a campaign settles successfully
type CampaignFundedEvent struct {
	BaseEvent
	CampaignID   int64   `json:"campaign_id"`
	CreatorID    int64   `json:"creator_id"`
	FundingGoal  int64   `json:"funding_goal"`
	FinalFunding int64   `json:"final_funding"`
	BackerIDs    []int64 `json:"backer_ids"`
}

// CampaignFailedEvent published once when a campaign misses its goal
type CampaignFailedEvent struct {
	BaseEvent
	CampaignID   int64   `json:"campaign_id"`
	CreatorID    int64   `json:"creator_id"`
	FundingGoal  int64   `json:"funding_goal"`
	FinalFunding int64   `json:"final_funding"`
	BackerIDs    []int64 `json:"backer_ids"`
}

// PledgeRefundedEvent published when a captured pledge is refunded by the provider
type PledgeRefundedEvent struct {
	BaseEvent
	CampaignID int64 `json:"campaign_id"`
	PledgeID   int64 `json:"pledge_id"`
	BackerID   int64 `json:"backer_id"`
	Amount     int64 `json:"amount"`
}
