package worker

import (
	"context"

	"crowdfund-service/internal/broker"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes settlement events and fans out one
// notification per recipient. Actual delivery belongs to an external
// service; this worker hands events off and logs failures without ever
// feeding an error back into settlement.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a settlement notification worker
func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnCampaignFunded(w.handleCampaignFunded)
	eventHandler.OnCampaignFailed(w.handleCampaignFailed)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleCampaignFunded(ctx context.Context, event *models.CampaignFundedEvent) error {
	w.logger.Info("Notifying campaign funded",
		zap.Int64("campaign_id", event.CampaignID),
		zap.Int64("creator_id", event.CreatorID),
		zap.Int("backers", len(event.BackerIDs)))

	w.deliver(event.CreatorID, "your campaign reached its goal", event.CampaignID)
	for _, backerID := range event.BackerIDs {
		w.deliver(backerID, "a campaign you backed was funded", event.CampaignID)
	}
	return nil
}

func (w *NotificationWorker) handleCampaignFailed(ctx context.Context, event *models.CampaignFailedEvent) error {
	w.logger.Info("Notifying campaign failed",
		zap.Int64("campaign_id", event.CampaignID),
		zap.Int64("creator_id", event.CreatorID),
		zap.Int("backers", len(event.BackerIDs)))

	w.deliver(event.CreatorID, "your campaign did not reach its goal", event.CampaignID)
	for _, backerID := range event.BackerIDs {
		w.deliver(backerID, "a campaign you backed was not funded; your pledge was released", event.CampaignID)
	}
	return nil
}

// deliver hands one notification to the delivery channel. Stubbed to a log
// line; the delivery service consumes the same topic in production.
func (w *NotificationWorker) deliver(userID int64, message string, campaignID int64) {
	w.logger.Info("Notification dispatched",
		zap.Int64("user_id", userID),
		zap.Int64("campaign_id", campaignID),
		zap.String("message", message))
}
