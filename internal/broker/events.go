package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"crowdfund-service/internal/models"
	"crowdfund-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes settlement events to the notification topic
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCampaignFunded publishes the one CampaignFunded event for a campaign
func (ep *EventPublisher) PublishCampaignFunded(ctx context.Context, event *models.CampaignFundedEvent) error {
	key := fmt.Sprintf("campaign-%d", event.CampaignID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCampaignFailed publishes the one CampaignFailed event for a campaign
func (ep *EventPublisher) PublishCampaignFailed(ctx context.Context, event *models.CampaignFailedEvent) error {
	key := fmt.Sprintf("campaign-%d", event.CampaignID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPledgeRefunded publishes a PledgeRefunded event
func (ep *EventPublisher) PublishPledgeRefunded(ctx context.Context, event *models.PledgeRefundedEvent) error {
	key := fmt.Sprintf("campaign-%d", event.CampaignID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes settlement topic messages to registered handlers
type EventHandler struct {
	logger           *zap.Logger
	onCampaignFunded func(context.Context, *models.CampaignFundedEvent) error
	onCampaignFailed func(context.Context, *models.CampaignFailedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCampaignFunded registers a handler for CampaignFunded events
func (eh *EventHandler) OnCampaignFunded(handler func(context.Context, *models.CampaignFundedEvent) error) {
	eh.onCampaignFunded = handler
}

// OnCampaignFailed registers a handler for CampaignFailed events
func (eh *EventHandler) OnCampaignFailed(handler func(context.Context, *models.CampaignFailedEvent) error) {
	eh.onCampaignFailed = handler
}

// HandleMessage routes messages to the appropriate handler
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCampaignFunded:
		if eh.onCampaignFunded != nil {
			var event models.CampaignFundedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CampaignFunded event: %w", err)
			}
			return eh.onCampaignFunded(ctx, &event)
		}

	case models.EventTypeCampaignFailed:
		if eh.onCampaignFailed != nil {
			var event models.CampaignFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CampaignFailed event: %w", err)
			}
			return eh.onCampaignFailed(ctx, &event)
		}

	default:
		eh.logger.Info("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
