package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"crowdfund-service/internal/ledger"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the shared secret the provider was configured with.
const SignatureHeader = "X-Provider-Signature"

// EventType is the provider's closed set of payment event types
type EventType string

const (
	EventAuthorizationSucceeded EventType = "authorization.succeeded"
	EventCaptureConfirmed       EventType = "capture.confirmed"
	EventPaymentFailed          EventType = "payment.failed"
	EventRefundIssued           EventType = "refund.issued"
	EventAuthorizationCancelled EventType = "authorization.cancelled"
)

// eventTargets maps each provider event type to the pledge status it drives.
// An empty target means the event is informational and acked without a
// transition. Types absent from this table are unknown: acked and logged,
// never errored, so a provider rollout cannot cause a redelivery storm.
var eventTargets = map[EventType]string{
	EventAuthorizationSucceeded: "",
	EventCaptureConfirmed:       models.PledgeStatusCaptured,
	EventPaymentFailed:          models.PledgeStatusFailed,
	EventRefundIssued:           models.PledgeStatusRefunded,
	EventAuthorizationCancelled: models.PledgeStatusCancelled,
}

// Event is the provider's webhook payload
type Event struct {
	EventID            string            `json:"event_id"`
	EventType          EventType         `json:"event_type"`
	ProviderPaymentRef string            `json:"provider_payment_ref"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Ledger is the reconciliation surface. *ledger.Ledger satisfies it.
type Ledger interface {
	TransitionPledgeByRef(ctx context.Context, paymentRef, target string) (*models.Pledge, bool, error)
}

// EventStore records processed event ids. *store.Store satisfies it.
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Handler reconciles provider webhook events into the pledge ledger.
// Events arrive at-least-once and out of order; the ledger's idempotent
// transitions are the correctness anchor, the processed-event record just
// cuts redundant work.
type Handler struct {
	ledger Ledger
	events EventStore
	secret []byte
	logger *zap.Logger
}

// NewHandler creates a webhook handler with the provider's shared secret
func NewHandler(ledger Ledger, events EventStore, secret string) *Handler {
	return &Handler{
		ledger: ledger,
		events: events,
		secret: []byte(secret),
		logger: util.GetLogger(),
	}
}

// SetupRoutes registers the webhook endpoint
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.POST("/webhooks/payment", h.handleEvent)
}

// handleEvent verifies, maps and applies one provider event. 2xx means
// "processed or safely ignored"; non-2xx is reserved for cases where a
// provider retry can actually help.
func (h *Handler) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read body"})
		return
	}

	if !h.verifySignature(body, c.GetHeader(SignatureHeader)) {
		util.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		h.logger.Warn("Rejected webhook with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		util.WebhookEventsTotal.WithLabelValues("malformed", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	target, known := eventTargets[event.EventType]
	if !known {
		h.logger.Info("Acknowledging unknown webhook event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID))
		util.WebhookEventsTotal.WithLabelValues(string(event.EventType), "unknown").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()

	processed, err := h.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(string(event.EventType), "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already processed"})
		return
	}

	if target == "" {
		h.ack(ctx, c, &event, "noop")
		return
	}

	_, applied, err := h.ledger.TransitionPledgeByRef(ctx, event.ProviderPaymentRef, target)
	if errors.Is(err, ledger.ErrPledgeNotFound) {
		// The authorization can reach us before the pledge row exists;
		// a provider retry will find it.
		util.WebhookEventsTotal.WithLabelValues(string(event.EventType), "pledge_not_found").Inc()
		h.logger.Warn("Webhook for unknown payment reference",
			zap.String("payment_ref", event.ProviderPaymentRef),
			zap.String("event_id", event.EventID))
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment reference"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply event"})
		return
	}

	if applied {
		h.ack(ctx, c, &event, "applied")
	} else {
		h.ack(ctx, c, &event, "noop")
	}
}

func (h *Handler) ack(ctx context.Context, c *gin.Context, event *Event, result string) {
	if err := h.events.MarkEventProcessed(ctx, event.EventID, string(event.EventType)); err != nil {
		// The transition already committed and is idempotent; a lost
		// dedup record only costs a future no-op.
		h.logger.Warn("Failed to record processed event",
			zap.String("event_id", event.EventID), zap.Error(err))
	}

	util.WebhookEventsTotal.WithLabelValues(string(event.EventType), result).Inc()
	c.JSON(http.StatusOK, gin.H{"status": result})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
