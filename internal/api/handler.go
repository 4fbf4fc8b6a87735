package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"crowdfund-service/internal/broker"
	"crowdfund-service/internal/campaign"
	"crowdfund-service/internal/ledger"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/redisclient"
	"crowdfund-service/internal/store"
	"crowdfund-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	ledger    *ledger.Ledger
	store     *store.Store
	settler   *campaign.Settler
	cache     *redisclient.Client
	publisher *broker.EventPublisher
}

// NewHandler creates a new HTTP handler. cache and publisher may be nil.
func NewHandler(l *ledger.Ledger, s *store.Store, settler *campaign.Settler, cache *redisclient.Client, publisher *broker.EventPublisher) *Handler {
	return &Handler{
		ledger:    l,
		store:     s,
		settler:   settler,
		cache:     cache,
		publisher: publisher,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/campaigns", h.createCampaign)
		v1.GET("/campaigns", h.listCampaigns)
		v1.GET("/campaigns/:id", h.getCampaign)
		v1.GET("/campaigns/:id/pledges", h.listCampaignPledges)
		v1.POST("/campaigns/:id/marketplace", h.moveToMarketplace)
		v1.POST("/pledges", h.createPledge)
		v1.GET("/pledges/:id", h.getPledge)
		v1.POST("/pledges/:id/refund", h.refundPledge)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateCampaignRequest represents a request to create a campaign
type CreateCampaignRequest struct {
	CreatorID   int64     `json:"creator_id" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	FundingGoal int64     `json:"funding_goal" binding:"required,min=1"`
	Deadline    time.Time `json:"deadline" binding:"required"`
}

// createCampaign handles campaign creation
func (h *Handler) createCampaign(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if !req.Deadline.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Deadline must be in the future"})
		return
	}

	cmp := &models.Campaign{
		CreatorID:   req.CreatorID,
		Title:       req.Title,
		FundingGoal: req.FundingGoal,
		Deadline:    req.Deadline,
	}

	if err := h.store.CreateCampaign(c.Request.Context(), cmp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create campaign",
			"details": err.Error(),
		})
		return
	}

	if h.cache != nil {
		_ = h.cache.InitFunding(c.Request.Context(), cmp.ID, 0)
	}

	c.JSON(http.StatusCreated, cmp)
}

// getCampaign handles get campaign by ID, serving funding progress from the
// cache when available
func (h *Handler) getCampaign(c *gin.Context) {
	campaignID, ok := pathID(c)
	if !ok {
		return
	}

	cmp, err := h.store.GetCampaignByID(c.Request.Context(), campaignID)
	if errors.Is(err, store.ErrCampaignNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Campaign not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load campaign"})
		return
	}

	if h.cache != nil && cmp.Status == models.CampaignStatusFunding {
		if funding, found, err := h.cache.GetFunding(c.Request.Context(), cmp.ID); err == nil && found {
			cmp.CurrentFunding = funding
		}
	}

	c.JSON(http.StatusOK, cmp)
}

// listCampaigns returns campaigns filtered by status
func (h *Handler) listCampaigns(c *gin.Context) {
	status := c.DefaultQuery("status", models.CampaignStatusFunding)

	campaigns, err := h.store.ListCampaignsByStatus(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load campaigns"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

// listCampaignPledges returns all pledges for a campaign
func (h *Handler) listCampaignPledges(c *gin.Context) {
	campaignID, ok := pathID(c)
	if !ok {
		return
	}

	pledges, err := h.store.ListPledgesByCampaign(c.Request.Context(), campaignID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load pledges"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pledges": pledges})
}

// moveToMarketplace transitions a produced campaign into marketplace sale
func (h *Handler) moveToMarketplace(c *gin.Context) {
	campaignID, ok := pathID(c)
	if !ok {
		return
	}

	moved, err := h.settler.MoveToMarketplace(c.Request.Context(), campaignID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update campaign"})
		return
	}
	if !moved {
		c.JSON(http.StatusConflict, gin.H{"error": "Campaign is not in production"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.CampaignStatusMarketplace})
}

// createPledge handles pledge creation from the checkout flow
func (h *Handler) createPledge(c *gin.Context) {
	var req ledger.CreatePledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	pledge, err := h.ledger.CreatePledge(c.Request.Context(), &req)
	if err != nil {
		status, msg := pledgeErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusCreated, pledge)
}

// getPledge handles get pledge by ID
func (h *Handler) getPledge(c *gin.Context) {
	pledgeID, ok := pathID(c)
	if !ok {
		return
	}

	pledge, err := h.store.GetPledgeByID(c.Request.Context(), pledgeID)
	if errors.Is(err, store.ErrPledgeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pledge not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load pledge"})
		return
	}

	c.JSON(http.StatusOK, pledge)
}

// refundPledge refunds a captured pledge at the provider and announces it
func (h *Handler) refundPledge(c *gin.Context) {
	pledgeID, ok := pathID(c)
	if !ok {
		return
	}

	applied, err := h.ledger.RefundPledge(c.Request.Context(), pledgeID)
	if errors.Is(err, store.ErrPledgeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pledge not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refund pledge"})
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, gin.H{"error": "Pledge is not captured"})
		return
	}

	h.publishRefunded(c, pledgeID)
	c.JSON(http.StatusOK, gin.H{"status": models.PledgeStatusRefunded})
}

func (h *Handler) publishRefunded(c *gin.Context, pledgeID int64) {
	if h.publisher == nil {
		return
	}
	pledge, err := h.store.GetPledgeByID(c.Request.Context(), pledgeID)
	if err != nil {
		return
	}

	event := &models.PledgeRefundedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePledgeRefunded,
			Timestamp: time.Now(),
		},
		CampaignID: pledge.CampaignID,
		PledgeID:   pledge.ID,
		BackerID:   pledge.BackerID,
		Amount:     pledge.TotalAmount,
	}
	_ = h.publisher.PublishPledgeRefunded(c.Request.Context(), event)
}

func pledgeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrCampaignNotFunding):
		return http.StatusConflict, "Campaign is not accepting pledges"
	case errors.Is(err, ledger.ErrDeadlinePassed):
		return http.StatusConflict, "Campaign deadline has passed"
	case errors.Is(err, ledger.ErrDuplicatePaymentRef):
		return http.StatusConflict, "Payment reference already used"
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrAuthorizationRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrCampaignNotFound):
		return http.StatusNotFound, "Campaign not found"
	default:
		return http.StatusInternalServerError, "Failed to create pledge"
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
