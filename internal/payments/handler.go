package payments

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/middleware"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/pkg/response"
)

// Handler handles checkout and payment reads.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a payments handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the buyer routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/payments/checkout", h.Checkout)
	g.GET("/payments/:id", h.Get)
}

// RegisterAdmin mounts the follow-up routes on an admin-only group.
func (h *Handler) RegisterAdmin(g *gin.RouterGroup) {
	g.GET("/payouts/failed", h.FailedPayouts)
}

// Checkout handles POST /payments/checkout.
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Checkout(c.Request.Context(), middleware.Actor(c).UserID, req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.Created(c, res)
}

// Get handles GET /payments/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	p, err := h.svc.Get(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, p)
}

// FailedPayouts handles GET /admin/payouts/failed.
func (h *Handler) FailedPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.svc.FailedTransfers(c.Request.Context(), limit)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.Payment{}
	}
	response.OK(c, list)
}
