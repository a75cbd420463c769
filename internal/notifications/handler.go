package notifications

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

// Handler handles notification endpoints for the caller.
type Handler struct {
	d      *Dispatcher
	logger *zap.Logger
}

// NewHandler creates a notification handler.
func NewHandler(d *Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{d: d, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/notifications", h.List)
	g.POST("/notifications/read-all", h.MarkAllRead)
	g.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /notifications?unread=1&limit=.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	list, err := h.d.List(c.Request.Context(), middleware.Actor(c).UserID, c.Query("unread") == "1", limit)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	response.OK(c, list)
}

// MarkRead handles POST /notifications/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid notification id")
		return
	}
	if err := h.d.MarkRead(c.Request.Context(), middleware.Actor(c).UserID, id); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"id": id, "read": true})
}

// MarkAllRead handles POST /notifications/read-all.
func (h *Handler) MarkAllRead(c *gin.Context) {
	n, err := h.d.MarkAllRead(c.Request.Context(), middleware.Actor(c).UserID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"updated": n})
}
