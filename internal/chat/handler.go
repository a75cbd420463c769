package chat

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

// PostRequest is the body for POST /sessions/:id/messages.
type PostRequest struct {
	Content string          `json:"content" binding:"required,notblank,max=8000"`
	Kind    models.ChatKind `json:"kind" binding:"omitempty,oneof=chat reaction"`
}

// Handler handles chat HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/sessions/:id/messages", h.List)
	g.POST("/sessions/:id/messages", h.Post)
}

// List handles GET /sessions/:id/messages?before=&limit=.
func (h *Handler) List(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := h.svc.List(c.Request.Context(), id, before, limit)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	response.OK(c, msgs)
}

// Post handles POST /sessions/:id/messages. Clients cannot post system lines.
func (h *Handler) Post(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = models.ChatKindChat
	}
	author := middleware.Actor(c).UserID
	msg, err := h.svc.Post(c.Request.Context(), id, &author, req.Content, req.Kind)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.Created(c, msg)
}
