package presence

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/middleware"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/pkg/response"
)

// Handler handles stream presence endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a presence handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/streams/:id/join", h.Join)
	g.POST("/streams/:id/leave", h.Leave)
	g.GET("/streams/:id", h.Current)
	g.GET("/streams/:id/attendees", h.Attendees)
}

func streamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return uuid.Nil, false
	}
	return id, true
}

// Join handles POST /streams/:id/join.
func (h *Handler) Join(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	n, err := h.svc.Join(c.Request.Context(), id, middleware.Actor(c).UserID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"stream_id": id, "viewer_count": n})
}

// Leave handles POST /streams/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	n, err := h.svc.Leave(c.Request.Context(), id, middleware.Actor(c).UserID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"stream_id": id, "viewer_count": n})
}

// Current handles GET /streams/:id.
func (h *Handler) Current(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	s, err := h.svc.Current(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, s)
}

// Attendees handles GET /streams/:id/attendees.
func (h *Handler) Attendees(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	list, err := h.svc.Attendees(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.Attendee{}
	}
	response.OK(c, gin.H{"attendees": list})
}
