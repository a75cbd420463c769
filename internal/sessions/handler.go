package sessions

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/middleware"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/scheduling"
	"github.com/soundstage/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title    string    `json:"title" binding:"required,notblank"`
	StartsAt time.Time `json:"starts_at" binding:"required"`
	EndsAt   time.Time `json:"ends_at" binding:"required"`
}

// RescheduleRequest is the body for PATCH /sessions/:id.
type RescheduleRequest struct {
	StartsAt time.Time `json:"starts_at" binding:"required"`
	EndsAt   time.Time `json:"ends_at" binding:"required"`
}

type transition func(svc *Service, c *gin.Context, id uuid.UUID, actor models.Actor) (*models.Session, error)

// Handler handles session HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/sessions", h.Create)
	g.GET("/sessions", h.List)
	g.GET("/sessions/:id", h.Get)
	g.PATCH("/sessions/:id", h.Reschedule)
	g.POST("/sessions/:id/live", h.GoLive)
	g.POST("/sessions/:id/end", h.End)
	g.POST("/sessions/:id/cancel", h.Cancel)
	g.GET("/sessions/:id/transcript", h.Transcript)
}

// Create handles POST /sessions. The caller becomes the host.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor := middleware.Actor(c)
	s, err := h.svc.Create(c.Request.Context(), actor.UserID, req.Title, scheduling.Window{Start: req.StartsAt, End: req.EndsAt})
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.Created(c, s)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, s)
}

// List handles GET /sessions?host=. Without host it lists the caller's sessions.
func (h *Handler) List(c *gin.Context) {
	hostID := middleware.Actor(c).UserID
	if q := c.Query("host"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			response.BadRequest(c, "invalid host id")
			return
		}
		hostID = id
	}
	list, err := h.svc.ListByHost(c.Request.Context(), hostID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, list)
}

// Reschedule handles PATCH /sessions/:id.
func (h *Handler) Reschedule(c *gin.Context) {
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	h.apply(c, func(svc *Service, c *gin.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
		return svc.Reschedule(c.Request.Context(), id, actor, scheduling.Window{Start: req.StartsAt, End: req.EndsAt})
	})
}

// GoLive handles POST /sessions/:id/live.
func (h *Handler) GoLive(c *gin.Context) {
	h.apply(c, func(svc *Service, c *gin.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
		return svc.GoLive(c.Request.Context(), id, actor)
	})
}

// End handles POST /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	h.apply(c, func(svc *Service, c *gin.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
		return svc.End(c.Request.Context(), id, actor)
	})
}

// Cancel handles POST /sessions/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	h.apply(c, func(svc *Service, c *gin.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
		return svc.Cancel(c.Request.Context(), id, actor)
	})
}

func (h *Handler) apply(c *gin.Context, fn transition) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := fn(h.svc, c, id, middleware.Actor(c))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, s)
}

// Transcript handles GET /sessions/:id/transcript.
func (h *Handler) Transcript(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	url, err := h.svc.TranscriptURL(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}
