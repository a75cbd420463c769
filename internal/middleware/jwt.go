package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/soundstage/backend/internal/auth"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/pkg/response"
)

// Context keys set by JWT.
const (
	ContextUserID   = "user_id"
	ContextUserRole = "user_role"
)

// TokenValidator verifies a bearer token.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT rejects requests without a valid bearer token and stores the caller's identity in the context.
func JWT(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "missing or malformed authorization header")
			c.Abort()
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		actor := claims.Actor()
		c.Set(ContextUserID, actor.UserID)
		c.Set(ContextUserRole, actor.Role)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Actor returns the authenticated caller. Only valid behind JWT.
func Actor(c *gin.Context) models.Actor {
	return models.Actor{
		UserID: c.MustGet(ContextUserID).(uuid.UUID),
		Role:   c.GetString(ContextUserRole),
	}
}
