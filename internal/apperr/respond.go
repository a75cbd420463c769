package apperr

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soundstage/backend/pkg/response"
)

// Respond writes the response envelope for err. Unclassified errors are logged and hidden as 500.
func Respond(c *gin.Context, logger *zap.Logger, err error) {
	var v *ValidationError
	var conflict *ConflictError
	switch {
	case errors.As(err, &v):
		response.BadRequest(c, v.Error())
	case errors.As(err, &conflict):
		response.Conflict(c, conflict.Error(), gin.H{
			"requested_start": conflict.RequestedStart,
			"requested_end":   conflict.RequestedEnd,
			"existing_id":     conflict.ExistingID,
			"existing_start":  conflict.ExistingStart,
			"existing_end":    conflict.ExistingEnd,
		})
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(c, err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrSignature):
		response.BadRequest(c, err.Error())
	default:
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.Internal(c, "internal error")
	}
}
