package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// OriginAllowed returns a matcher for the configured origins. An empty list or "*" allows any origin.
func OriginAllowed(origins []string) func(origin string) bool {
	set := lo.SliceToMap(origins, func(o string) (string, struct{}) { return o, struct{}{} })
	_, all := set["*"]
	return func(origin string) bool {
		if len(set) == 0 || all {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// CORS sets CORS headers for the configured origins and answers preflight requests.
func CORS(origins []string) gin.HandlerFunc {
	allowed := OriginAllowed(origins)
	wildcard := len(origins) == 0 || lo.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := ""
		if wildcard {
			allowOrigin = "*"
		} else if origin != "" && allowed(origin) {
			allowOrigin = origin
			c.Header("Vary", "Origin")
		}
		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
