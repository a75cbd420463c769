package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/soundstage/backend/pkg/response"
)

// RateLimiter holds one token bucket per authenticated user.
type RateLimiter struct {
	limiters map[uuid.UUID]*userLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per user with a burst of twice that.
func NewRateLimiter(rps float64) *RateLimiter {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*userLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) allow(userID uuid.UUID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[userID]
	if !ok {
		l = &userLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[userID] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

// Cleanup drops idle limiters every interval until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for id, l := range rl.limiters {
				if now.Sub(l.lastSeen) > rl.idle {
					delete(rl.limiters, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimit limits requests per user. Unauthenticated requests pass through.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := c.Get(ContextUserID)
		if !ok {
			c.Next()
			return
		}
		userID, ok := uid.(uuid.UUID)
		if !ok {
			c.Next()
			return
		}
		if !rl.allow(userID) {
			response.TooManyRequests(c, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
