package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/config"
	"github.com/eternisai/enchanted-sync/internal/errors"
	"github.com/eternisai/enchanted-sync/internal/metrics"
)

// limiterIdleTTL bounds how long an inactive user's limiter is retained.
const limiterIdleTTL = 15 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-user token bucket on sync traffic. A rejected
// request carries a Retry-After window that well-behaved clients honor as a
// global suppression of their sync and session traffic.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter

	perSecond  rate.Limit
	burst      int
	retryAfter time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRateLimiter builds the limiter from config and starts its idle-entry
// cleanup loop; Stop releases it.
func NewRateLimiter(cfg *config.Config) *RateLimiter {
	rl := &RateLimiter{
		limiters:   make(map[string]*userLimiter),
		perSecond:  rate.Limit(cfg.SyncRatePerSecond),
		burst:      cfg.SyncRateBurst,
		retryAfter: cfg.SyncRetryAfter,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop terminates the cleanup loop and waits for it to exit.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
	<-rl.done
}

// Middleware rejects requests exceeding the user's budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.GetUserID(c)
		if !ok {
			c.Next()
			return
		}
		if !rl.allow(userID) {
			metrics.ThrottledRequests.Inc()
			errors.AbortWithRateLimit(c, errors.SyncThrottled(rl.retryAfter))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.limiters[userID] = ul
	}
	ul.lastSeen = time.Now()
	return ul.limiter.Allow()
}

func (rl *RateLimiter) cleanup() {
	defer close(rl.done)
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdleTTL)
			rl.mu.Lock()
			for userID, ul := range rl.limiters {
				if ul.lastSeen.Before(cutoff) {
					delete(rl.limiters, userID)
				}
			}
			rl.mu.Unlock()
		}
	}
}
