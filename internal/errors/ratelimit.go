package errors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
// Clients treat the Retry-After header as a global throttle: all sync and
// session traffic is suppressed until the deadline passes.
type RateLimitError struct {
	Error             string    `json:"error"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
	ResetsAt          time.Time `json:"resets_at"`
}

// AbortWithRateLimit sends a 429 response with the RateLimitError and aborts the request.
// The Retry-After header carries the suppression window in seconds.
func AbortWithRateLimit(c *gin.Context, err *RateLimitError) {
	c.Header("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// SyncThrottled creates a RateLimitError for sync endpoint throttling.
func SyncThrottled(retryAfter time.Duration) *RateLimitError {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &RateLimitError{
		Error:             "sync rate limit exceeded",
		RetryAfterSeconds: secs,
		ResetsAt:          time.Now().UTC().Add(retryAfter),
	}
}
