package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/config"
)

func newLimitedRouter(t *testing.T, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(&config.Config{
		SyncRatePerSecond: 0.001, // no meaningful refill within the test
		SyncRateBurst:     burst,
		SyncRetryAfter:    30 * time.Second,
	})
	t.Cleanup(rl.Stop)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		// Stand-in for the auth middleware.
		c.Set(string(auth.UserIDKey), c.GetHeader("X-Test-User"))
		c.Next()
	})
	router.Use(rl.Middleware())
	router.POST("/sync", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doSync(router *gin.Engine, user string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Test-User", user)
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterStopReleasesCleanup(t *testing.T) {
	rl := NewRateLimiter(&config.Config{
		SyncRatePerSecond: 1,
		SyncRateBurst:     1,
		SyncRetryAfter:    time.Second,
	})

	done := make(chan struct{})
	go func() {
		rl.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return; cleanup goroutine still running")
	}
}

func TestRateLimiterRejectsAfterBurst(t *testing.T) {
	router := newLimitedRouter(t, 3)

	for i := 0; i < 3; i++ {
		if w := doSync(router, "user-1"); w.Code != http.StatusOK {
			t.Fatalf("request %d within burst rejected: %d", i, w.Code)
		}
	}

	w := doSync(router, "user-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request over burst returned %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q, want 30", w.Header().Get("Retry-After"))
	}
	body := w.Body.String()
	if !strings.Contains(body, "retry_after_seconds") || !strings.Contains(body, "resets_at") {
		t.Fatalf("429 body missing rate limit fields: %s", body)
	}
}

func TestRateLimiterIsPerUser(t *testing.T) {
	router := newLimitedRouter(t, 1)

	if w := doSync(router, "user-1"); w.Code != http.StatusOK {
		t.Fatalf("first user first request rejected: %d", w.Code)
	}
	if w := doSync(router, "user-1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first user second request allowed: %d", w.Code)
	}

	// A different user has their own bucket.
	if w := doSync(router, "user-2"); w.Code != http.StatusOK {
		t.Fatalf("second user throttled by first user's traffic: %d", w.Code)
	}
}
