package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/config"
)

// NewRouter wires the sync API. Health, metrics and share reads stay public;
// everything touching a user's replica sits behind token auth, with the
// per-user rate limiter on the sync-traffic endpoints.
func NewRouter(cfg *config.Config, handler *Handler, live *LiveSync, authMW *auth.AuthMiddleware, rl *RateLimiter) *gin.Engine {
	router := gin.Default()

	// Add CORS middleware
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	router.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range allowedOrigins {
			if allowed == "*" || strings.TrimSpace(allowed) == origin {
				c.Header("Access-Control-Allow-Origin", origin)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Public endpoints (no auth required)
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/share/:id", handler.GetShare)
	// Full-snapshot fetch for bootstrap and cache warming. Deliberately outside
	// token auth; deployments must shield it at the network layer.
	router.GET("/y-doc", handler.Document)

	// All remaining routes require token auth
	router.Use(authMW.RequireAuth())

	synced := router.Group("/")
	if rl != nil {
		synced.Use(rl.Middleware())
	}
	{
		synced.POST("/sync", handler.Sync)
		synced.GET("/session", handler.Session)
		synced.GET("/live", live.Handle)
	}

	router.GET("/legacy-sync", handler.LegacySync)
	router.POST("/delete", handler.DeleteChat)
	router.POST("/share", handler.ShareChat)

	return router
}
