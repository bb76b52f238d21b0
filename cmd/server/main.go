package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/config"
	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/server"
	"github.com/eternisai/enchanted-sync/internal/storage/natscache"
	"github.com/eternisai/enchanted-sync/internal/storage/pg"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("Setting Gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Initialize database.
	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tokenValidator, err := newTokenValidator(cfg)
	if err != nil {
		log.Error("Failed to initialize token validator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	authMW := auth.NewAuthMiddleware(tokenValidator)

	// Best-effort distributed snapshot cache; nil when NATS is not configured.
	nc := natscache.Connect(cfg.NatsURL, log)
	cache := natscache.NewSnapshotCache(nc, log)

	manager := server.NewManager(db.Store, cache, cfg.ReplicaCacheTTL, cfg.SnapshotUpdateBacklog, log)
	handler := server.NewHandler(manager, db.Store, log)
	live := server.NewLiveSync(manager, log)

	var limiter *server.RateLimiter
	if cfg.SyncRateLimitEnabled {
		limiter = server.NewRateLimiter(cfg)
	}
	router := server.NewRouter(cfg, handler, live, authMW, limiter)

	port := ":" + cfg.Port
	log.Info("sync server listening on " + port)
	if limiter != nil {
		log.Info("sync rate limiting enabled",
			slog.Float64("per_second", cfg.SyncRatePerSecond),
			slog.Int("burst", cfg.SyncRateBurst))
	} else {
		log.Warn("sync rate limiting disabled")
	}

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}

	// Persist every resident replica before the process exits.
	manager.Shutdown(ctx)
	if limiter != nil {
		limiter.Stop()
	}
	if nc != nil {
		nc.Close()
	}
	if err := db.DB.Close(); err != nil {
		log.Error("Failed to close database", slog.String("error", err.Error()))
	}

	log.Info("Server exited")
}

func newTokenValidator(cfg *config.Config) (auth.TokenValidator, error) {
	if cfg.ValidatorType == "none" {
		return auth.NewTokenValidator("")
	}
	return auth.NewTokenValidator(cfg.JWTJWKSURL)
}
