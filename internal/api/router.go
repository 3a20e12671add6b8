// Package api wires together all HTTP routes for the agent CRM backend.
//
// Route grouping:
//   - /health and /ready are unauthenticated probes.
//   - /api/api-keys and /api/scopes are the administrative surface and require an API
//     key holding admin:read (reads) or admin:write (mutations).
//   - /api/agent is the voice-agent surface. It is rate limited per client address
//     before RequireAPIKey runs, so guessing attempts are throttled ahead of any
//     database lookup or bcrypt work.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/Deepak8858/agent-crm/internal/api/admin"
	"github.com/Deepak8858/agent-crm/internal/api/agent"
	"github.com/Deepak8858/agent-crm/internal/audit"
	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/config"
	"github.com/Deepak8858/agent-crm/internal/db/repositories"
	"github.com/Deepak8858/agent-crm/internal/jobs"
	"github.com/Deepak8858/agent-crm/internal/middleware"
	"github.com/Deepak8858/agent-crm/internal/safego"
	"github.com/Deepak8858/agent-crm/internal/services"
)

// Version is reported by /version and the version subcommand.
const Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	expiryNotifier *jobs.APIKeyExpiryNotifier
	rateLimiters   []*middleware.RateLimiter
	redisClient    *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryNotifier != nil {
		bg.expiryNotifier.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. shipper receives a copy of every
// usage event and may be nil.
func NewRouter(cfg *config.Config, db *sqlx.DB, shipper audit.Shipper) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		slog.Warn("invalid trusted proxies, trusting none", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	bg := &BackgroundServices{}

	// Repositories
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	usageRepo := repositories.NewAPIKeyUsageRepository(db)

	// Authorization core
	recorder := auth.NewUsageRecorder(apiKeyRepo, usageRepo, shipper)
	authn := auth.NewAuthenticator(apiKeyRepo, recorder, auth.AuthenticatorConfig{
		Namespace:           cfg.Auth.APIKeys.Namespace,
		BcryptCost:          cfg.Auth.APIKeys.BcryptCost,
		AuditFailedAttempts: cfg.Auth.APIKeys.AuditFailedAttempts,
	})
	apiKeyService := services.NewAPIKeyService(apiKeyRepo, usageRepo, cfg.Auth.APIKeys.Namespace, cfg.Auth.APIKeys.BcryptCost)

	// Expiry notifier
	expiryNotifier := jobs.NewAPIKeyExpiryNotifier(apiKeyRepo, nil, &cfg.Notifications)
	safego.Go(func() { expiryNotifier.Start(context.Background()) })
	bg.expiryNotifier = expiryNotifier

	if cfg.Redis.Enabled {
		bg.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		slog.Info("redis rate limiting enabled", "addr", cfg.Redis.Addr)
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS.AllowedOrigins))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db))
	router.GET("/version", versionHandler())

	apiGroup := router.Group("/api")

	// Administrative surface
	adminGroup := apiGroup.Group("")
	if limiter := bg.newLimiter(cfg, middleware.DefaultRateLimitConfig(), "crm:ratelimit:admin:"); limiter != nil {
		adminGroup.Use(middleware.RateLimitMiddleware(limiter))
	}
	if shipper != nil {
		adminGroup.Use(middleware.AdminAuditMiddleware(shipper))
	}
	{
		requireRead := middleware.RequireAPIKey(authn, auth.ScopeAdminRead)
		requireWrite := middleware.RequireAPIKey(authn, auth.ScopeAdminWrite)

		adminGroup.GET("/scopes", requireRead, admin.ListScopesHandler())

		apiKeyHandlers := admin.NewAPIKeyHandlers(apiKeyService)
		apiKeysGroup := adminGroup.Group("/api-keys")
		{
			apiKeysGroup.GET("", requireRead, apiKeyHandlers.ListAPIKeysHandler())
			apiKeysGroup.POST("", requireWrite, apiKeyHandlers.CreateAPIKeyHandler())
			apiKeysGroup.GET("/:id", requireRead, apiKeyHandlers.GetAPIKeyHandler())
			apiKeysGroup.PUT("/:id", requireWrite, apiKeyHandlers.UpdateAPIKeyHandler())
			apiKeysGroup.DELETE("/:id", requireWrite, apiKeyHandlers.DeleteAPIKeyHandler())
			apiKeysGroup.GET("/:id/usage", requireRead, apiKeyHandlers.GetAPIKeyUsageHandler())
			apiKeysGroup.POST("/:id/rotate", requireWrite, apiKeyHandlers.RotateAPIKeyHandler())
		}
	}

	// Voice-agent surface. Business handlers mount here with the scopes they need.
	agentGroup := apiGroup.Group("/agent")
	agentLimits := middleware.AgentRateLimitConfig()
	if rl := cfg.Security.RateLimiting; rl.RequestsPerMinute > 0 {
		agentLimits.RequestsPerMinute = rl.RequestsPerMinute
		if rl.Burst > 0 {
			agentLimits.BurstSize = rl.Burst
		}
	}
	if limiter := bg.newLimiter(cfg, agentLimits, "crm:ratelimit:agent:"); limiter != nil {
		agentGroup.Use(middleware.RateLimitMiddleware(limiter))
	}
	{
		agentGroup.GET("/session", middleware.RequireAPIKey(authn), agent.SessionHandler())
	}

	return router, bg
}

// newLimiter picks the Redis limiter when Redis is configured and the in-process one
// otherwise. It returns nil when rate limiting is disabled.
func (bg *BackgroundServices) newLimiter(cfg *config.Config, limits middleware.RateLimitConfig, prefix string) middleware.Limiter {
	if !cfg.Security.RateLimiting.Enabled {
		return nil
	}
	if bg.redisClient != nil {
		return middleware.NewRedisRateLimiter(bg.redisClient, limits, prefix)
	}
	rl := middleware.NewRateLimiter(limits)
	bg.rateLimiters = append(bg.rateLimiters, rl)
	return rl
}

// healthCheckHandler returns the liveness status of the service
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the credential store can serve lookups.
func readinessHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
