// Package main is the entry point for the agent CRM credential server binary.
// It dispatches four subcommands (serve, migrate, issue-key, version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command runs auto-migration on startup so freshly deployed containers
// never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Deepak8858/agent-crm/internal/api"
	"github.com/Deepak8858/agent-crm/internal/audit"
	"github.com/Deepak8858/agent-crm/internal/config"
	"github.com/Deepak8858/agent-crm/internal/db"
	"github.com/Deepak8858/agent-crm/internal/db/repositories"
	"github.com/Deepak8858/agent-crm/internal/safego"
	"github.com/Deepak8858/agent-crm/internal/services"
	"github.com/Deepak8858/agent-crm/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}
	if command == "version" {
		fmt.Printf("Agent CRM credential service v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, args[1])
	case "issue-key":
		if len(args) < 3 {
			return fmt.Errorf("usage: %s issue-key <name> <scope,scope,...> [ttl]", os.Args[0])
		}
		ttl := ""
		if len(args) > 3 {
			ttl = args[3]
		}
		return issueKey(cfg, args[1], args[2], ttl)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, issue-key, version", command)
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinIdleConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

func serve(cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("database config",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database")

	telemetry.StartDBStatsCollector(ctx, database.DB, cfg.Telemetry.DBStatsInterval)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", version, "dirty", dirty)
	}

	// Live log-level changes without a restart. Other settings need one.
	if configPath != "" {
		if err := config.Watch(configPath, func(updated *config.Config) {
			telemetry.SetLogLevel(updated.Logging.Level)
			slog.Info("configuration reloaded", "log_level", updated.Logging.Level)
		}); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	var shipper audit.Shipper
	multi, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	if multi.Len() > 0 {
		shipper = multi
		slog.Info("usage event shipping enabled", "shippers", multi.Len())
	}
	defer func() {
		if err := multi.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}()

	router, bgServices := api.NewRouter(cfg, database, shipper)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	safego.Go(func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"tls", cfg.Security.TLS.Enabled,
			"rate_limiting", cfg.Security.RateLimiting.Enabled,
			"redis", cfg.Redis.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// issueKey bootstraps a key straight into the database, typically the first admin:write
// key. The raw token is printed once to stdout and never logged.
func issueKey(cfg *config.Config, name, scopeList, ttl string) error {
	expiresAt, err := parseTTL(ttl, time.Now())
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	svc := services.NewAPIKeyService(
		repositories.NewAPIKeyRepository(database),
		repositories.NewAPIKeyUsageRepository(database),
		cfg.Auth.APIKeys.Namespace,
		cfg.Auth.APIKeys.BcryptCost,
	)
	issued, err := svc.Issue(ctx, services.IssueRequest{
		Name:      name,
		Scopes:    splitScopes(scopeList),
		ExpiresAt: expiresAt,
		CreatedBy: "cli",
	})
	if err != nil {
		return fmt.Errorf("failed to issue api key: %w", err)
	}

	fmt.Printf("API key issued: %s (id %s)\n", issued.Key.Name, issued.Key.ID)
	fmt.Printf("Scopes:  %s\n", strings.Join(issued.Key.Scopes, ", "))
	if issued.Key.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", issued.Key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("\n  %s\n\nStore it now. It cannot be shown again.\n", issued.Token)
	return nil
}

func splitScopes(list string) []string {
	var scopes []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// parseTTL accepts Go durations ("720h") and whole days ("90d"). Empty means no expiry.
func parseTTL(ttl string, now time.Time) (*time.Time, error) {
	if ttl == "" {
		return nil, nil
	}

	var d time.Duration
	if days, ok := strings.CutSuffix(ttl, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl %q: %w", ttl, err)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(ttl); err != nil {
			return nil, fmt.Errorf("invalid ttl %q: %w", ttl, err)
		}
	}
	if d <= 0 {
		return nil, fmt.Errorf("invalid ttl %q: must be positive", ttl)
	}

	t := now.Add(d).UTC()
	return &t, nil
}
