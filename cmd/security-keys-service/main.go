// Package main is the entry point for the Security Keys Service.
// It exposes WebAuthn registration, passwordless login and step-up
// verification ceremonies over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/20c/security-keys/internal/common/config"
	"github.com/20c/security-keys/internal/common/database"
	"github.com/20c/security-keys/internal/common/health"
	"github.com/20c/security-keys/internal/common/logger"
	"github.com/20c/security-keys/internal/common/middleware"
	"github.com/20c/security-keys/internal/common/shutdown"
	"github.com/20c/security-keys/internal/securitykeys"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Initialize logger
	log := logger.WithService(logger.New(), "security-keys-service")
	defer log.Sync()

	log.Info("Starting Security Keys Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	// Load configuration
	cfg, err := config.Load("security-keys-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg.LogSecurityWarnings(log)

	// Initialize database connection
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := securitykeys.InitializeSchema(schemaCtx, db.Pool); err != nil {
		cancelSchema()
		log.Fatal("Failed to initialize database schema", zap.Error(err))
	}
	cancelSchema()

	// Initialize Redis connection
	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.RequestID())
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.CORS(cfg.WebAuthn.RPOrigins))
	router.Use(middleware.CSRFProtection(middleware.CSRFConfig{
		Enabled:            true,
		TrustedDomain:      cfg.WebAuthn.RPID,
		SessionCookieNames: []string{cfg.SessionCookieName},
	}, log))
	if cfg.EnableRateLimit {
		router.Use(middleware.DistributedRateLimit(redis.Client, middleware.RateLimitConfig{
			Requests:     cfg.RateLimitRequests,
			Window:       time.Duration(cfg.RateLimitWindow) * time.Second,
			AuthRequests: cfg.RateLimitRequests / 10,
			AuthWindow:   time.Duration(cfg.RateLimitWindow) * time.Second,
		}, log))
	}
	router.Use(middleware.PrometheusMetrics("security-keys-service"))

	// Metrics endpoint
	router.GET("/metrics", middleware.MetricsHandler())

	// Wire the ceremony service
	store := securitykeys.NewPostgresStore(db.Pool, log)
	sessions := securitykeys.NewRedisSessionStore(redis.Client,
		time.Duration(cfg.WebAuthn.Timeout)*time.Second, 24*time.Hour)

	svcCfg := &securitykeys.Config{
		RPDisplayName:            cfg.WebAuthn.RPName,
		RPID:                     cfg.WebAuthn.RPID,
		RPOrigins:                cfg.WebAuthn.RPOrigins,
		Attestation:              cfg.WebAuthn.Attestation,
		Timeout:                  time.Duration(cfg.WebAuthn.Timeout) * time.Second,
		UserVerification:         cfg.WebAuthn.UserVerification,
		HandleMaxAttempts:        cfg.WebAuthn.HandleMaxAttempts,
		RetainChallengeOnFailure: cfg.WebAuthn.RetainChallengeOnFailure,
	}

	service, err := securitykeys.NewService(svcCfg, store, sessions, log)
	if err != nil {
		log.Fatal("Failed to initialize ceremony service", zap.Error(err))
	}

	gate := securitykeys.NewStepUpGate(service,
		[]byte(cfg.StepUpTokenSecret),
		time.Duration(cfg.StepUpTokenTTL)*time.Second,
		log)

	handlers := securitykeys.NewHandlers(service, gate, cfg.SessionCookieName, log)
	handlers.RegisterRoutes(router)

	// Health endpoints
	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)
	healthService.RegisterCheck(health.NewPostgresChecker(db))
	healthService.RegisterCheck(health.NewRedisChecker(redis))
	healthService.RegisterStandardRoutes(router)

	// HTTP server with graceful shutdown
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sm := shutdown.NewShutdownManager(log, 30*time.Second)
	sm.RegisterHook("redis", func(ctx context.Context) error {
		return redis.Close()
	})
	sm.RegisterHook("postgres", func(ctx context.Context) error {
		return db.Close()
	})

	if err := sm.GracefulServe("security-keys", server); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	sm.WaitForShutdown()
}
