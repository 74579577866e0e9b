package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orafinite/backend/internal/api"
	"github.com/orafinite/backend/internal/auditlog"
	"github.com/orafinite/backend/internal/auth"
	"github.com/orafinite/backend/internal/config"
	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/metrics"
	"github.com/orafinite/backend/internal/mlgateway"
	"github.com/orafinite/backend/internal/orchestrator"
	"github.com/orafinite/backend/internal/ratelimit"
	"github.com/orafinite/backend/internal/redisx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		if err := db.Migrate(dir); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("✅ Migrations applied from %s", dir)
	}

	// Redis
	redis, err := redisx.NewGoRedisAdapter(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Credential sealer
	sealer, err := crypto.NewSealer(cfg.EncryptionKey, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to initialize credential sealer: %v", err)
	}

	m := metrics.New()

	// ML sidecar gateway with circuit breaker
	gateway := mlgateway.NewGateway(cfg.MLSidecarURL, mlgateway.GatewayOptions{
		ClientTTL:        time.Duration(cfg.Tuning.Guard.ClientCacheTTLs) * time.Second,
		FailureThreshold: uint32(cfg.Tuning.Guard.BreakerThreshold),
		ResetTimeout:     time.Duration(cfg.Tuning.Guard.BreakerResetSecs) * time.Second,
	})
	log.Printf("🔌 ML sidecar gateway targeting %s", cfg.MLSidecarURL)

	// Async audit log writer
	audit := auditlog.NewWriter(db, redis, auditlog.Options{
		Capacity:      cfg.Tuning.Guard.BufferCapacity,
		BatchSize:     cfg.Tuning.Guard.BatchSize,
		FlushInterval: time.Duration(cfg.Tuning.Guard.FlushIntervalMs) * time.Millisecond,
		OnDrop:        func() { m.AuditLogDropped.Inc() },
	})
	defer audit.Close()

	// HTTP server
	srv := api.NewServer(api.Config{
		DB:                 db,
		Redis:              redis,
		Authenticator:      auth.New(db),
		Limiter:            ratelimit.New(redis),
		Sidecar:            gateway,
		BreakerState:       gateway.BreakerState,
		PromptCache:        mlgateway.NewPromptCache(redis, time.Duration(cfg.Tuning.Guard.PromptCacheTTLs)*time.Second),
		AuditWriter:        audit,
		Metrics:            m,
		Sealer:             sealer,
		AllowedOrigins:     cfg.FrontendURLs,
		MaxConcurrentScans: cfg.Tuning.Scan.MaxConcurrentScans,
	})

	// Live event fan-out
	stopHub, err := srv.Hub().Start(ctx, redis)
	if err != nil {
		log.Fatalf("Failed to subscribe to the event channel: %v", err)
	}
	defer stopHub()

	// Scan orchestrator
	orch := orchestrator.New(db, gateway, sealer, orchestrator.Options{
		MaxConcurrent:   cfg.Tuning.Scan.MaxConcurrentScans,
		PollInterval:    time.Duration(cfg.Tuning.Scan.PollIntervalSeconds) * time.Second,
		MaxPollFailures: cfg.Tuning.Scan.MaxConsecutiveFailures,
	})
	go orch.Run(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Orafinite API starting on %s", cfg.Server.Addr())
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
