// Package main is the entry point for the milltrack API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"milltrack/internal/domain/batch"
	"milltrack/internal/domain/flow"
	v1 "milltrack/internal/infrastructure/http/v1"
	"milltrack/internal/infrastructure/identity"
	"milltrack/internal/infrastructure/storage/postgres"
	"milltrack/internal/infrastructure/storage/postgres/batch_repo"
	"milltrack/internal/infrastructure/storage/postgres/flow_repo"
	"milltrack/pkg/logger"
	"milltrack/pkg/numerator"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting milltrack server")

	// --- Database ---
	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txManager := postgres.NewTxManager(pool)

	// --- JWT ---
	jwtSecret := getEnv("JWT_SECRET", "your-secret-key-change-in-production")
	jwtService := identity.NewJWTService(identity.DefaultJWTConfig(jwtSecret))

	// --- Flow engine ---
	// Repos resolve the TxManager from request context, injected by the
	// database middleware.
	auditStore, err := postgres.NewFlowAuditStore(txManager, log)
	if err != nil {
		log.Fatalw("failed to create audit store", "error", err)
	}

	flowEngine := flow.NewEngine(
		flow_repo.NewLedgerRepo(),
		flow_repo.NewPoolRepo(),
		flow_repo.NewStepRepo(),
		auditStore,
		log,
	)

	// --- Batch service ---
	numbers := numerator.New(pool)

	rules, err := batch.NewRuleEvaluator()
	if err != nil {
		log.Fatalw("failed to create rule evaluator", "error", err)
	}

	batchService := batch.NewService(batch_repo.NewRepo(), numbers, rules, log)

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Pool:           pool,
		TxManager:      txManager,
		Logger:         log,
		TokenValidator: jwtService,
		FlowEngine:     flowEngine,
		BatchService:   batchService,
	})

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}
