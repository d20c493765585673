// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"milltrack/internal/domain/batch"
	"milltrack/internal/domain/flow"
	"milltrack/internal/infrastructure/http/v1/handlers"
	"milltrack/internal/infrastructure/http/v1/middleware"
	"milltrack/internal/infrastructure/storage/postgres"
	"milltrack/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Pool is the database connection pool (for health checks).
	Pool *postgres.Pool

	// TxManager is injected into every request context by the database
	// middleware; repositories resolve it from there.
	TxManager *postgres.TxManager

	// Logger for request logging.
	Logger *logger.Logger

	// TokenValidator for JWT validation.
	TokenValidator middleware.TokenValidator

	// FlowEngine drives stage ledgers, forwarding and pools.
	FlowEngine *flow.Engine

	// BatchService drives production batches.
	BatchService *batch.Service
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	// API v1 - Database runs first so auth and handlers can reach the store,
	// then Auth populates the actor scope every repository filters on.
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.Database(cfg.TxManager))
	apiV1.Use(middleware.Auth(cfg.TokenValidator))

	baseHandler := handlers.NewBaseHandler()

	flowHandler := handlers.NewFlowHandler(baseHandler, cfg.FlowEngine)
	flowHandler.RegisterRoutes(apiV1.Group("/flow"))

	batchHandler := handlers.NewBatchHandler(baseHandler, cfg.BatchService)
	batchHandler.RegisterRoutes(apiV1.Group("/batches"))

	return router
}
