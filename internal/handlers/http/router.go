package http

import (
	"net/http"
	"time"

	"fleetdesk/internal/infrastructure/middleware"
	"fleetdesk/internal/infrastructure/monitoring"
	"fleetdesk/pkg/config"
	"fleetdesk/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config   *config.Config
	Agents   *AgentHandler
	Sessions *SessionHandler
	Health   *monitoring.HealthChecker
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter assembles the operator API.
func NewRouter(deps RouterDeps) *gin.Engine {
	sugar := deps.Logger.Sugar()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.RequestLogMiddleware(logger.NewContextLogger(deps.Logger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(sugar),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now().UTC(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := deps.Health.GetReadinessStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api/v1", middleware.NewHTTPRateLimitMiddleware(deps.Config))
	deps.Agents.SetupRoutes(api)
	deps.Sessions.SetupRoutes(api)
	return router
}
