package http

import (
	"github.com/gin-gonic/gin"

	"github.com/listkit/gtm-backend/internal/http/handlers"
	"github.com/listkit/gtm-backend/internal/http/middleware"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	CustomerHandler *handlers.CustomerHandler
	MetricsHandler  *handlers.MetricsHandler
	SyncHandler     *handlers.SyncHandler
	AlertHandler    *handlers.AlertHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLogger(cfg.Log))

	r.GET("/healthcheck", handlers.HealthCheck)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/customers", cfg.CustomerHandler.List)
		v1.GET("/customers/:email", cfg.CustomerHandler.Get)
		v1.GET("/customers/:email/alerts", cfg.CustomerHandler.ListAlerts)

		v1.GET("/metrics/summary", cfg.MetricsHandler.Summary)

		v1.GET("/sync/runs", cfg.SyncHandler.ListRuns)
		v1.POST("/sync/trigger", cfg.SyncHandler.Trigger)

		v1.POST("/alerts/:id/acknowledge", cfg.AlertHandler.Acknowledge)
	}

	return r
}
