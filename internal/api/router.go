package api

import (
	"github.com/gin-gonic/gin"

	"github.com/avifpress/avifpress/pkg/config"
	"github.com/avifpress/avifpress/pkg/logging"
	"github.com/avifpress/avifpress/pkg/metrics"
	"github.com/avifpress/avifpress/pkg/tracing"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, handler *Handler, m *metrics.Metrics, tracer *tracing.TracingService) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logging.GetLogger()))
	router.Use(ErrorHandlingMiddleware())
	router.Use(CORSMiddleware())
	if tracer != nil {
		router.Use(tracer.TracingMiddleware())
	}
	if m != nil {
		router.Use(m.PrometheusMiddleware())
	}

	router.POST("/convert", handler.Convert)
	router.GET("/health", handler.Health)
	router.GET("/status", handler.Status)
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
