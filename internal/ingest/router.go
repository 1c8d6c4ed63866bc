package ingest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/austindbirch/notify_hook/internal/health"
	"github.com/austindbirch/notify_hook/internal/logging"
)

type RouterConfig struct {
	ServiceName    string
	APIPrefix      string
	TracingEnabled bool
	Auth           gin.HandlerFunc // nil leaves webhook routes open
	Registry       *prometheus.Registry
	Ready          health.Pinger
	Logger         *logging.Logger
}

// NewRouter wires the webhook, health and metrics routes
func NewRouter(h *WebhookHandler, cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(cfg.ServiceName)
	}

	router := gin.New()
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))

	liveness := gin.WrapF(health.HTTPHandler(cfg.ServiceName))
	router.GET("/health", liveness)
	router.GET("/healthz", liveness)
	router.GET("/readyz", gin.WrapF(health.ReadyHandler(cfg.Ready)))
	if cfg.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	hooks := router.Group(cfg.APIPrefix + "/webhooks")
	if cfg.Auth != nil {
		hooks.Use(cfg.Auth)
	}
	hooks.POST("/pr-opened", h.PrOpened)
	hooks.POST("/recovery-complete", h.RecoveryComplete)
	hooks.POST("/events", h.Events)

	return router
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "/health" || path == "/healthz" || path == "/metrics" {
			return
		}
		logger.WithContext(c.Request.Context()).WithFields(map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("HTTP request")
	}
}
