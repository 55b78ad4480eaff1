// Package httpapi exposes the synchronizers over HTTP for the admin console.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"propsync/internal/config"
	"propsync/internal/propsync"
)

// Catalog resolves entity kinds to their synchronizers.
type Catalog interface {
	Kinds() []string
	Synchronizer(kind string) (*propsync.Synchronizer, error)
	Health() *propsync.HealthMonitor
}

// NewRouter builds the gin engine serving /api/v1.
func NewRouter(catalog Catalog, cfg config.ServerConfig, logger propsync.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(logger))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins))
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		r.Use(RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}

	h := &handler{catalog: catalog, logger: logger}

	api := r.Group("/api/v1")
	api.GET("/health", h.health)

	kind := api.Group("/:kind", h.resolveKind)
	kind.GET("", h.list)
	kind.POST("", h.save)
	kind.GET("/stream", h.stream)
	kind.POST("/seed", h.seed)
	kind.GET("/:id", h.get)
	kind.PATCH("/:id", h.update)
	kind.DELETE("/:id", h.delete)

	return r
}
