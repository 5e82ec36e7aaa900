package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/portalscrape/api/handler"
	"github.com/use-agent/portalscrape/api/middleware"
	"github.com/use-agent/portalscrape/cache"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/models"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Guard     *guard.Guard
	Cache     *cache.Cache        // optional
	Pool      handler.PoolStatter // optional
	Metrics   http.Handler        // optional
	StartTime time.Time
}

// NewRouter creates a configured Gin engine with all routes and middleware.
// ctx bounds the rate limiter's background cleanup.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics sit outside auth so monitoring needs no key.
func NewRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	health := handler.Health(d.Pool, d.Guard, d.StartTime)
	r.GET("/", health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", health)

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	limit := cfg.Extract.DefaultLimit
	protected.GET("/call_history", handler.Extract(d.Guard, d.Cache, models.SourceCallHistory, limit))
	protected.GET("/voicemails", handler.Extract(d.Guard, d.Cache, models.SourceVoicemail, limit))
	protected.GET("/messages", handler.Extract(d.Guard, d.Cache, models.SourceChatSMS, limit))

	return r
}
