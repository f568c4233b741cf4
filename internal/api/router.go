package api

import (
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"kids-checkin-backend/config"
	"kids-checkin-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst, cfg.Server.RequestIPHeader)

	// Service lists change rarely; rosters and children are streamed instead.
	cacheStore := cache.New(cfg.Server.CacheTTL, 2*cfg.Server.CacheTTL)
	caching := mw.Cache(cacheStore, cfg.Server.CacheTTL)
	invalidate := mw.Invalidate(cacheStore)

	r.GET("/healthz", h.Health)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	api.Use(rateLimiter, invalidate)
	{
		api.GET("/children/:id", h.GetChild)
		api.PUT("/children/:id", h.UpdateChild)
		api.DELETE("/children/:id", h.DeleteChild)
		api.POST("/children", h.CreateChild)
		api.GET("/guardians/:id/children", h.ListGuardianChildren)

		api.GET("/services", caching, h.ListServices)
		api.GET("/services/:id", h.GetService)

		api.POST("/checkins", h.CheckIn)
		api.GET("/checkins", h.ListCheckIns)
		api.POST("/checkouts", h.CheckOut)

		api.POST("/requests", h.CreateRequest)
		api.GET("/requests/active", h.ActiveRequests)
		api.POST("/requests/sweep", h.SweepRequests)
		api.GET("/requests/:token", h.LookupRequest)
		api.POST("/requests/:token/approve", h.ApproveRequest)
		api.POST("/requests/:token/reject", h.RejectRequest)

		api.GET("/stream/:kind/:id", h.Stream)
		api.POST("/stream/:kind/:id/refresh", h.Refresh)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
