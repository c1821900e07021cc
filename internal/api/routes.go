package api

import (
	"github.com/gin-gonic/gin"

	"github.com/brackendns/clientd/internal/api/handlers"
	"github.com/brackendns/clientd/internal/api/middleware"
	"github.com/brackendns/clientd/internal/config"
)

// RegisterRoutes wires the operator-facing surface: health and stats only.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
}
