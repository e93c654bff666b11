package main

import (
	"context"
	"net/http"
	"time"

	"clinic-paging/internal/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeOptions struct {
	// AudioDir is served under /audios. Empty disables static audio.
	AudioDir string
	Health   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, opts routeOptions) {
	r.GET("/healthz", func(c *gin.Context) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if opts.AudioDir != "" {
		r.Static("/audios", opts.AudioDir)
	}

	// Intake and queue views (reception, doctor's extension).
	call := r.Group("/call")
	{
		call.POST("", h.CreateCall)
		call.GET("", h.ListCalls)
		call.GET("/last/:sectorId", h.LastCalling)
		call.GET("/waiting/:sectorId", h.Waiting)
		call.GET("/summary/:sectorId", h.QueueSummary)
		call.POST("/retry", h.Retry)
		call.GET("/history/:callId", h.History)
	}

	r.GET("/sector", h.Directory)

	// Display panels.
	audio := r.Group("/audio")
	{
		audio.GET("/next/:sectorId", h.NextAudio)
		audio.GET("/stream/:areaId", h.StreamAudio)
		audio.POST("/finish", h.FinishAudio)
	}
}
