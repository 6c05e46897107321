// Package http exposes the registry and source router over gin.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/adapters/directory"
	"github.com/openmix/roomd/internal/adapters/events"
	"github.com/openmix/roomd/internal/adapters/renderer"
	"github.com/openmix/roomd/internal/app"
	"github.com/openmix/roomd/internal/config"
	"github.com/openmix/roomd/internal/platform/metrics"
)

type Deps struct {
	Registry  *app.Registry
	Sources   *app.SourceRouter
	Renderer  *renderer.Renderer
	Directory *directory.Client
	Metrics   *metrics.Metrics
	Hub       *events.Hub
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}

	h := NewHandlers(cfg, deps)

	r.POST("/room", h.CreateRoom)
	r.GET("/rooms", h.ListRooms)
	r.GET("/room/:roomId", h.GetRoom)
	r.POST("/room/:roomId", h.MutateRoom)
	r.DELETE("/room/:roomId", h.DeleteRoom)
	r.POST("/room/:roomId/input", h.AddInput)
	r.PATCH("/room/:roomId/input/:inputId", h.PatchInput)
	r.DELETE("/room/:roomId/input/:inputId", h.RemoveInput)
	r.POST("/room/:roomId/input/:inputId/whip", h.WhipOffer)
	r.POST("/room/:roomId/input/:inputId/whip/ack", h.WhipAck)
	r.POST("/room/:roomId/input/:inputId/game-state", h.GameStateScoped)
	r.POST("/game-state", h.GameState)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler(func() {
			deps.Metrics.SetActiveRooms(deps.Registry.Count())
			deps.Metrics.SetPendingDeleteRooms(deps.Registry.PendingDeleteCount())
		})))
	}
	if deps.Hub != nil {
		r.GET("/api/ws/events", deps.Hub.Handle)
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
