package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/adapters/directory"
	"github.com/openmix/roomd/internal/adapters/events"
	router "github.com/openmix/roomd/internal/adapters/http"
	"github.com/openmix/roomd/internal/adapters/renderer"
	"github.com/openmix/roomd/internal/app"
	"github.com/openmix/roomd/internal/config"
	"github.com/openmix/roomd/internal/domain"
	"github.com/openmix/roomd/internal/platform/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	m := metrics.New()
	hub := events.NewHub()
	rend := renderer.New(cfg.PublicBaseURL)

	registry := app.NewRegistry(rend, app.Limits{
		SoftLimit:         cfg.Rooms.SoftLimit,
		HardLimit:         cfg.Rooms.HardLimit,
		GraceDelay:        cfg.Rooms.GraceDelay,
		InactivityTimeout: cfg.Rooms.InactivityTimeout,
		WhipStaleTTL:      cfg.Whip.StaleTTL,
		SweepInterval:     cfg.Rooms.SweepInterval,
		DefaultResolution: domain.Resolution(cfg.Resolution),
	})
	sources := app.NewSourceRouter(registry, cfg.Game.SourceTimeout, app.StickyPolicy{})

	sink := func(e app.Event) {
		hub.Publish(e)
		switch e.Kind {
		case app.EventRoomCreated:
			m.IncRoomsCreated()
		case app.EventRoomDeleted:
			m.IncRoomsEvicted(e.Reason)
		case app.EventInputReaped:
			m.IncInputsReaped()
		}
	}
	registry.SetEventSink(sink)
	sources.SetEventSink(sink)

	var dir *directory.Client
	if cfg.DirectoryURL != "" {
		dir = directory.NewClient(cfg.DirectoryURL)
	}

	go registry.Run(ctx)

	// media-flow events stand in for explicit heartbeats
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-rend.Events():
				if room, err := registry.GetRoom(ev.Room); err == nil {
					_ = room.TouchInput(ev.Input)
				}
			}
		}
	}()

	r := router.SetupRouter(cfg, router.Deps{
		Registry:  registry,
		Sources:   sources,
		Renderer:  rend,
		Directory: dir,
		Metrics:   m,
		Hub:       hub,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("roomd server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
