/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server is the HTTP transport adapter over the player and relay
// cores: the audio streaming endpoint, the player control surface, and the
// websocket state push.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/models"
	"github.com/friendsincode/clubcast/internal/player"
	"github.com/friendsincode/clubcast/internal/relay"
	"github.com/friendsincode/clubcast/internal/telemetry"
)

// PlayerService is the slice of the playback controller the transport
// layer needs. *player.Controller satisfies it.
type PlayerService interface {
	Play(ctx context.Context, song models.Song) error
	TogglePause(ctx context.Context) (bool, error)
	Seek(ctx context.Context, percent float64) error
	SetLoopMode(ctx context.Context, mode int) error
	SetPitch(ctx context.Context, semitones int) (int, error)
	SetVolume(ctx context.Context, volume float64) error
	Snapshot() player.Session
	State(ctx context.Context) player.PlayerState
}

// Server bundles the HTTP surface and its collaborators.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	router  chi.Router
	metrics *telemetry.Metrics
	bus     *events.Bus

	player PlayerService
	engine *relay.Engine

	httpServer *http.Server
}

// New constructs the server and wires routes.
func New(cfg *config.Config, playerSvc PlayerService, engine *relay.Engine, bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	// Skip the request timeout for long-running connections.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" || strings.HasPrefix(r.URL.Path, "/stream") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "http").Logger(),
		router:  router,
		metrics: metrics,
		bus:     bus,
		player:  playerSvc,
		engine:  engine,
	}
	s.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Streaming handlers manage their own lifetimes; the middleware
		// timeout covers the control routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// Router exposes the chi router, used by tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Get("/stream", s.handleStream)
	s.router.Get("/ws", s.handleStateSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Post("/play", s.handlePlay)
		r.Post("/pause", s.handlePause)
		r.Post("/seek", s.handleSeek)
		r.Post("/loop", s.handleLoop)
		r.Post("/pitch", s.handlePitch)
		r.Post("/volume", s.handleVolume)
	})
}
