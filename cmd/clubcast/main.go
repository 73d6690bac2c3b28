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
	"github.com/spf13/cobra"

	"github.com/friendsincode/clubcast/internal/config"
	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/logging"
	"github.com/friendsincode/clubcast/internal/models"
	"github.com/friendsincode/clubcast/internal/player"
	"github.com/friendsincode/clubcast/internal/relay"
	"github.com/friendsincode/clubcast/internal/server"
	"github.com/friendsincode/clubcast/internal/telemetry"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "clubcast",
	Short: "Clubcast - playback control and audio relay service",
	Long:  "Clubcast drives an external mpv playback process and relays the transcoded audio to any number of HTTP listeners.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Clubcast server",
	Long:  "Start the HTTP control surface, the relay engine and the playback watchdog loops",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Msg("Clubcast starting")

	bus := events.NewBus()
	metrics := telemetry.New()

	controller := player.New(cfg, bus, metrics, logger)
	controller.SetTrackEndHook(func(song models.Song) {
		logger.Info().Str("title", song.Title).Msg("track finished, waiting for next play command")
	})

	source := relay.NewSource(cfg, logger)
	pool := relay.NewPool(bus, metrics, logger)
	engine := relay.NewEngine(cfg, source, pool, bus, metrics, logger)

	srv := server.New(cfg, controller, engine, bus, metrics, logger)
	httpServer := srv.HTTPServer()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go engine.Run(bgCtx)
	go engine.RunKeepAlive(bgCtx)
	go engine.RunSweep(bgCtx)
	go controller.RunEndOfTrackLoop(bgCtx, player.DefaultPollInterval)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	bgCancel()
	controller.Close()

	logger.Info().Msg("Clubcast stopped")
	return nil
}
