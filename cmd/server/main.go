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

	router "github.com/StealthOrc/cult-pardy-sub000/internal/adapters/http"
	"github.com/StealthOrc/cult-pardy-sub000/internal/config"
	"github.com/StealthOrc/cult-pardy-sub000/internal/identity"
	"github.com/StealthOrc/cult-pardy-sub000/internal/lobby"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store := identity.NewMemoryStore()
	dir := lobby.NewDirectory(ctx, lobby.Config{
		MaxUserConnections: cfg.MaxUserConnections,
		BuzzerGrace:        cfg.BuzzerGrace,
		MediaDebounce:      cfg.MediaDebounce,
	}, store, cfg.LobbyIdleTTL)

	r := router.SetupRouter(ctx, cfg, dir, store)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("cult-pardy server started")
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
	dir.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
