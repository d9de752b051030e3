package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portfolio/internal/api/v1/router"
	"portfolio/internal/config"
	"portfolio/internal/feed"
	"portfolio/internal/guestbook"
	"portfolio/internal/logger"
	"portfolio/internal/model"
	"portfolio/internal/realtime"
	"portfolio/internal/repository"

	"github.com/joho/godotenv"
)

func main() {
	log := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Open DB connection
	pool, err := router.OpenDB(ctx, cfg, log)
	if err != nil {
		log.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer pool.Close()

	// 3. Build the change feed and start the guestbook
	f, err := feed.New(ctx, cfg, pool, log)
	if err != nil {
		log.Fatal().Msgf("Failed to build change feed: %v", err)
	}
	defer f.Close()

	client := realtime.NewClient[model.GuestbookEntry](f.Transport,
		realtime.WithPolicy(feed.Policy(cfg)),
		realtime.WithLogger(logger.Component(log, "realtime")),
	)
	book := guestbook.New(repository.NewGuestbookRepo(pool), client, logger.Component(log, "guestbook"),
		guestbook.WithEnrichTimeout(cfg.EnrichTimeout()),
	)
	if err := book.Start(ctx); err != nil {
		log.Fatal().Msgf("Failed to start guestbook: %v", err)
	}
	defer book.Stop()

	// 4. Build router
	r := router.New(cfg, log, router.Deps{Pool: pool, Guestbook: book, Publisher: f.Publisher})

	// 5. Create HTTP server. WriteTimeout stays unset so streams are not cut.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 6. Start server in a goroutine
	go func() {
		log.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Msgf("Listen: %s\n", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received, exiting...")

	// Stopping the guestbook first ends open streams.
	book.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("Server forced to shutdown: %v", err)
	}
	log.Info().Msg("Server shut down gracefully")
}
