package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"portfolio/internal/api/v1/router"
	"portfolio/internal/config"
	"portfolio/internal/feed"
	"portfolio/internal/logger"
	"portfolio/internal/realtime"
	"portfolio/internal/realtime/pgnotify"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// feedwatch tails a table's change feed and logs every event and status change.
func main() {
	table := flag.String("table", "guestbook", "Table to watch")
	installTrigger := flag.Bool("install-trigger", false, "Install the notify trigger on the table first (pgnotify transport)")
	flag.Parse()

	log := logger.New()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.FeedTransport == config.TransportPGNotify || *installTrigger {
		pool, err = router.OpenDB(ctx, cfg, log)
		if err != nil {
			log.Fatal().Msgf("Failed to open DB connection: %v", err)
		}
		defer pool.Close()
	}

	if *installTrigger {
		if err := pgnotify.InstallTrigger(ctx, pool, *table); err != nil {
			log.Fatal().Msgf("Failed to install trigger: %v", err)
		}
		log.Info().Str("table", *table).Str("channel", pgnotify.ChannelName(*table)).Msg("Notify trigger installed")
	}

	f, err := feed.New(ctx, cfg, pool, log)
	if err != nil {
		log.Fatal().Msgf("Failed to build change feed: %v", err)
	}
	defer f.Close()

	events := logger.Component(log, "events")
	client := realtime.NewClient[map[string]any](f.Transport,
		realtime.WithPolicy(feed.Policy(cfg)),
		realtime.WithLogger(logger.Component(log, "realtime")),
	)
	conn, err := client.Connect(ctx, realtime.Subscription[map[string]any]{
		Table: *table,
		OnInsert: func(row map[string]any) error {
			events.Info().Interface("row", row).Msg("INSERT")
			return nil
		},
		OnUpdate: func(row map[string]any) error {
			events.Info().Interface("row", row).Msg("UPDATE")
			return nil
		},
		OnDelete: func(key realtime.Key) error {
			events.Info().Str("id", key.ID).Msg("DELETE")
			return nil
		},
		OnError: func(err error) {
			events.Warn().Err(err).Msg("Feed error")
		},
		OnStatus: func(s realtime.Status) {
			events.Info().Stringer("status", s).Msg("Status")
		},
	})
	if err != nil {
		log.Fatal().Msgf("Failed to connect: %v", err)
	}

	<-ctx.Done()
	conn.Disconnect()
	log.Info().Str("table", *table).Msg("feedwatch stopped gracefully")
}
