// Package feed builds the change-feed transport selected by configuration.
package feed

import (
	"context"
	"fmt"

	"portfolio/internal/config"
	"portfolio/internal/pubsub"
	"portfolio/internal/realtime"
	"portfolio/internal/realtime/pgnotify"
	"portfolio/internal/realtime/phoenix"
	"portfolio/internal/service"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Feed is a configured transport plus whatever it needs released on shutdown.
type Feed struct {
	Transport realtime.Transport
	// Publisher is set when writes must be forwarded to the feed, i.e. for the
	// pubsub transport.
	Publisher pubsub.Publisher
	closers   []func() error
}

func (f *Feed) Close() error {
	var firstErr error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Policy maps the retry settings onto a realtime.Policy.
func Policy(cfg *config.Config) realtime.Policy {
	return realtime.Policy{
		MaxRetries:     cfg.RealtimeMaxRetries,
		InitialBackoff: cfg.BackoffInitial(),
		MaxBackoff:     cfg.BackoffMax(),
		TimeoutDelay:   cfg.TimeoutRetry(),
	}
}

// New builds the transport named by cfg.FeedTransport. pool is used by the
// pgnotify transport.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*Feed, error) {
	logger = logger.With().Str("transport", cfg.FeedTransport).Logger()

	switch cfg.FeedTransport {
	case config.TransportPhoenix:
		apiKey, err := realtimeAPIKey(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Feed{Transport: phoenix.New(phoenix.Config{
			URL:         cfg.RealtimeURL,
			APIKey:      apiKey,
			JoinTimeout: cfg.JoinTimeout(),
			Logger:      logger,
		})}, nil

	case config.TransportPGNotify:
		if pool == nil {
			return nil, fmt.Errorf("the %s transport needs a database pool", cfg.FeedTransport)
		}
		return &Feed{Transport: pgnotify.New(pool, logger)}, nil

	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Feed{
			Transport: pubsub.NewTransport(client, cfg.PubSubPrefix, logger),
			Publisher: pubsub.NewPublisher(client, cfg.PubSubPrefix),
			closers:   []func() error{closeClient(client)},
		}, nil
	}
	return nil, fmt.Errorf("unknown FEED_TRANSPORT %q", cfg.FeedTransport)
}

func closeClient(c *gpubsub.Client) func() error {
	return c.Close
}

func realtimeAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.RealtimeAPIKey != "" || cfg.RealtimeAPIKeySecret == "" {
		return cfg.RealtimeAPIKey, nil
	}
	secrets, err := service.NewSecretManagerService(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer secrets.Close()
	return service.ResolveRealtimeAPIKey(ctx, cfg, secrets)
}
