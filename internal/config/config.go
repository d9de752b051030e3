package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Feed transports selectable with FEED_TRANSPORT.
const (
	TransportPhoenix  = "phoenix"
	TransportPGNotify = "pgnotify"
	TransportPubSub   = "pubsub"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"production"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Change feed settings
	FeedTransport          string `envconfig:"FEED_TRANSPORT" default:"phoenix"`
	RealtimeURL            string `envconfig:"REALTIME_URL"`
	RealtimeAPIKey         string `envconfig:"REALTIME_API_KEY"`
	RealtimeAPIKeySecret   string `envconfig:"REALTIME_API_KEY_SECRET"`
	RealtimeMaxRetries     int    `envconfig:"REALTIME_MAX_RETRIES" default:"5"`
	RealtimeBackoffInitMS  int    `envconfig:"REALTIME_BACKOFF_INITIAL_MS" default:"1000"`
	RealtimeBackoffMaxMS   int    `envconfig:"REALTIME_BACKOFF_MAX_MS" default:"30000"`
	RealtimeTimeoutRetryMS int    `envconfig:"REALTIME_TIMEOUT_RETRY_MS" default:"2000"`
	RealtimeJoinTimeoutSec int    `envconfig:"REALTIME_JOIN_TIMEOUT_SEC" default:"10"`

	// Google Cloud settings, used by the pubsub transport and Secret Manager
	GCPProjectID          string `envconfig:"GCP_PROJECT_ID"`
	PubSubPrefix          string `envconfig:"PUBSUB_PREFIX" default:"changes-"`
	GoogleCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE"`

	// Guestbook settings
	EnrichTimeoutSec int `envconfig:"ENRICH_TIMEOUT_SEC" default:"5"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.FeedTransport {
	case TransportPhoenix:
		if c.RealtimeURL == "" {
			return fmt.Errorf("REALTIME_URL is required for the %s transport", c.FeedTransport)
		}
	case TransportPGNotify:
	case TransportPubSub:
		if c.GCPProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is required for the %s transport", c.FeedTransport)
		}
	default:
		return fmt.Errorf("unknown FEED_TRANSPORT %q", c.FeedTransport)
	}
	if c.RealtimeMaxRetries < 0 {
		return fmt.Errorf("REALTIME_MAX_RETRIES must not be negative")
	}
	return nil
}

// BackoffInitial returns the first channel-error retry delay.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.RealtimeBackoffInitMS) * time.Millisecond
}

// BackoffMax returns the cap on channel-error retry delays.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.RealtimeBackoffMaxMS) * time.Millisecond
}

// TimeoutRetry returns the fixed delay used after a join timeout.
func (c *Config) TimeoutRetry() time.Duration {
	return time.Duration(c.RealtimeTimeoutRetryMS) * time.Millisecond
}

func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.RealtimeJoinTimeoutSec) * time.Second
}

func (c *Config) EnrichTimeout() time.Duration {
	return time.Duration(c.EnrichTimeoutSec) * time.Second
}
