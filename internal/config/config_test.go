package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_CONNECTION_STRING", "postgres://localhost:5432/portfolio")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REALTIME_URL", "ws://localhost:4000/realtime/v1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, TransportPhoenix, cfg.FeedTransport)
	assert.Equal(t, 5, cfg.RealtimeMaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffInitial())
	assert.Equal(t, 30*time.Second, cfg.BackoffMax())
	assert.Equal(t, 2*time.Second, cfg.TimeoutRetry())
	assert.Equal(t, 10*time.Second, cfg.JoinTimeout())
	assert.Equal(t, 5*time.Second, cfg.EnrichTimeout())
	assert.Equal(t, "changes-", cfg.PubSubPrefix)
}

func TestLoadMissingRequired(t *testing.T) {
	// t.Setenv restores the previous values once the test ends.
	t.Setenv("DB_CONNECTION_STRING", "")
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("DB_CONNECTION_STRING")
	os.Unsetenv("JWT_SECRET")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadTransportValidation(t *testing.T) {
	tests := []struct {
		name      string
		transport string
		env       map[string]string
		wantErr   bool
	}{
		{name: "phoenix without url", transport: TransportPhoenix, env: map[string]string{"REALTIME_URL": ""}, wantErr: true},
		{name: "pgnotify", transport: TransportPGNotify},
		{name: "pubsub without project", transport: TransportPubSub, wantErr: true},
		{name: "pubsub with project", transport: TransportPubSub, env: map[string]string{"GCP_PROJECT_ID": "demo"}},
		{name: "unknown", transport: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("GCP_PROJECT_ID", "")
			t.Setenv("FEED_TRANSPORT", tt.transport)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
