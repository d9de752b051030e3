package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"portfolio/internal/config"
	"portfolio/internal/realtime"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher forwards row changes to the change feed when the feed is not
// produced by the database itself.
type Publisher interface {
	PublishChange(ctx context.Context, table string, ev realtime.RawEvent) (string, error)
}

var _ Publisher = (*PubSubPublisher)(nil)

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
	prefix string
}

// NewClient creates a Pub/Sub client for the configured GCP project.
func NewClient(ctx context.Context, cfg *config.Config) (*pubsub.Client, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("failed to create Pub/Sub client: GCP project ID is empty")
	}
	var opts []option.ClientOption
	if cfg.GoogleCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return client, nil
}

// NewPublisher creates a PubSubPublisher that publishes table changes to
// topics named <prefix><table>.
func NewPublisher(client *pubsub.Client, prefix string) *PubSubPublisher {
	return &PubSubPublisher{client: client, prefix: prefix}
}

// TopicName returns the topic changes to table are published on.
func (p *PubSubPublisher) TopicName(table string) string {
	return p.prefix + table
}

// PublishChange publishes ev on the table's topic. Messages for one table
// share an ordering key.
func (p *PubSubPublisher) PublishChange(ctx context.Context, table string, ev realtime.RawEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s change: %w", table, err)
	}
	return p.publish(ctx, p.TopicName(table), &pubsub.Message{
		Data:        data,
		OrderingKey: table,
		Attributes:  map[string]string{"type": ev.Type, "table": table},
	})
}

func (p *PubSubPublisher) publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	t := p.client.Topic(topic)
	if msg.OrderingKey != "" {
		t.EnableMessageOrdering = true
	}
	defer t.Stop()
	result := t.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}
