package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"portfolio/internal/realtime"
)

// Transport receives row changes from per-table Pub/Sub subscriptions named
// <prefix><table>.
type Transport struct {
	client *pubsub.Client
	prefix string
	logger zerolog.Logger
}

func NewTransport(client *pubsub.Client, prefix string, logger zerolog.Logger) *Transport {
	return &Transport{client: client, prefix: prefix, logger: logger}
}

func (t *Transport) SubscriptionName(table string) string {
	return t.prefix + table
}

// Subscribe starts receiving from the table's subscription. The subscription
// must already exist.
func (t *Transport) Subscribe(ctx context.Context, table string, cb realtime.Callbacks) (realtime.Channel, error) {
	name := t.SubscriptionName(table)
	sub := t.client.Subscription(name)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("subscription %s does not exist", name)
	}
	// One message at a time keeps per-table ordering.
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	recvCtx, cancel := context.WithCancel(ctx)
	ch := &channel{
		name:   name,
		cb:     cb,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: t.logger.With().Str("subscription", name).Logger(),
	}
	cb.OnState(realtime.ChannelSubscribed, nil)
	go ch.receive(recvCtx, sub)
	return ch, nil
}

type channel struct {
	name   string
	cb     realtime.Callbacks
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	mu       sync.Mutex
	released bool
}

func (c *channel) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(c.done)

	err := sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		ev, err := DecodeMessage(m.Data)
		if err != nil {
			c.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Dropping malformed change message")
			m.Ack()
			return
		}
		c.cb.OnEvent(ev)
		m.Ack()
	})

	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return
	}
	if err != nil {
		c.cb.OnState(realtime.ChannelErrored, fmt.Errorf("receive from %s: %w", c.name, err))
		return
	}
	c.cb.OnState(realtime.ChannelClosed, nil)
}

// Unsubscribe stops receiving. Done is closed once Receive has returned.
func (c *channel) Unsubscribe() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.released = true
		c.mu.Unlock()
		c.cancel()
	})
	return nil
}

func (c *channel) Done() <-chan struct{} {
	return c.done
}

// DecodeMessage parses a published change.
func DecodeMessage(data []byte) (realtime.RawEvent, error) {
	var ev realtime.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode change message: %w", err)
	}
	if ev.Type == "" || ev.Table == "" {
		return ev, fmt.Errorf("change message is missing type or table")
	}
	return ev, nil
}
