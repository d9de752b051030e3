package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"portfolio/internal/config"
	"portfolio/internal/realtime"

	ps "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientInvalidProject(t *testing.T) {
	cfg := &config.Config{GCPProjectID: ""}
	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

func TestDecodeMessage(t *testing.T) {
	ev, err := DecodeMessage([]byte(`{"type":"INSERT","table":"guestbook","record":{"id":"m1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "INSERT", ev.Type)
	assert.JSONEq(t, `{"id":"m1"}`, string(ev.Record))

	_, err = DecodeMessage([]byte(`{"type":"INSERT"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`nope`))
	assert.Error(t, err)
}

func emulatorClient(t *testing.T) *ps.Client {
	t.Helper()
	if os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		t.Skip("PUBSUB_EMULATOR_HOST is not set, skip emulator integration test")
	}
	client, err := NewClient(context.Background(), &config.Config{GCPProjectID: "test-project"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishWithEmulator(t *testing.T) {
	client := emulatorClient(t)
	ctx := context.Background()
	pub := NewPublisher(client, "test-")

	topic, err := client.CreateTopic(ctx, pub.TopicName("notes"))
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "test-sub", ps.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	msgID, err := pub.PublishChange(ctx, "notes", realtime.RawEvent{
		Type:   "INSERT",
		Table:  "notes",
		Record: []byte(`{"id":"n1"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c := make(chan *ps.Message, 1)
	go func() {
		sub.Receive(recvCtx, func(ctx context.Context, m *ps.Message) {
			c <- m
			m.Ack()
			cancel()
		})
	}()

	select {
	case m := <-c:
		assert.Equal(t, "notes", m.OrderingKey)
		assert.Equal(t, map[string]string{"type": "INSERT", "table": "notes"}, m.Attributes)
		ev, err := DecodeMessage(m.Data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"n1"}`, string(ev.Record))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from emulator subscription")
	}
}

func TestTransportWithEmulator(t *testing.T) {
	client := emulatorClient(t)
	ctx := context.Background()
	pub := NewPublisher(client, "feed-")
	tr := NewTransport(client, "feed-", zerolog.Nop())

	_, err := tr.Subscribe(ctx, "missing", realtime.Callbacks{
		OnEvent: func(realtime.RawEvent) {},
		OnState: func(realtime.ChannelState, error) {},
	})
	assert.ErrorContains(t, err, "does not exist")

	topic, err := client.CreateTopic(ctx, pub.TopicName("guestbook"))
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, tr.SubscriptionName("guestbook"), ps.SubscriptionConfig{
		Topic:                 topic,
		EnableMessageOrdering: true,
	})
	require.NoError(t, err)

	events := make(chan realtime.RawEvent, 4)
	states := make(chan realtime.ChannelState, 4)
	ch, err := tr.Subscribe(ctx, "guestbook", realtime.Callbacks{
		OnEvent: func(ev realtime.RawEvent) { events <- ev },
		OnState: func(s realtime.ChannelState, _ error) { states <- s },
	})
	require.NoError(t, err)
	assert.Equal(t, realtime.ChannelSubscribed, <-states)

	_, err = pub.PublishChange(ctx, "guestbook", realtime.RawEvent{
		Type:      "DELETE",
		Table:     "guestbook",
		OldRecord: []byte(`{"id":"m1"}`),
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "DELETE", ev.Type)
		assert.JSONEq(t, `{"id":"m1"}`, string(ev.OldRecord))
	case <-time.After(10 * time.Second):
		t.Fatal("no change received")
	}

	require.NoError(t, ch.Unsubscribe())
	select {
	case <-ch.(*channel).Done():
	case <-time.After(10 * time.Second):
		t.Fatal("receive loop did not stop")
	}
	assert.Empty(t, states)
}
