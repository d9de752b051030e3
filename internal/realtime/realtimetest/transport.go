// Package realtimetest provides an in-memory change-feed transport for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"portfolio/internal/realtime"
)

// Transport records every Subscribe call and hands out channels that tests
// drive by hand.
type Transport struct {
	mu       sync.Mutex
	channels []*Channel
	failNext []error
}

func New() *Transport {
	return &Transport{}
}

// FailNext makes the next Subscribe call return err.
func (t *Transport) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = append(t.failNext, err)
}

func (t *Transport) Subscribe(_ context.Context, table string, cb realtime.Callbacks) (realtime.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		t.channels = append(t.channels, &Channel{Table: table, unsubscribed: true})
		return nil, err
	}
	ch := &Channel{Table: table, cb: cb}
	t.channels = append(t.channels, ch)
	return ch, nil
}

// Subscribes returns how many times Subscribe was called.
func (t *Transport) Subscribes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Active returns how many channels are subscribed and not yet released.
func (t *Transport) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ch := range t.channels {
		if !ch.Unsubscribed() {
			n++
		}
	}
	return n
}

// Channel returns the channel created by the i-th Subscribe call (0-based).
func (t *Transport) Channel(i int) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.channels) {
		return nil
	}
	return t.channels[i]
}

// WaitSubscribes blocks until Subscribe was called n times and returns the
// channel from the n-th call.
func (t *Transport) WaitSubscribes(n int, timeout time.Duration) (*Channel, error) {
	deadline := time.Now().Add(timeout)
	for {
		if t.Subscribes() >= n {
			return t.Channel(n - 1), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("saw %d subscribes, want %d", t.Subscribes(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

type Channel struct {
	Table string

	cb           realtime.Callbacks
	mu           sync.Mutex
	unsubscribed bool
}

func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	return nil
}

func (c *Channel) Unsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// Report delivers a channel state as the transport would.
func (c *Channel) Report(state realtime.ChannelState, err error) {
	c.cb.OnState(state, err)
}

func (c *Channel) Emit(ev realtime.RawEvent) {
	c.cb.OnEvent(ev)
}

// InsertEvent builds an INSERT event carrying row.
func InsertEvent(table string, row any) realtime.RawEvent {
	return realtime.RawEvent{Type: "INSERT", Schema: "public", Table: table, Record: mustJSON(row)}
}

func UpdateEvent(table string, row any) realtime.RawEvent {
	return realtime.RawEvent{Type: "UPDATE", Schema: "public", Table: table, Record: mustJSON(row)}
}

// DeleteEvent builds a DELETE event carrying only the row id.
func DeleteEvent(table, id string) realtime.RawEvent {
	return realtime.RawEvent{Type: "DELETE", Schema: "public", Table: table, OldRecord: mustJSON(realtime.Key{ID: id})}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
