package guestbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"portfolio/internal/model"
	"portfolio/internal/realtime"
	"portfolio/internal/realtime/realtimetest"
	"portfolio/internal/repository"
)

const (
	longWait = 2 * time.Second
	tick     = time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu      sync.Mutex
	list    []model.GuestbookMessage
	listErr error
	rows    map[string]model.GuestbookMessage
	gets    []string
	// gate, when set, holds every GetMessage until it is closed.
	gate chan struct{}
	// holds delays GetMessage for single ids until their channel is closed.
	holds map[string]chan struct{}
	// listing and listGate let a test pause ListMessages.
	listing  chan struct{}
	listGate chan struct{}
}

func newFakeStore(list ...model.GuestbookMessage) *fakeStore {
	return &fakeStore{list: list, rows: make(map[string]model.GuestbookMessage)}
}

func (s *fakeStore) put(m model.GuestbookMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.ID] = m
}

func (s *fakeStore) ListMessages(context.Context) ([]model.GuestbookMessage, error) {
	if s.listing != nil {
		close(s.listing)
		<-s.listGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]model.GuestbookMessage(nil), s.list...), nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*model.GuestbookMessage, error) {
	s.mu.Lock()
	s.gets = append(s.gets, id)
	gate := s.gate
	hold := s.holds[id]
	s.mu.Unlock()

	for _, g := range []chan struct{}{gate, hold} {
		if g == nil {
			continue
		}
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("guestbook message %s: %w", id, repository.ErrNotFound)
	}
	return &m, nil
}

func (s *fakeStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gets)
}

func msg(id, content string) model.GuestbookMessage {
	return model.GuestbookMessage{GuestbookEntry: model.GuestbookEntry{ID: id, Content: content}}
}

func ids(ms []model.GuestbookMessage) []string {
	out := []string{}
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

type harness struct {
	r         *Reconciler
	store     *fakeStore
	transport *realtimetest.Transport
	channel   *realtimetest.Channel
	clock     *testclock.Clock
}

func start(t *testing.T, store *fakeStore) *harness {
	t.Helper()
	transport := realtimetest.New()
	clk := testclock.NewClock(time.Time{})
	client := realtime.NewClient[model.GuestbookEntry](transport, realtime.WithClock(clk))
	r := New(store, client, zerolog.Nop(), WithEnrichTimeout(longWait))

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		r.Stop()
		r.enrichments.Wait()
	})

	ch, err := transport.WaitSubscribes(1, longWait)
	require.NoError(t, err)
	assert.Equal(t, repository.GuestbookTable, ch.Table)
	return &harness{r: r, store: store, transport: transport, channel: ch, clock: clk}
}

func (h *harness) subscribed(t *testing.T) {
	t.Helper()
	h.channel.Report(realtime.ChannelSubscribed, nil)
	require.Eventually(t, func() bool { return h.r.Status() == realtime.StatusConnected }, longWait, tick)
}

func (h *harness) waitIDs(t *testing.T, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(h.r.Messages()))
	}, longWait, tick, "want messages %v, have %v", want, ids(h.r.Messages()))
}

func TestInsertThenDelete(t *testing.T) {
	h := start(t, newFakeStore())
	h.subscribed(t)
	h.store.put(msg("m1", "hi"))

	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m1", "content": "hi"}))
	h.waitIDs(t, "m1")
	assert.Equal(t, "hi", h.r.Messages()[0].Content)

	h.channel.Emit(realtimetest.DeleteEvent("guestbook", "m1"))
	h.waitIDs(t)
}

func TestStartLoadsNewestFirstAndInsertPrepends(t *testing.T) {
	h := start(t, newFakeStore(msg("m2", "second"), msg("m1", "first")))
	assert.Equal(t, []string{"m2", "m1"}, ids(h.r.Messages()))
	assert.Equal(t, realtime.StatusConnecting, h.r.Status())

	h.subscribed(t)
	h.store.put(msg("m3", "third"))
	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m3"}))
	h.waitIDs(t, "m3", "m2", "m1")
}

func TestEnrichmentFailureDropsInsert(t *testing.T) {
	h := start(t, newFakeStore(msg("m1", "first")))
	h.subscribed(t)

	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "gone"}))
	require.Eventually(t, func() bool { return h.store.getCount() == 1 }, longWait, tick)
	h.r.enrichments.Wait()

	assert.Equal(t, []string{"m1"}, ids(h.r.Messages()))
}

func TestDeleteAbsentIDIsNoop(t *testing.T) {
	h := start(t, newFakeStore(msg("m1", "first")))
	h.subscribed(t)

	h.channel.Emit(realtimetest.DeleteEvent("guestbook", "nope"))
	// Events are handled in order, so once m1 is gone the first delete was applied.
	h.channel.Emit(realtimetest.DeleteEvent("guestbook", "m1"))
	h.waitIDs(t)
}

func TestUpdateIsIgnored(t *testing.T) {
	h := start(t, newFakeStore(msg("m2", "second"), msg("m1", "first")))
	h.subscribed(t)

	h.channel.Emit(realtimetest.UpdateEvent("guestbook", map[string]any{"id": "m1", "content": "edited"}))
	h.channel.Emit(realtimetest.DeleteEvent("guestbook", "m2"))
	h.waitIDs(t, "m1")
	assert.Equal(t, "first", h.r.Messages()[0].Content)
	assert.Zero(t, h.store.getCount())
}

func TestInsertRacingInitialLoadIsNotDeduplicated(t *testing.T) {
	// The row was committed before the initial load and its INSERT is
	// delivered afterwards. The list keeps both copies.
	h := start(t, newFakeStore(msg("m1", "first")))
	h.subscribed(t)
	h.store.put(msg("m1", "first"))

	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m1"}))
	h.waitIDs(t, "m1", "m1")
}

func TestInsertsLandInEnrichmentCompletionOrder(t *testing.T) {
	store := newFakeStore(msg("m1", "first"))
	slow := make(chan struct{})
	store.holds = map[string]chan struct{}{"m2": slow}
	h := start(t, store)
	h.subscribed(t)
	store.put(msg("m2", "second"))
	store.put(msg("m3", "third"))

	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m2"}))
	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m3"}))
	h.waitIDs(t, "m3", "m1")

	close(slow)
	h.waitIDs(t, "m2", "m3", "m1")
}

func TestStopDuringStartKeepsReconcilerDown(t *testing.T) {
	store := newFakeStore(msg("m1", "first"))
	store.listing = make(chan struct{})
	store.listGate = make(chan struct{})
	transport := realtimetest.New()
	r := New(store, realtime.NewClient[model.GuestbookEntry](transport), zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- r.Start(context.Background()) }()
	<-store.listing

	r.Stop()
	close(store.listGate)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(longWait):
		t.Fatal("Start did not return")
	}
	assert.Zero(t, transport.Subscribes())
	assert.Equal(t, realtime.StatusDisconnected, r.Status())
	assert.Empty(t, r.Messages())
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestLateEnrichmentAfterStopIsDiscarded(t *testing.T) {
	store := newFakeStore(msg("m1", "first"))
	store.gate = make(chan struct{})
	h := start(t, store)
	h.subscribed(t)
	store.put(msg("m2", "second"))

	h.channel.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m2"}))
	require.Eventually(t, func() bool { return store.getCount() == 1 }, longWait, tick)

	h.r.Stop()
	assert.True(t, h.channel.Unsubscribed())
	assert.Equal(t, realtime.StatusDisconnected, h.r.Status())

	close(store.gate)
	h.r.enrichments.Wait()
	assert.Equal(t, []string{"m1"}, ids(h.r.Messages()))
}

func TestStopCancelsPendingRetry(t *testing.T) {
	h := start(t, newFakeStore())
	h.subscribed(t)

	h.channel.Report(realtime.ChannelErrored, errors.New("boom"))
	require.Eventually(t, func() bool { return h.r.Status() == realtime.StatusError }, longWait, tick)
	require.NoError(t, h.clock.WaitAdvance(0, longWait, 1))

	h.r.Stop()
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.transport.Subscribes())
	assert.Zero(t, h.transport.Active())
}

func TestReconnectAfterChannelError(t *testing.T) {
	h := start(t, newFakeStore())
	h.subscribed(t)

	h.channel.Report(realtime.ChannelErrored, errors.New("socket dropped"))
	require.Eventually(t, func() bool { return h.r.Status() == realtime.StatusError }, longWait, tick)

	require.NoError(t, h.clock.WaitAdvance(time.Second, longWait, 1))
	next, err := h.transport.WaitSubscribes(2, longWait)
	require.NoError(t, err)
	next.Report(realtime.ChannelSubscribed, nil)
	require.Eventually(t, func() bool { return h.r.Status() == realtime.StatusConnected }, longWait, tick)

	h.store.put(msg("m1", "back"))
	next.Emit(realtimetest.InsertEvent("guestbook", map[string]any{"id": "m1"}))
	h.waitIDs(t, "m1")
}

func TestWatchStreamsViews(t *testing.T) {
	h := start(t, newFakeStore(msg("m1", "first")))
	ctx, cancel := context.WithCancel(context.Background())
	views := h.r.Watch(ctx)

	first := <-views
	assert.Equal(t, []string{"m1"}, ids(first.Messages))
	assert.Equal(t, realtime.StatusConnecting, first.Status)

	h.subscribed(t)
	h.channel.Emit(realtimetest.DeleteEvent("guestbook", "m1"))
	require.Eventually(t, func() bool {
		select {
		case v := <-views:
			return len(v.Messages) == 0 && v.Status == realtime.StatusConnected
		default:
			return false
		}
	}, longWait, tick)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-views
		return !ok
	}, longWait, tick)
}

func TestWatchEndsOnStop(t *testing.T) {
	h := start(t, newFakeStore())
	views := h.r.Watch(context.Background())
	<-views

	h.r.Stop()
	require.Eventually(t, func() bool {
		_, ok := <-views
		return !ok
	}, longWait, tick)

	late := h.r.Watch(context.Background())
	v, ok := <-late
	assert.True(t, ok)
	assert.Equal(t, realtime.StatusDisconnected, v.Status)
	_, ok = <-late
	assert.False(t, ok)
}

func TestStartErrors(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	transport := realtimetest.New()
	r := New(store, realtime.NewClient[model.GuestbookEntry](transport), zerolog.Nop())

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, transport.Subscribes())

	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
	r.Stop()
}
