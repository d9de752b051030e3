// Package guestbook keeps a newest-first list of guestbook messages in sync
// with the guestbook table's change feed.
package guestbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio/internal/model"
	"portfolio/internal/realtime"
	"portfolio/internal/repository"
)

const defaultEnrichTimeout = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("guestbook reconciler already started")
	ErrStopped        = errors.New("guestbook reconciler stopped")
)

// Store reads messages joined with their author profiles.
type Store interface {
	ListMessages(ctx context.Context) ([]model.GuestbookMessage, error)
	GetMessage(ctx context.Context, id string) (*model.GuestbookMessage, error)
}

// Feed opens the guestbook change-feed connection. *realtime.Client satisfies it.
type Feed interface {
	Connect(ctx context.Context, sub realtime.Subscription[model.GuestbookEntry]) (*realtime.Connection[model.GuestbookEntry], error)
}

// View is a snapshot of what the guestbook shows.
type View struct {
	Messages []model.GuestbookMessage `json:"messages"`
	Status   realtime.Status          `json:"status"`
}

type Option func(*Reconciler)

// WithEnrichTimeout bounds the point read made for each inserted row.
func WithEnrichTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.enrichTimeout = d }
}

type Reconciler struct {
	store         Store
	feed          Feed
	logger        zerolog.Logger
	enrichTimeout time.Duration

	mu      sync.Mutex
	started bool
	// halted is set by the first Stop and never cleared.
	halted   bool
	live     bool
	messages []model.GuestbookMessage
	status   realtime.Status
	conn     *realtime.Connection[model.GuestbookEntry]
	watchers map[chan View]struct{}
	stopped  chan struct{}

	// enrichments tracks in-flight point reads. Stop does not wait for them.
	enrichments sync.WaitGroup
}

func New(store Store, feed Feed, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:         store,
		feed:          feed,
		logger:        logger,
		enrichTimeout: defaultEnrichTimeout,
		status:        realtime.StatusDisconnected,
		watchers:      make(map[chan View]struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start loads the current messages and subscribes to guestbook changes.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	if r.halted {
		r.mu.Unlock()
		return ErrStopped
	}
	r.started = true
	r.mu.Unlock()

	messages, err := r.store.ListMessages(ctx)
	if err != nil {
		return fmt.Errorf("loading guestbook messages: %w", err)
	}
	if messages == nil {
		messages = []model.GuestbookMessage{}
	}

	r.mu.Lock()
	if r.halted {
		// Stopped while loading.
		r.mu.Unlock()
		return ErrStopped
	}
	r.messages = messages
	r.status = realtime.StatusConnecting
	r.live = true
	r.broadcast()
	r.mu.Unlock()
	r.logger.Info().Int("messages", len(messages)).Msg("Guestbook loaded")

	conn, err := r.feed.Connect(ctx, realtime.Subscription[model.GuestbookEntry]{
		Table:    repository.GuestbookTable,
		OnInsert: r.onInsert,
		OnDelete: r.onDelete,
		OnError:  r.onError,
		OnStatus: r.onStatus,
	})
	if err != nil {
		r.mu.Lock()
		r.live = false
		r.status = realtime.StatusError
		r.mu.Unlock()
		return fmt.Errorf("subscribing to guestbook changes: %w", err)
	}

	r.mu.Lock()
	live := r.live
	if live {
		r.conn = conn
	}
	r.mu.Unlock()
	if !live {
		// Stopped while connecting.
		conn.Disconnect()
	}
	return nil
}

// Stop releases the feed connection. Enrichment reads still in flight are
// left to finish and their results are discarded.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return
	}
	r.halted = true
	r.live = false
	r.status = realtime.StatusDisconnected
	conn := r.conn
	r.conn = nil
	close(r.stopped)
	r.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	r.logger.Info().Msg("Guestbook reconciler stopped")
}

// Messages returns a copy of the current list, newest first.
func (r *Reconciler) Messages() []model.GuestbookMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Reconciler) Status() realtime.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Watch streams views until ctx is done or the reconciler stops. Slow readers
// only see the latest view.
func (r *Reconciler) Watch(ctx context.Context) <-chan View {
	ch := make(chan View, 1)

	r.mu.Lock()
	select {
	case <-r.stopped:
		ch <- r.view()
		close(ch)
		r.mu.Unlock()
		return ch
	default:
	}
	r.watchers[ch] = struct{}{}
	ch <- r.view()
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.stopped:
		}
		r.mu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *Reconciler) onInsert(row model.GuestbookEntry) error {
	r.enrichments.Add(1)
	go func() {
		defer r.enrichments.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.enrichTimeout)
		defer cancel()

		m, err := r.store.GetMessage(ctx, row.ID)
		if err != nil {
			r.logger.Debug().Err(err).Str("id", row.ID).Msg("Dropping inserted message, enrichment failed")
			return
		}
		r.prepend(*m)
	}()
	return nil
}

func (r *Reconciler) prepend(m model.GuestbookMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return
	}
	r.messages = append([]model.GuestbookMessage{m}, r.messages...)
	r.broadcast()
}

func (r *Reconciler) onDelete(key realtime.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return nil
	}
	kept := r.messages[:0:0]
	for _, m := range r.messages {
		if m.ID != key.ID {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(r.messages) {
		return nil
	}
	r.messages = kept
	r.broadcast()
	return nil
}

func (r *Reconciler) onStatus(s realtime.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return
	}
	r.status = s
	r.broadcast()
}

func (r *Reconciler) onError(err error) {
	r.logger.Warn().Err(err).Msg("Guestbook change feed error")
}

func (r *Reconciler) snapshot() []model.GuestbookMessage {
	out := make([]model.GuestbookMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Reconciler) view() View {
	return View{Messages: r.snapshot(), Status: r.status}
}

// broadcast must be called with r.mu held.
func (r *Reconciler) broadcast() {
	if len(r.watchers) == 0 {
		return
	}
	v := r.view()
	for ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
