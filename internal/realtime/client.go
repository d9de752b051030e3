package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const inboxSize = 64

// Subscription describes what a connection listens to and who it reports to.
// At least one of OnInsert, OnUpdate and OnDelete must be set.
type Subscription[T any] struct {
	Table    string
	OnInsert func(row T) error
	OnUpdate func(row T) error
	OnDelete func(key Key) error
	// OnError receives channel errors, timeouts and handler failures.
	OnError func(err error)
	// OnStatus is called after every status transition.
	OnStatus func(status Status)
}

func (s Subscription[T]) validate() error {
	if s.Table == "" {
		return ErrEmptyTable
	}
	if s.OnInsert == nil && s.OnUpdate == nil && s.OnDelete == nil {
		return ErrNoHandler
	}
	return nil
}

type options struct {
	policy Policy
	clock  clock.Clock
	logger zerolog.Logger
}

type Option func(*options)

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock sets the clock that drives retry timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client opens change-feed connections that decode rows into T.
type Client[T any] struct {
	transport Transport
	opts      options
}

func NewClient[T any](transport Transport, opts ...Option) *Client[T] {
	o := options{
		policy: DefaultPolicy(),
		clock:  clock.WallClock,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[T]{transport: transport, opts: o}
}

// Connect validates sub and starts a connection for it. The connection keeps
// resubscribing according to the client's policy until Disconnect is called
// or ctx is cancelled.
func (c *Client[T]) Connect(ctx context.Context, sub Subscription[T]) (*Connection[T], error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &Connection[T]{
		sub:       sub,
		transport: c.transport,
		policy:    c.opts.policy,
		clock:     c.opts.clock,
		logger:    c.opts.logger.With().Str("table", sub.Table).Logger(),
		ctx:       connCtx,
		cancel:    cancel,
		inbox:     make(chan item, inboxSize),
		done:      make(chan struct{}),
		status:    StatusConnecting,
	}
	go conn.run()
	return conn, nil
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemState
	itemRetry
)

// item is a unit of work for the dispatch goroutine. gen ties it to the
// channel generation that produced it so work from torn-down channels is dropped.
type item struct {
	kind  itemKind
	gen   uint64
	event RawEvent
	state ChannelState
	err   error
}

// Connection is a live subscription to one table. All events, status reports
// and retries are handled on a single goroutine, one at a time.
type Connection[T any] struct {
	sub       Subscription[T]
	transport Transport
	policy    Policy
	clock     clock.Clock
	logger    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan item
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	channel    Channel
	gen        uint64
	status     Status
	retryCount int
	timer      clock.Timer
	closed     bool
}

func (c *Connection[T]) Table() string {
	return c.sub.Table
}

func (c *Connection[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection[T]) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Disconnect cancels any pending retry and releases the channel. It is
// idempotent, and a retry timer that already fired becomes a no-op.
func (c *Connection[T]) Disconnect() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		ch := c.channel
		c.channel = nil
		c.status = StatusDisconnected
		c.mu.Unlock()

		c.cancel()
		close(c.done)

		if ch != nil {
			if err := ch.Unsubscribe(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to release change feed channel")
			}
		}
		c.logger.Info().Msg("Change feed disconnected")
	})
}

func (c *Connection[T]) run() {
	c.subscribe()
	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			c.Disconnect()
			return
		case it := <-c.inbox:
			c.handle(it)
		}
	}
}

func (c *Connection[T]) enqueue(it item) {
	select {
	case c.inbox <- it:
	case <-c.done:
	}
}

func (c *Connection[T]) handle(it item) {
	switch it.kind {
	case itemRetry:
		c.retry(it.gen)
	case itemState:
		c.handleState(it.gen, it.state, it.err)
	case itemEvent:
		if c.current(it.gen) {
			c.dispatch(it.event)
		}
	}
}

func (c *Connection[T]) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

// subscribe opens a new channel generation. The previous channel must already
// have been released.
func (c *Connection[T]) subscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	ch, err := c.transport.Subscribe(c.ctx, c.sub.Table, Callbacks{
		OnEvent: func(ev RawEvent) {
			c.enqueue(item{kind: itemEvent, gen: gen, event: ev})
		},
		OnState: func(state ChannelState, err error) {
			c.enqueue(item{kind: itemState, gen: gen, state: state, err: err})
		},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Change feed subscribe failed")
		c.handleState(gen, ChannelErrored, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if err := ch.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release stale change feed channel")
		}
		return
	}
	c.channel = ch
	c.mu.Unlock()
	c.logger.Debug().Uint64("generation", gen).Msg("Change feed channel opened")
}

func (c *Connection[T]) handleState(gen uint64, state ChannelState, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	status := StatusFor(state)
	c.status = status

	var (
		delay     time.Duration
		scheduled bool
	)
	switch state {
	case ChannelSubscribed:
		c.retryCount = 0
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	case ChannelErrored, ChannelTimedOut:
		delay, scheduled = c.policy.Delay(state, c.retryCount)
		if scheduled {
			if c.timer != nil {
				c.timer.Stop()
			}
			c.timer = c.clock.AfterFunc(delay, func() {
				c.enqueue(item{kind: itemRetry, gen: gen})
			})
		}
	}
	retryCount := c.retryCount
	c.mu.Unlock()

	c.logger.Info().Str("state", state.String()).Stringer("status", status).Msg("Change feed status changed")
	c.notifyStatus(status)

	var reported error
	switch state {
	case ChannelErrored:
		reported = ErrChannel
		if cause != nil {
			reported = fmt.Errorf("%w: %w", ErrChannel, cause)
		}
	case ChannelTimedOut:
		reported = ErrTimeout
		if cause != nil {
			reported = fmt.Errorf("%w: %w", ErrTimeout, cause)
		}
	default:
		return
	}
	c.logger.Error().Err(reported).Int("retry", retryCount).Msg("Change feed channel failed")
	c.reportError(reported)

	if scheduled {
		c.logger.Info().Dur("delay", delay).Int("retry", retryCount+1).Msg("Change feed retry scheduled")
	} else {
		c.logger.Warn().Err(ErrMaxRetries).Int("retry", retryCount).Msg("Giving up on change feed")
	}
}

// retry replaces the channel of generation gen with a fresh one.
func (c *Connection[T]) retry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	old := c.channel
	c.channel = nil
	c.timer = nil
	c.retryCount++
	retryCount := c.retryCount
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release failed change feed channel")
		}
	}
	c.logger.Info().Int("retry", retryCount).Msg("Resubscribing change feed")
	c.subscribe()
}

func (c *Connection[T]) dispatch(raw RawEvent) {
	ev, err := Decode[T](raw)
	if err != nil {
		kind, _ := ParseKind(raw.Type)
		c.handlerFailed(kind, err)
		return
	}
	if err := c.invoke(ev); err != nil {
		c.handlerFailed(ev.Kind(), err)
	}
}

func (c *Connection[T]) invoke(ev ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch e := ev.(type) {
	case Insert[T]:
		if c.sub.OnInsert != nil {
			return c.sub.OnInsert(e.Row)
		}
	case Update[T]:
		if c.sub.OnUpdate != nil {
			return c.sub.OnUpdate(e.Row)
		}
	case Delete:
		if c.sub.OnDelete != nil {
			return c.sub.OnDelete(e.Key)
		}
	}
	return nil
}

func (c *Connection[T]) handlerFailed(kind Kind, err error) {
	herr := &HandlerError{Table: c.sub.Table, Kind: kind, Err: err}
	c.logger.Error().Err(herr).Msg("Error handling change event")
	c.reportError(herr)
}

func (c *Connection[T]) reportError(err error) {
	if c.sub.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Change feed error handler panicked")
		}
	}()
	c.sub.OnError(err)
}

func (c *Connection[T]) notifyStatus(status Status) {
	if c.sub.OnStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Change feed status handler panicked")
		}
	}()
	c.sub.OnStatus(status)
}
