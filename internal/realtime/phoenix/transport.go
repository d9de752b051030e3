// Package phoenix implements the change-feed transport over the hosted
// realtime websocket protocol (Phoenix channels with postgres_changes).
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"portfolio/internal/realtime"
)

const (
	defaultJoinTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	writeWait                = 10 * time.Second
	maxMessageSize           = 1024 * 1024 // 1MB
	protocolVersion          = "1.0.0"
)

type Config struct {
	// URL is the realtime endpoint, e.g. https://<project>.supabase.co/realtime/v1.
	URL               string
	APIKey            string
	Schema            string
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
	Logger            zerolog.Logger
}

type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Transport{cfg: cfg}
}

// Endpoint returns the websocket URL for the configured realtime server.
func (t *Transport) Endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials a dedicated socket for the table and joins its topic. The
// join outcome is reported through cb.OnState.
func (t *Transport) Subscribe(ctx context.Context, table string, cb realtime.Callbacks) (realtime.Channel, error) {
	endpoint, err := t.Endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("apikey", t.cfg.APIKey)
	}
	conn, resp, err := t.cfg.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime socket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	ch := newChannel(table, conn, cb, t.cfg.Clock, t.cfg.Logger)
	ch.joinRef = ch.nextRef()

	if err := ch.write(newJoin(table, t.cfg.Schema, t.cfg.APIKey, ch.joinRef)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", ch.topic, err)
	}
	// Set before the read loop starts. The callback must not read joinTimer.
	timeout := t.cfg.JoinTimeout
	ch.joinTimer = t.cfg.Clock.AfterFunc(timeout, func() {
		ch.joinTimedOut(timeout)
	})

	go ch.readLoop()
	go ch.heartbeatLoop(t.cfg.HeartbeatInterval)
	return ch, nil
}

// Join states. A channel leaves joinPending exactly once.
const (
	joinPending int32 = iota
	joinOK
	joinFailed
)

type channel struct {
	table   string
	topic   string
	joinRef string
	conn    *websocket.Conn
	cb      realtime.Callbacks
	clock   clock.Clock
	logger  zerolog.Logger

	writeMu   sync.Mutex
	ref       atomic.Uint64
	joinTimer clock.Timer
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(table string, conn *websocket.Conn, cb realtime.Callbacks, clk clock.Clock, logger zerolog.Logger) *channel {
	return &channel{
		table:  table,
		topic:  Topic(table),
		conn:   conn,
		cb:     cb,
		clock:  clk,
		logger: logger.With().Str("table", table).Logger(),
		done:   make(chan struct{}),
	}
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *channel) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *channel) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail reports the first terminal state of the channel; later ones are dropped.
func (c *channel) fail(state realtime.ChannelState, err error) {
	if c.closing() {
		return
	}
	for {
		cur := c.state.Load()
		if cur == joinFailed {
			return
		}
		if c.state.CompareAndSwap(cur, joinFailed) {
			break
		}
	}
	c.cb.OnState(state, err)
}

// joinTimedOut fires from the join timer. It loses to a reply that already
// moved the channel out of joinPending.
func (c *channel) joinTimedOut(after time.Duration) {
	if c.closing() || !c.state.CompareAndSwap(joinPending, joinFailed) {
		return
	}
	c.cb.OnState(realtime.ChannelTimedOut, fmt.Errorf("no join reply within %s", after))
}

// joinAccepted reports subscribed unless the join already timed out or failed.
func (c *channel) joinAccepted() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	if c.closing() || !c.state.CompareAndSwap(joinPending, joinOK) {
		return
	}
	c.cb.OnState(realtime.ChannelSubscribed, nil)
}

func (c *channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing() {
				return
			}
			c.fail(realtime.ChannelErrored, fmt.Errorf("read realtime socket: %w", err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed realtime message")
			continue
		}
		if c.closing() {
			return
		}
		c.handle(msg)
	}
}

func (c *channel) handle(msg message) {
	if msg.Topic != c.topic {
		return
	}

	switch msg.Event {
	case eventReply:
		if msg.Ref != c.joinRef {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.fail(realtime.ChannelErrored, fmt.Errorf("decode join reply: %w", err))
			return
		}
		if reply.Status != "ok" {
			c.fail(realtime.ChannelErrored, fmt.Errorf("join %s rejected: %s", c.topic, string(reply.Response)))
			return
		}
		c.joinAccepted()
	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err != nil {
			return
		}
		if sys.Status == "error" {
			c.fail(realtime.ChannelErrored, errors.New(sys.Message))
		}
	case eventChanges:
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed change payload")
			return
		}
		c.cb.OnEvent(p.Data)
	case eventError:
		c.fail(realtime.ChannelErrored, fmt.Errorf("channel %s crashed on the server", c.topic))
	case eventClose:
		c.fail(realtime.ChannelClosed, nil)
	}
}

func (c *channel) heartbeatLoop(interval time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case <-c.clock.After(interval):
			hb := message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: c.nextRef()}
			if err := c.write(hb); err != nil {
				c.fail(realtime.ChannelErrored, fmt.Errorf("send heartbeat: %w", err))
				return
			}
		}
	}
}

// Unsubscribe leaves the topic and closes the socket.
func (c *channel) Unsubscribe() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.joinTimer != nil {
			c.joinTimer.Stop()
		}

		leave := message{Topic: c.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: c.nextRef(), JoinRef: c.joinRef}
		if werr := c.write(leave); werr != nil {
			c.logger.Debug().Err(werr).Msg("Failed to send leave")
		}

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
