// Package pgnotify implements the change-feed transport on Postgres
// LISTEN/NOTIFY. Rows are announced by the trigger installed with InstallTrigger.
package pgnotify

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"portfolio/internal/realtime"
)

//go:embed trigger.sql
var triggerFunctionSQL string

const releaseTimeout = 5 * time.Second

// ChannelName returns the NOTIFY channel a table's trigger publishes on.
func ChannelName(table string) string {
	return table + "_changes"
}

// InstallTrigger creates the notify function and attaches it to table.
func InstallTrigger(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if _, err := pool.Exec(ctx, triggerFunctionSQL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	ident := pgx.Identifier{table}.Sanitize()
	trigger := pgx.Identifier{table + "_notify_change"}.Sanitize()
	q := fmt.Sprintf(`
        DROP TRIGGER IF EXISTS %[1]s ON %[2]s;
        CREATE TRIGGER %[1]s
        AFTER INSERT OR UPDATE OR DELETE ON %[2]s
        FOR EACH ROW EXECUTE FUNCTION public.notify_table_change();
    `, trigger, ident)
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create notify trigger on %s: %w", table, err)
	}
	return nil
}

type Transport struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(pool *pgxpool.Pool, logger zerolog.Logger) *Transport {
	return &Transport{pool: pool, logger: logger}
}

// Subscribe holds a pooled connection for the lifetime of the channel and
// listens on the table's notify channel.
func (t *Transport) Subscribe(ctx context.Context, table string, cb realtime.Callbacks) (realtime.Channel, error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	name := ChannelName(table)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", name, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	ch := &channel{
		name:   name,
		conn:   conn,
		cb:     cb,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: t.logger.With().Str("channel", name).Logger(),
	}
	cb.OnState(realtime.ChannelSubscribed, nil)
	go ch.listen(listenCtx)
	return ch, nil
}

type channel struct {
	name   string
	conn   *pgxpool.Conn
	cb     realtime.Callbacks
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (c *channel) listen(ctx context.Context) {
	defer close(c.done)
	defer c.release()

	for {
		n, err := c.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.cb.OnState(realtime.ChannelErrored, fmt.Errorf("wait for notification on %s: %w", c.name, err))
			return
		}
		ev, err := DecodeNotification(n)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed notification")
			continue
		}
		c.cb.OnEvent(ev)
	}
}

// release hands the connection back to the pool, closing it when it can no
// longer be trusted to be idle.
func (c *channel) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	pc := c.conn.Conn()
	if pc.IsClosed() {
		c.conn.Release()
		return
	}
	if _, err := pc.Exec(ctx, "UNLISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		c.logger.Debug().Err(err).Msg("UNLISTEN failed, closing connection")
		raw := c.conn.Hijack()
		_ = raw.Close(ctx)
		return
	}
	c.conn.Release()
}

// Unsubscribe stops listening. The connection goes back to the pool once the
// listen loop has exited; Done is closed at that point.
func (c *channel) Unsubscribe() error {
	c.once.Do(c.cancel)
	return nil
}

func (c *channel) Done() <-chan struct{} {
	return c.done
}

// DecodeNotification parses a trigger payload.
func DecodeNotification(n *pgconn.Notification) (realtime.RawEvent, error) {
	var ev realtime.RawEvent
	if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
		return ev, fmt.Errorf("decode notification on %s: %w", n.Channel, err)
	}
	if ev.Type == "" || ev.Table == "" {
		return ev, fmt.Errorf("notification on %s is missing type or table", n.Channel)
	}
	return ev, nil
}
