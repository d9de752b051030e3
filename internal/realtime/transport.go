package realtime

import "context"

// Callbacks receive everything a transport channel produces. A transport may
// invoke them from any goroutine, including from inside Subscribe.
type Callbacks struct {
	OnEvent func(RawEvent)
	OnState func(ChannelState, error)
}

// Channel is one live subscription held by a transport.
type Channel interface {
	// Unsubscribe releases the channel. It is safe to call more than once.
	Unsubscribe() error
}

// Transport opens change-feed channels scoped to a single table.
type Transport interface {
	Subscribe(ctx context.Context, table string, cb Callbacks) (Channel, error)
}
