package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrChannel is reported when a transport signals a channel error. It is retried with backoff.
	ErrChannel = errors.New("realtime channel error")
	// ErrTimeout is reported when a subscription times out. It is retried after a fixed delay.
	ErrTimeout = errors.New("realtime connection timed out")
	// ErrMaxRetries marks the terminal state. It is only logged; the status stays where it was.
	ErrMaxRetries = errors.New("realtime max retries exceeded")

	ErrEmptyTable = errors.New("subscription table is empty")
	ErrNoHandler  = errors.New("subscription has no event handler")
)

// HandlerError wraps a failure raised while handling a single change event.
type HandlerError struct {
	Table string
	Kind  Kind
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s event on %s: %v", e.Kind, e.Table, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
