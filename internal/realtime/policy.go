package realtime

import "time"

// Policy decides when a failed channel is resubscribed.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TimeoutDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		TimeoutDelay:   2 * time.Second,
	}
}

// Delay returns how long to wait before the next subscribe attempt after the
// given report, and false when no retry should be scheduled.
func (p Policy) Delay(state ChannelState, retryCount int) (time.Duration, bool) {
	if retryCount >= p.MaxRetries {
		return 0, false
	}
	switch state {
	case ChannelErrored:
		return p.backoff(retryCount), true
	case ChannelTimedOut:
		return p.TimeoutDelay, true
	default:
		return 0, false
	}
}

// backoff is min(InitialBackoff * 2^n, MaxBackoff).
func (p Policy) backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < n; i++ {
		if d >= p.MaxBackoff {
			break
		}
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
