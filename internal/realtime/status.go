package realtime

// Status is the connection status exposed to the owner of a Connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its lowercase name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelState is what a transport reports about one of its channels.
type ChannelState int

const (
	ChannelSubscribed ChannelState = iota
	ChannelErrored
	ChannelTimedOut
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelSubscribed:
		return "subscribed"
	case ChannelErrored:
		return "channel_error"
	case ChannelTimedOut:
		return "timed_out"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions maps each transport report to the status it produces.
var transitions = map[ChannelState]Status{
	ChannelSubscribed: StatusConnected,
	ChannelErrored:    StatusError,
	ChannelTimedOut:   StatusDisconnected,
	ChannelClosed:     StatusDisconnected,
}

// StatusFor returns the status a channel report moves a connection into.
func StatusFor(state ChannelState) Status {
	if s, ok := transitions[state]; ok {
		return s
	}
	return StatusError
}
