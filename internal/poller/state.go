package poller

import (
	"github.com/nugget/emonremote/internal/mqtt"
)

// State is the poller's connection lifecycle position.
type State int

const (
	// StateDisconnected is the initial state and the state after any
	// connection loss.
	StateDisconnected State = iota
	// StateConnected means the broker accepted the session but the
	// response subscription is not yet acknowledged.
	StateConnected
	// StatePolling means the subscription is live and requests are
	// being published on the timer.
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
	evTick
)

type event struct {
	kind eventKind
	msg  mqtt.Message
	err  error
}
