package channel

import (
	"fmt"
	"time"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/queue"
)

// State is a channel state.
type State int

const (
	StateInitialized State = iota
	StateAttaching
	StateAttached
	StateDetaching
	StateDetached
	StateSuspended
	StateFailed
)

var stateNames = [...]string{
	StateInitialized: "initialized",
	StateAttaching:   "attaching",
	StateAttached:    "attached",
	StateDetaching:   "detaching",
	StateDetached:    "detached",
	StateSuspended:   "suspended",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event tags a StateChange: the new state, or EventUpdate when an attached
// channel lost continuity without leaving ATTACHED.
type Event int

const (
	EventInitialized Event = Event(StateInitialized)
	EventAttaching   Event = Event(StateAttaching)
	EventAttached    Event = Event(StateAttached)
	EventDetaching   Event = Event(StateDetaching)
	EventDetached    Event = Event(StateDetached)
	EventSuspended   Event = Event(StateSuspended)
	EventFailed      Event = Event(StateFailed)
	EventUpdate      Event = 100
)

func (e Event) String() string {
	if e == EventUpdate {
		return "update"
	}
	return State(e).String()
}

// StateChange is emitted on every channel transition.
type StateChange struct {
	Previous State
	Current  State
	Event    Event
	Reason   *protocol.ErrorInfo
	Resumed  bool
}

// Connection is what a channel needs from the connection manager. Send,
// Enqueue and RequestConnect are called on the dispatch goroutine.
type Connection interface {
	State() connection.State
	ErrorReason() *protocol.ErrorInfo
	Send(msg *protocol.ProtocolMessage) error
	Enqueue(msg *protocol.ProtocolMessage, done func(error))
	RequestConnect()
	Executor() *queue.Executor
	Options() *config.ClientOptions
}

// timeouts are read once per channel from the client options.
type timeouts struct {
	request time.Duration
	retry   time.Duration
}

func timeoutsFrom(o *config.ClientOptions) timeouts {
	t := timeouts{request: o.RealtimeRequestTimeout, retry: o.ChannelRetryTimeout}
	if t.request <= 0 {
		t.request = config.DefaultRealtimeRequestTimeout
	}
	if t.retry <= 0 {
		t.retry = config.DefaultChannelRetryTimeout
	}
	return t
}
