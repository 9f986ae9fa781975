package connection

import (
	"fmt"
	"time"

	"github.com/rickgao/realtime/internal/protocol"
)

// State is a connection state.
type State int

const (
	StateInitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateSuspended
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInitialized:  "initialized",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
	StateSuspended:    "suspended",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event tags a StateChange. Every state has a matching event; EventUpdate
// reports new connection details without a state change.
type Event int

const (
	EventInitialized  Event = Event(StateInitialized)
	EventConnecting   Event = Event(StateConnecting)
	EventConnected    Event = Event(StateConnected)
	EventDisconnected Event = Event(StateDisconnected)
	EventSuspended    Event = Event(StateSuspended)
	EventClosing      Event = Event(StateClosing)
	EventClosed       Event = Event(StateClosed)
	EventFailed       Event = Event(StateFailed)
	EventUpdate       Event = 100
)

func (e Event) String() string {
	if e == EventUpdate {
		return "update"
	}
	return State(e).String()
}

// EventFor returns the event emitted when entering s.
func EventFor(s State) Event {
	return Event(s)
}

// StateChange is emitted to listeners on every transition.
type StateChange struct {
	Previous State
	Current  State
	Event    Event
	Reason   *protocol.ErrorInfo
	RetryIn  time.Duration
	Resumed  bool
}

// ChannelRouter receives channel-scoped protocol messages and connection
// state changes. Both are called on the dispatch goroutine, the state
// change before any connection listener sees it.
type ChannelRouter interface {
	Route(msg *protocol.ProtocolMessage)
	OnConnectionStateChange(change StateChange)
}
