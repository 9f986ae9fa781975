package protocol

import (
	"fmt"
	"time"
)

// Action identifies the kind of a ProtocolMessage.
type Action int

const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
)

var actionNames = map[Action]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
	ActionSync:         "SYNC",
	ActionAuth:         "AUTH",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ChannelScoped reports whether messages with this action are routed to a channel.
func (a Action) ChannelScoped() bool {
	switch a {
	case ActionAttached, ActionDetached, ActionMessage, ActionPresence, ActionSync:
		return true
	}
	return false
}

// Flag is a bit set carried in ProtocolMessage.Flags.
type Flag int64

const (
	FlagHasPresence  Flag = 1 << 0
	FlagHasBacklog   Flag = 1 << 1
	FlagResumed      Flag = 1 << 2
	FlagTransient    Flag = 1 << 4
	FlagAttachResume Flag = 1 << 5
)

// Has reports whether all bits of f2 are set.
func (f Flag) Has(f2 Flag) bool {
	return f&f2 == f2
}

// Millis is a duration expressed in milliseconds on the wire.
type Millis int64

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// DurationToMillis converts d to wire milliseconds.
func DurationToMillis(d time.Duration) Millis {
	return Millis(d / time.Millisecond)
}

// ConnectionDetails is the session metadata delivered with CONNECTED.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	ConnectionStateTTL Millis `json:"connectionStateTtl,omitempty"`
	MaxIdleInterval    Millis `json:"maxIdleInterval,omitempty"`
	MaxMessageSize     int64  `json:"maxMessageSize,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
}

// AuthDetails carries a renewed access token in an AUTH message.
type AuthDetails struct {
	AccessToken string `json:"accessToken"`
}

// Message is one application message carried inside a MESSAGE action.
type Message struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Data         any            `json:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	ClientID     string         `json:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ProtocolMessage is one discrete unit exchanged over a transport.
//
// MsgSerial is always encoded: a zero serial is meaningful for the first
// published message of a connection.
type ProtocolMessage struct {
	Action            Action             `json:"action"`
	ID                string             `json:"id,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	MsgSerial         int64              `json:"msgSerial"`
	Count             int                `json:"count,omitempty"`
	Flags             Flag               `json:"flags,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	Messages          []*Message         `json:"messages,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty"`
	Params            map[string]string  `json:"params,omitempty"`
}

// HasFlag reports whether f is set on the message.
func (m *ProtocolMessage) HasFlag(f Flag) bool {
	return m.Flags.Has(f)
}

// String summarises the message for logs.
func (m *ProtocolMessage) String() string {
	s := m.Action.String()
	if m.Channel != "" {
		s += " channel=" + m.Channel
	}
	if m.Error != nil {
		s += " error=" + m.Error.Error()
	}
	return s
}
