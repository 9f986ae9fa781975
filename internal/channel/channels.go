package channel

import (
	"log/slog"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/protocol"
)

// Channels is the registry of channels on one connection. It implements
// connection.ChannelRouter.
type Channels struct {
	conn   Connection
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

var _ connection.ChannelRouter = (*Channels)(nil)

// NewChannels creates an empty registry bound to conn.
func NewChannels(conn Connection, logger *slog.Logger) *Channels {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channels{
		conn:     conn,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// Get returns the channel called name, creating it in INITIALIZED on first use.
func (cs *Channels) Get(name string) *Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ch, ok := cs.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, cs.conn, cs.logger)
	cs.channels[name] = ch
	return ch
}

// Exists reports whether name is registered.
func (cs *Channels) Exists(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.channels[name]
	return ok
}

// Names returns the registered channel names in sorted order.
func (cs *Channels) Names() []string {
	cs.mu.Lock()
	names := make([]string, 0, len(cs.channels))
	for name := range cs.channels {
		names = append(names, name)
	}
	cs.mu.Unlock()
	slices.Sort(names)
	return names
}

// Release removes name from the registry and detaches it in the background.
// A later Get creates a fresh channel.
func (cs *Channels) Release(name string) {
	cs.mu.Lock()
	ch, ok := cs.channels[name]
	delete(cs.channels, name)
	cs.mu.Unlock()
	if !ok {
		return
	}

	if err := cs.conn.Executor().Post(func() {
		ch.requestDetach(nil)
		ch.emitter.OffAll()
		ch.messages.OffAll()
	}); err != nil {
		cs.logger.Debug("release after shutdown", "channel", name, "error", err)
	}
}

// Route delivers a channel-scoped message to its channel.
func (cs *Channels) Route(msg *protocol.ProtocolMessage) {
	cs.mu.Lock()
	ch, ok := cs.channels[msg.Channel]
	cs.mu.Unlock()
	if !ok {
		cs.logger.Warn("message for unknown channel", "channel", msg.Channel, "action", msg.Action)
		return
	}
	ch.handle(msg)
}

// OnConnectionStateChange propagates a connection transition to every channel.
func (cs *Channels) OnConnectionStateChange(change connection.StateChange) {
	cs.mu.Lock()
	snapshot := maps.Clone(cs.channels)
	cs.mu.Unlock()

	for _, ch := range snapshot {
		ch.onConnectionStateChange(change)
	}
}
