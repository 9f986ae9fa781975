package connection

import (
	"context"
	"time"

	"github.com/rickgao/realtime/internal/auth"
	"github.com/rickgao/realtime/internal/event"
	"github.com/rickgao/realtime/internal/protocol"
)

// Connection is the application-facing view of a Manager.
type Connection struct {
	m *Manager
}

// NewConnection wraps m.
func NewConnection(m *Manager) *Connection {
	return &Connection{m: m}
}

// Manager returns the underlying state machine.
func (c *Connection) Manager() *Manager {
	return c.m
}

// Connect connects, or waits for the connection in progress.
func (c *Connection) Connect(ctx context.Context) error {
	return c.m.Connect(ctx)
}

// Close closes the connection and waits for CLOSED.
func (c *Connection) Close(ctx context.Context) error {
	return c.m.Close(ctx)
}

// Ping measures the round trip to the server.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	return c.m.Ping(ctx)
}

// Reauthorize renews the token and, when connected, sends it to the server
// in band. The server's answer arrives as an UPDATE event.
func (c *Connection) Reauthorize(ctx context.Context) (*auth.TokenDetails, error) {
	return c.m.Reauthorize(ctx)
}

// State returns the current state.
func (c *Connection) State() State {
	return c.m.State()
}

// ErrorReason returns the error behind the latest failure.
func (c *Connection) ErrorReason() *protocol.ErrorInfo {
	return c.m.ErrorReason()
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.m.ID()
}

// Key returns the connection key.
func (c *Connection) Key() string {
	return c.m.Key()
}

// On registers fn for e.
func (c *Connection) On(e Event, fn func(StateChange)) event.Handle {
	return c.m.emitter.On(e, fn)
}

// Once registers fn for the next e only.
func (c *Connection) Once(e Event, fn func(StateChange)) event.Handle {
	return c.m.emitter.Once(e, fn)
}

// OnAll registers fn for every event.
func (c *Connection) OnAll(fn func(StateChange)) event.Handle {
	return c.m.emitter.OnAll(fn)
}

// Off removes a listener.
func (c *Connection) Off(h event.Handle) {
	c.m.emitter.Off(h)
}
