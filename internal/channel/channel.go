package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/event"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/queue"
)

// deferredOp is an attach or detach requested while the opposite
// operation was pending.
type deferredOp struct {
	attach bool
	reply  chan error
}

// Channel is one named channel.
type Channel struct {
	name     string
	conn     Connection
	exec     *queue.Executor
	timeouts timeouts
	logger   *slog.Logger
	emitter  *event.Emitter[Event, StateChange]
	messages *event.Emitter[string, *protocol.Message]

	mu          sync.RWMutex
	state       State
	errorReason *protocol.ErrorInfo

	// Owned by the dispatch goroutine.
	attachWaiters []chan error
	detachWaiters []chan error
	deferred      []deferredOp
	opTimer       *queue.Timer
	retryTimer    *queue.Timer
	attachedOnce  bool
	channelSerial string
	// Set while ATTACHING only because the connection dropped under an
	// ATTACHED channel; a resumed connection restores ATTACHED directly.
	wasAttached bool
}

func newChannel(name string, conn Connection, logger *slog.Logger) *Channel {
	logger = logger.With("channel", name)
	exec := conn.Executor()
	return &Channel{
		name:       name,
		conn:       conn,
		exec:       exec,
		timeouts:   timeoutsFrom(conn.Options()),
		logger:     logger,
		emitter:    event.NewEmitter[Event, StateChange](logger),
		messages:   event.NewEmitter[string, *protocol.Message](logger),
		state:      StateInitialized,
		opTimer:    exec.NewTimer(),
		retryTimer: exec.NewTimer(),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrorReason returns the error behind the latest failure, if any.
func (c *Channel) ErrorReason() *protocol.ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorReason
}

// On registers fn for e.
func (c *Channel) On(e Event, fn func(StateChange)) event.Handle {
	return c.emitter.On(e, fn)
}

// Once registers fn for the next e only.
func (c *Channel) Once(e Event, fn func(StateChange)) event.Handle {
	return c.emitter.Once(e, fn)
}

// OnAll registers fn for every state event.
func (c *Channel) OnAll(fn func(StateChange)) event.Handle {
	return c.emitter.OnAll(fn)
}

// Off removes a state listener.
func (c *Channel) Off(h event.Handle) {
	c.emitter.Off(h)
}

func (c *Channel) call(ctx context.Context, fn func(reply chan error)) error {
	reply := make(chan error, 1)
	if err := c.exec.Post(func() { fn(reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func respond(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}

func resolve(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// Attach attaches the channel and waits for ATTACHED.
func (c *Channel) Attach(ctx context.Context) error {
	return c.call(ctx, c.requestAttach)
}

// Detach detaches the channel and waits for DETACHED.
func (c *Channel) Detach(ctx context.Context) error {
	return c.call(ctx, c.requestDetach)
}

func (c *Channel) connectionUnusable() *protocol.ErrorInfo {
	switch s := c.conn.State(); s {
	case connection.StateClosing, connection.StateClosed, connection.StateFailed, connection.StateSuspended:
		return protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
			"channel %q: connection is %s", c.name, s)
	}
	return nil
}

func (c *Channel) requestAttach(reply chan error) {
	switch c.state {
	case StateAttached:
		respond(reply, nil)
		return
	case StateAttaching:
		if reply != nil {
			c.attachWaiters = append(c.attachWaiters, reply)
		}
		return
	case StateDetaching:
		c.deferred = append(c.deferred, deferredOp{attach: true, reply: reply})
		return
	}

	if err := c.connectionUnusable(); err != nil {
		respond(reply, err)
		return
	}
	if reply != nil {
		c.attachWaiters = append(c.attachWaiters, reply)
	}
	c.startAttach(nil)
}

// startAttach enters ATTACHING and sends ATTACH once the connection is up.
func (c *Channel) startAttach(reason *protocol.ErrorInfo) {
	c.retryTimer.Stop()
	c.mu.Lock()
	c.errorReason = nil
	c.mu.Unlock()
	c.setState(StateAttaching, reason, false)

	switch c.conn.State() {
	case connection.StateConnected:
		c.sendAttach()
	case connection.StateInitialized:
		c.conn.RequestConnect()
	}
}

func (c *Channel) sendAttach() {
	msg := &protocol.ProtocolMessage{Action: protocol.ActionAttach, Channel: c.name}
	if c.attachedOnce {
		msg.Flags |= protocol.FlagAttachResume
		msg.ChannelSerial = c.channelSerial
	}
	if err := c.conn.Send(msg); err != nil {
		c.logger.Debug("attach not sent", "error", err)
		return
	}
	c.opTimer.Reset(c.timeouts.request, c.onAttachTimeout)
}

func (c *Channel) onAttachTimeout() {
	if c.state != StateAttaching {
		return
	}
	err := protocol.NewErrorInfo(protocol.ErrChannelOperationTimeout, http.StatusRequestTimeout,
		"channel %q: no ATTACHED within %s", c.name, c.timeouts.request)
	c.logger.Warn("attach timed out", "timeout", c.timeouts.request)
	c.suspend(err)
}

// suspend enters SUSPENDED and schedules a retry while the connection is up.
func (c *Channel) suspend(reason *protocol.ErrorInfo) {
	c.opTimer.Stop()
	c.setState(StateSuspended, reason, false)
	c.failAttachWaiters(reason)
	c.retryTimer.Reset(c.timeouts.retry, func() {
		if c.state == StateSuspended && c.conn.State() == connection.StateConnected {
			c.logger.Info("retrying attach")
			c.startAttach(nil)
		}
	})
}

func (c *Channel) requestDetach(reply chan error) {
	switch c.state {
	case StateInitialized, StateDetached:
		respond(reply, nil)
		return
	case StateFailed:
		respond(reply, protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
			"channel %q is failed", c.name))
		return
	case StateDetaching:
		if reply != nil {
			c.detachWaiters = append(c.detachWaiters, reply)
		}
		return
	case StateAttaching:
		c.deferred = append(c.deferred, deferredOp{attach: false, reply: reply})
		return
	}

	switch c.conn.State() {
	case connection.StateClosing, connection.StateFailed:
		respond(reply, protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
			"channel %q: connection is %s", c.name, c.conn.State()))
		return
	}

	if c.state == StateSuspended {
		c.retryTimer.Stop()
		c.setState(StateDetached, nil, false)
		respond(reply, nil)
		return
	}

	if reply != nil {
		c.detachWaiters = append(c.detachWaiters, reply)
	}
	c.setState(StateDetaching, nil, false)
	if c.conn.State() == connection.StateConnected {
		c.sendDetach()
	}
}

func (c *Channel) sendDetach() {
	if err := c.conn.Send(&protocol.ProtocolMessage{Action: protocol.ActionDetach, Channel: c.name}); err != nil {
		c.logger.Debug("detach not sent", "error", err)
		return
	}
	c.opTimer.Reset(c.timeouts.request, c.onDetachTimeout)
}

func (c *Channel) onDetachTimeout() {
	if c.state != StateDetaching {
		return
	}
	err := protocol.NewErrorInfo(protocol.ErrChannelOperationTimeout, http.StatusRequestTimeout,
		"channel %q: no DETACHED within %s", c.name, c.timeouts.request)
	c.logger.Warn("detach timed out, channel remains attached", "timeout", c.timeouts.request)
	c.setState(StateAttached, err, false)
	waiters := c.detachWaiters
	c.detachWaiters = nil
	resolve(waiters, err)
	c.runDeferred(nil)
}

func (c *Channel) failAttachWaiters(err error) {
	waiters := c.attachWaiters
	c.attachWaiters = nil
	resolve(waiters, err)
}

// runDeferred replays or fails operations queued behind the one that just
// finished.
func (c *Channel) runDeferred(err error) {
	ops := c.deferred
	c.deferred = nil
	for _, op := range ops {
		switch {
		case err != nil:
			respond(op.reply, err)
		case op.attach:
			c.requestAttach(op.reply)
		default:
			c.requestDetach(op.reply)
		}
	}
}

// handle processes a protocol message routed to this channel.
func (c *Channel) handle(msg *protocol.ProtocolMessage) {
	switch msg.Action {
	case protocol.ActionAttached:
		c.onAttached(msg)
	case protocol.ActionDetached:
		c.onDetached(msg)
	case protocol.ActionMessage:
		c.onMessage(msg)
	case protocol.ActionError:
		c.onError(msg)
	default:
		c.logger.Debug("ignoring channel message", "action", msg.Action)
	}
}

func (c *Channel) onAttached(msg *protocol.ProtocolMessage) {
	if msg.ChannelSerial != "" {
		c.channelSerial = msg.ChannelSerial
	}
	resumed := msg.HasFlag(protocol.FlagResumed)

	switch c.state {
	case StateAttaching:
		c.opTimer.Stop()
		c.retryTimer.Stop()
		c.attachedOnce = true
		c.setState(StateAttached, msg.Error, resumed)
		waiters := c.attachWaiters
		c.attachWaiters = nil
		resolve(waiters, nil)
		c.runDeferred(nil)
	case StateAttached:
		if !resumed {
			c.emitUpdate(msg.Error)
		}
	case StateDetaching:
		c.sendDetach()
	default:
		c.logger.Debug("late ATTACHED ignored", "state", c.state)
	}
}

func (c *Channel) onDetached(msg *protocol.ProtocolMessage) {
	switch c.state {
	case StateDetaching:
		c.opTimer.Stop()
		c.attachedOnce = false
		c.channelSerial = ""
		c.setState(StateDetached, msg.Error, false)
		waiters := c.detachWaiters
		c.detachWaiters = nil
		resolve(waiters, nil)
		c.runDeferred(nil)
	case StateAttached, StateAttaching:
		c.logger.Warn("unexpected DETACHED, reattaching", "state", c.state, "reason", msg.Error)
		c.opTimer.Stop()
		c.startAttach(msg.Error)
	default:
		c.logger.Debug("late DETACHED ignored", "state", c.state)
	}
}

func (c *Channel) onError(msg *protocol.ProtocolMessage) {
	reason := msg.Error
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
			"channel %q: server error", c.name)
	}
	c.logger.Warn("channel error", "error", reason)
	c.fail(reason)
}

func (c *Channel) fail(reason *protocol.ErrorInfo) {
	c.opTimer.Stop()
	c.retryTimer.Stop()
	c.setState(StateFailed, reason, false)
	c.failAttachWaiters(reason)
	waiters := c.detachWaiters
	c.detachWaiters = nil
	resolve(waiters, reason)
	c.runDeferred(reason)
}

func (c *Channel) onMessage(msg *protocol.ProtocolMessage) {
	if c.state != StateAttached {
		c.logger.Debug("message dropped, channel not attached", "state", c.state)
		return
	}
	if msg.ChannelSerial != "" {
		c.channelSerial = msg.ChannelSerial
	}

	for i, m := range msg.Messages {
		if m.ConnectionID == "" {
			m.ConnectionID = msg.ConnectionID
		}
		if m.Timestamp == 0 {
			m.Timestamp = msg.Timestamp
		}
		if m.ID == "" && msg.ID != "" {
			m.ID = fmt.Sprintf("%s:%d", msg.ID, i)
		}
		c.messages.Emit(m.Name, m)
	}
}

// onConnectionStateChange moves the channel in step with its connection.
func (c *Channel) onConnectionStateChange(change connection.StateChange) {
	if change.Event == connection.EventUpdate {
		return
	}

	switch change.Current {
	case connection.StateConnected:
		switch c.state {
		case StateAttaching:
			if change.Resumed && c.wasAttached {
				c.restoreAttached()
				return
			}
			c.sendAttach()
		case StateDetaching:
			c.sendDetach()
		case StateSuspended:
			c.startAttach(nil)
		case StateAttached:
			if !change.Resumed {
				c.startAttach(change.Reason)
			}
		}

	case connection.StateDisconnected:
		switch c.state {
		case StateAttached:
			c.setState(StateAttaching, change.Reason, false)
			c.wasAttached = true
		case StateAttaching, StateDetaching:
			c.opTimer.Stop()
		}

	case connection.StateSuspended:
		switch c.state {
		case StateAttaching, StateAttached:
			c.suspendForConnection(change.Reason)
		case StateDetaching:
			c.detachForConnection(change.Reason)
		}

	case connection.StateClosing, connection.StateClosed:
		switch c.state {
		case StateAttaching, StateAttached, StateDetaching, StateSuspended:
			c.detachForConnection(change.Reason)
		}

	case connection.StateFailed:
		switch c.state {
		case StateAttaching, StateAttached, StateDetaching, StateSuspended:
			reason := change.Reason
			if reason == nil {
				reason = protocol.NewErrorInfo(protocol.ErrConnectionFailed, http.StatusBadRequest, "connection failed")
			}
			c.fail(reason)
		}
	}
}

// restoreAttached returns the channel to ATTACHED without a round trip;
// the server keeps the attachment of a resumed connection and may deliver
// messages before any reply to a new ATTACH.
func (c *Channel) restoreAttached() {
	c.opTimer.Stop()
	c.retryTimer.Stop()
	c.setState(StateAttached, nil, true)
	waiters := c.attachWaiters
	c.attachWaiters = nil
	resolve(waiters, nil)
	c.runDeferred(nil)
}

// suspendForConnection suspends without a retry timer; the channel
// reattaches when the connection is back.
func (c *Channel) suspendForConnection(reason *protocol.ErrorInfo) {
	c.opTimer.Stop()
	c.retryTimer.Stop()
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.ErrConnectionSuspended, http.StatusBadRequest, "connection suspended")
	}
	c.setState(StateSuspended, reason, false)
	c.failAttachWaiters(reason)
}

func (c *Channel) detachForConnection(reason *protocol.ErrorInfo) {
	c.opTimer.Stop()
	c.retryTimer.Stop()
	c.attachedOnce = false
	c.channelSerial = ""
	c.setState(StateDetached, reason, false)

	attachErr := reason
	if attachErr == nil {
		attachErr = protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
			"channel %q: connection closed", c.name)
	}
	c.failAttachWaiters(attachErr)
	waiters := c.detachWaiters
	c.detachWaiters = nil
	resolve(waiters, nil)
	c.runDeferred(nil)
}

func (c *Channel) setState(to State, reason *protocol.ErrorInfo, resumed bool) {
	c.wasAttached = false

	c.mu.Lock()
	from := c.state
	c.state = to
	if reason != nil {
		c.errorReason = reason
	}
	c.mu.Unlock()

	if reason != nil {
		c.logger.Info("channel state changed", "from", from, "to", to, "reason", reason)
	} else {
		c.logger.Info("channel state changed", "from", from, "to", to)
	}

	c.emitter.Emit(Event(to), StateChange{
		Previous: from,
		Current:  to,
		Event:    Event(to),
		Reason:   reason,
		Resumed:  resumed,
	})
}

func (c *Channel) emitUpdate(reason *protocol.ErrorInfo) {
	if reason != nil {
		c.mu.Lock()
		c.errorReason = reason
		c.mu.Unlock()
	}
	c.emitter.Emit(EventUpdate, StateChange{
		Previous: StateAttached,
		Current:  StateAttached,
		Event:    EventUpdate,
		Reason:   reason,
		Resumed:  false,
	})
}

// Subscribe registers fn for messages named name and attaches the channel.
// The returned func removes the listener; it stays registered even when
// the attach fails.
func (c *Channel) Subscribe(ctx context.Context, name string, fn func(*protocol.Message)) (func(), error) {
	h := c.messages.On(name, fn)
	return func() { c.messages.Off(h) }, c.Attach(ctx)
}

// SubscribeAll registers fn for every message and attaches the channel.
func (c *Channel) SubscribeAll(ctx context.Context, fn func(*protocol.Message)) (func(), error) {
	h := c.messages.OnAll(fn)
	return func() { c.messages.Off(h) }, c.Attach(ctx)
}

// Unsubscribe removes every message listener.
func (c *Channel) Unsubscribe() {
	c.messages.OffAll()
}

// Publish sends one message and waits for the server to acknowledge it.
func (c *Channel) Publish(ctx context.Context, name string, data any) error {
	return c.PublishMessages(ctx, &protocol.Message{Name: name, Data: data})
}

// PublishMessages sends messages in one protocol message.
func (c *Channel) PublishMessages(ctx context.Context, msgs ...*protocol.Message) error {
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = ulid.Make().String()
		}
	}
	return c.call(ctx, func(reply chan error) {
		switch c.state {
		case StateFailed, StateSuspended:
			reply <- protocol.NewErrorInfo(protocol.ErrChannelOperationFailed, http.StatusBadRequest,
				"cannot publish to channel %q while %s", c.name, c.state)
			return
		}
		c.conn.Enqueue(&protocol.ProtocolMessage{
			Action:   protocol.ActionMessage,
			Channel:  c.name,
			Messages: msgs,
		}, func(err error) { reply <- err })
	})
}
