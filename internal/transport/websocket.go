package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime/internal/protocol"
)

// WebSocket is a Transport over a gorilla websocket connection carrying
// JSON text frames.
type WebSocket struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	messages chan *protocol.ProtocolMessage
	done     chan struct{}
	disposed chan struct{}
	closeAck chan struct{}

	writeMu sync.Mutex

	mu          sync.RWMutex
	connected   bool
	readStarted bool
	isDisposed  bool
	err         error

	finishOnce  sync.Once
	disposeOnce sync.Once
	ackOnce     sync.Once
}

// NewWebSocket creates an unconnected websocket transport.
func NewWebSocket(cfg Config, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}

	return &WebSocket{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "host", cfg.Host),
		messages: make(chan *protocol.ProtocolMessage, cfg.BufferSize),
		done:     make(chan struct{}),
		disposed: make(chan struct{}),
		closeAck: make(chan struct{}),
	}
}

// NewWebSocketFactory returns a Factory producing WebSocket transports.
func NewWebSocketFactory(logger *slog.Logger) Factory {
	return func(cfg Config) Transport {
		return NewWebSocket(cfg, logger)
	}
}

// Host returns the target host.
func (t *WebSocket) Host() string {
	return t.cfg.Host
}

// Connect dials the host and starts the read loop.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.RLock()
	switch {
	case t.isDisposed:
		t.mu.RUnlock()
		return ErrDisposed
	case t.conn != nil:
		t.mu.RUnlock()
		return ErrAlreadyConnected
	}
	t.mu.RUnlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL(), t.cfg.Header)
	if err != nil {
		err = handshakeError(resp, err)
		t.setErr(err)
		t.finish()
		return err
	}

	t.mu.Lock()
	if t.isDisposed {
		t.mu.Unlock()
		conn.Close()
		return ErrDisposed
	}
	t.conn = conn
	t.connected = true
	t.readStarted = true
	t.mu.Unlock()

	// Websocket pings count as inbound activity for idle detection.
	conn.SetPingHandler(func(data string) error {
		t.deliver(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat})
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go t.readLoop(conn)

	t.logger.Debug("websocket connected")
	return nil
}

// handshakeError maps a failed dial to an ErrorInfo. Rejections carrying a
// JSON error body keep the server's code and status.
func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return protocol.WrapError(protocol.ErrDisconnected, http.StatusBadRequest, fmt.Errorf("dial: %w", err))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if info := protocol.DecodeErrorBody(body); info != nil {
		if info.StatusCode == 0 {
			info.StatusCode = resp.StatusCode
		}
		return info
	}

	code := protocol.ErrConnectionFailed
	if resp.StatusCode >= 500 {
		code = protocol.ErrInternal
	}
	return protocol.NewErrorInfo(code, resp.StatusCode, "websocket handshake failed: %s", resp.Status)
}

// Send writes msg as a text frame.
func (t *WebSocket) Send(msg *protocol.ProtocolMessage) error {
	t.mu.RLock()
	conn := t.conn
	live := t.connected && !t.isDisposed
	t.mu.RUnlock()
	if !live {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.WrapError(protocol.ErrDisconnected, http.StatusBadRequest, fmt.Errorf("write: %w", err))
	}
	t.logger.Debug("sent", "action", msg.Action, "channel", msg.Channel)
	return nil
}

// Messages returns the inbound message stream.
func (t *WebSocket) Messages() <-chan *protocol.ProtocolMessage {
	return t.messages
}

// Done is closed when the transport has finished.
func (t *WebSocket) Done() <-chan struct{} {
	return t.done
}

// Err returns the read loop failure, if any.
func (t *WebSocket) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// IsConnected reports whether the socket is open.
func (t *WebSocket) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.isDisposed
}

// Close sends CLOSE, waits for CLOSED (or ctx, or the socket dropping),
// then disposes.
func (t *WebSocket) Close(ctx context.Context) error {
	defer t.Dispose()

	if err := t.Send(&protocol.ProtocolMessage{Action: protocol.ActionClose}); err != nil {
		return err
	}

	select {
	case <-t.closeAck:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose closes the socket without sending CLOSE. Safe to call repeatedly.
func (t *WebSocket) Dispose() {
	t.disposeOnce.Do(func() {
		t.mu.Lock()
		t.isDisposed = true
		t.connected = false
		conn := t.conn
		started := t.readStarted
		t.mu.Unlock()

		close(t.disposed)
		if conn != nil {
			conn.Close()
		}
		if !started {
			t.finish()
		}
	})
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	defer t.finish()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.disposed:
			default:
				t.setErr(readError(err))
				t.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		if msg.Action == protocol.ActionClosed {
			t.ackOnce.Do(func() { close(t.closeAck) })
		}
		if !t.deliver(msg) {
			return
		}
	}
}

func readError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.WrapError(protocol.ErrDisconnected, http.StatusBadRequest,
			fmt.Errorf("connection closed by server (%d): %w", closeErr.Code, err))
	}
	return protocol.WrapError(protocol.ErrDisconnected, http.StatusBadRequest, fmt.Errorf("read: %w", err))
}

// deliver blocks until the owner takes msg or the transport is disposed.
func (t *WebSocket) deliver(msg *protocol.ProtocolMessage) bool {
	select {
	case t.messages <- msg:
		return true
	case <-t.disposed:
		return false
	}
}

func (t *WebSocket) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *WebSocket) finish() {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.messages)
		close(t.done)
	})
}
