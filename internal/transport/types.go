package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rickgao/realtime/internal/protocol"
)

// Errors
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrDisposed         = errors.New("transport disposed")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Transport is one physical connection owned by a connection manager.
type Transport interface {
	// Connect opens the connection and starts the read loop.
	Connect(ctx context.Context) error

	// Send writes one protocol message. It fails unless connected.
	Send(msg *protocol.ProtocolMessage) error

	// Messages delivers inbound messages. It is closed when the read loop ends.
	Messages() <-chan *protocol.ProtocolMessage

	// Done is closed once the transport has finished.
	Done() <-chan struct{}

	// Err returns why the read loop ended, or nil after Dispose.
	Err() error

	// Close performs a graceful CLOSE/CLOSED exchange, then disposes.
	Close(ctx context.Context) error

	// Dispose closes the socket without sending CLOSE.
	Dispose()

	// Host returns the host this transport targets.
	Host() string
}

// Config describes one transport attempt.
type Config struct {
	Scheme           string
	Host             string // host, or host:port
	Params           url.Values
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// DefaultConfig returns a Config with sensible timeouts.
func DefaultConfig() Config {
	return Config{
		Scheme:           "wss",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// URL renders the connection URL.
func (c Config) URL() string {
	u := url.URL{
		Scheme:   c.Scheme,
		Host:     c.Host,
		Path:     "/",
		RawQuery: c.Params.Encode(),
	}
	return u.String()
}

// Factory creates an unconnected transport for cfg.
type Factory func(cfg Config) Transport
