package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rickgao/realtime/internal/api"
	"github.com/rickgao/realtime/internal/auth"
	"github.com/rickgao/realtime/internal/channel"
	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/queue"
	"github.com/rickgao/realtime/internal/transport"
)

// Client is a realtime client: one connection and its channels.
type Client struct {
	Connection *connection.Connection
	Channels   *channel.Channels

	opts    *config.ClientOptions
	rest    *api.Client
	auth    *auth.Auth
	manager *connection.Manager
	exec    *queue.Executor
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type settings struct {
	callback     auth.Callback
	tokenDetails *auth.TokenDetails
	httpClient   *http.Client
	factory      transport.Factory
	checker      connection.ConnectivityChecker
	cache        *api.FallbackCache
}

// Option customises a Client beyond what ClientOptions can express.
type Option func(*settings)

// WithAuthCallback obtains tokens from application code.
func WithAuthCallback(cb auth.Callback) Option {
	return func(s *settings) {
		s.callback = cb
	}
}

// WithTokenDetails starts from an existing token.
func WithTokenDetails(t *auth.TokenDetails) Option {
	return func(s *settings) {
		s.tokenDetails = t
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) {
		s.httpClient = hc
	}
}

// WithTransportFactory replaces the WebSocket transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(s *settings) {
		s.factory = f
	}
}

// WithConnectivityChecker replaces the REST connectivity check.
func WithConnectivityChecker(c connection.ConnectivityChecker) Option {
	return func(s *settings) {
		s.checker = c
	}
}

// WithFallbackCache replaces the process-wide fallback host cache.
func WithFallbackCache(c *api.FallbackCache) Option {
	return func(s *settings) {
		s.cache = c
	}
}

// New creates a client. Unless auto_connect is false the connection starts
// connecting before New returns.
func New(opts config.ClientOptions, logger *slog.Logger, options ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var s settings
	for _, o := range options {
		o(&s)
	}

	o := opts
	o.ApplyDefaults()
	if s.callback == nil && s.tokenDetails == nil {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("invalid client options: %w", err)
		}
	}

	cache := s.cache
	if cache == nil {
		cache = api.DefaultFallbackCache
	}
	restOpts := []api.ClientOption{api.WithLogger(logger), api.WithFallbackCache(cache)}
	if s.httpClient != nil {
		restOpts = append(restOpts, api.WithHTTPClient(s.httpClient))
	}
	rest := api.NewClient(&o, restOpts...)

	ao := auth.OptionsFrom(&o)
	ao.Callback = s.callback
	ao.TokenDetails = s.tokenDetails
	a, err := auth.New(ao, rest, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up auth: %w", err)
	}

	checker := s.checker
	if checker == nil {
		checker = rest
	}
	managerOpts := []connection.Option{
		connection.WithConnectivityChecker(checker),
		connection.WithFallbackCache(cache),
	}
	if s.factory != nil {
		managerOpts = append(managerOpts, connection.WithTransportFactory(s.factory))
	}

	exec := queue.NewExecutor(logger)
	manager := connection.NewManager(&o, a, exec, logger, managerOpts...)
	channels := channel.NewChannels(manager, logger)
	manager.SetChannelRouter(channels)
	exec.Start()

	c := &Client{
		Connection: connection.NewConnection(manager),
		Channels:   channels,
		opts:       &o,
		rest:       rest,
		auth:       a,
		manager:    manager,
		exec:       exec,
		logger:     logger.With("component", "client"),
	}

	if o.AutoConnectEnabled() {
		manager.StartConnecting()
	}
	return c, nil
}

// Options returns the options in effect, defaults applied.
func (c *Client) Options() *config.ClientOptions {
	return c.opts
}

// Auth returns the credentials holder.
func (c *Client) Auth() *auth.Auth {
	return c.auth
}

// REST returns the REST client.
func (c *Client) REST() *api.Client {
	return c.rest
}

// Connect connects the client and waits for CONNECTED.
func (c *Client) Connect(ctx context.Context) error {
	return c.Connection.Connect(ctx)
}

// Authorize forces a new token. A connected client hands it to the server
// without reconnecting.
func (c *Client) Authorize(ctx context.Context) (*auth.TokenDetails, error) {
	return c.Connection.Reauthorize(ctx)
}

// Channel is shorthand for Channels.Get.
func (c *Client) Channel(name string) *channel.Channel {
	return c.Channels.Get(name)
}

// Close closes the connection and stops the dispatch goroutine. The client
// cannot be reused afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if err := c.manager.Close(ctx); err != nil {
			c.logger.Warn("close did not complete", "error", err)
			c.closeErr = err
		}
		c.exec.Stop()
	})
	return c.closeErr
}
