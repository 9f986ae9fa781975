package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/version"
)

// Client performs REST requests against the primary and fallback hosts.
type Client struct {
	scheme    string
	primary   string
	fallbacks []string

	httpClient *http.Client
	logger     *slog.Logger
	cache      *FallbackCache

	maxRetries   int
	retryBackoff time.Duration
	fallbackTTL  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a REST client for the hosts described by opts.
func NewClient(opts *config.ClientOptions, options ...ClientOption) *Client {
	fallbacks := opts.ShuffledFallbacks()
	for i, h := range fallbacks {
		fallbacks[i] = opts.HostPort(h)
	}

	c := &Client{
		scheme:    opts.RestScheme(),
		primary:   opts.HostPort(opts.RestHostname()),
		fallbacks: fallbacks,
		httpClient: &http.Client{
			Timeout: opts.HTTPRequestTimeout,
		},
		logger:       slog.Default(),
		cache:        DefaultFallbackCache,
		maxRetries:   opts.HTTPMaxRetryCount,
		retryBackoff: 500 * time.Millisecond,
		fallbackTTL:  opts.FallbackRetryTimeout,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithFallbackCache replaces the process-wide fallback cache.
func WithFallbackCache(cache *FallbackCache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// FallbackCache returns the cache this client reads and updates.
func (c *Client) FallbackCache() *FallbackCache {
	return c.cache
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Ably-Version", config.DefaultProtocolVersion)
	req.Header.Set("Ably-Agent", version.Agent())
}
