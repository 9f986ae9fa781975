package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort                     = 80
	DefaultTLSPort                  = 443
	DefaultProtocolVersion          = "2"
	DefaultAuthMethod               = "GET"
	DefaultConnectivityCheckURL     = "https://internet-up.ably-realtime.com/is-the-internet-up.txt"
	DefaultRealtimeRequestTimeout   = 10 * time.Second
	DefaultDisconnectedRetryTimeout = 15 * time.Second
	DefaultSuspendedRetryTimeout    = 30 * time.Second
	DefaultChannelRetryTimeout      = 15 * time.Second
	DefaultConnectionStateTTL       = 120 * time.Second
	DefaultHTTPRequestTimeout       = 10 * time.Second
	DefaultHTTPMaxRetryCount        = 3
	DefaultFallbackRetryTimeout     = 10 * time.Minute
	DefaultTokenTTL                 = 60 * time.Minute
	DefaultDBPort                   = 5432
	DefaultDBSSLMode                = "prefer"
	DefaultMaxConns                 = 10
	DefaultMinConns                 = 2
	DefaultBatchSize                = 500
	DefaultFlushInterval            = 1 * time.Second
	DefaultBufferSize               = 10000
	DefaultHealthPort               = 8080
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
)

// ApplyDefaults fills unset options and fixes the fallback order. It is
// safe to call more than once.
func (o *ClientOptions) ApplyDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.TLSPort == 0 {
		o.TLSPort = DefaultTLSPort
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.AuthMethod == "" {
		o.AuthMethod = DefaultAuthMethod
	}
	if o.ConnectivityCheckURL == "" {
		o.ConnectivityCheckURL = DefaultConnectivityCheckURL
	}
	if o.TokenTTL == 0 {
		o.TokenTTL = DefaultTokenTTL
	}

	if o.RealtimeRequestTimeout == 0 {
		o.RealtimeRequestTimeout = DefaultRealtimeRequestTimeout
	}
	if o.DisconnectedRetryTimeout == 0 {
		o.DisconnectedRetryTimeout = DefaultDisconnectedRetryTimeout
	}
	if o.SuspendedRetryTimeout == 0 {
		o.SuspendedRetryTimeout = DefaultSuspendedRetryTimeout
	}
	if o.ChannelRetryTimeout == 0 {
		o.ChannelRetryTimeout = DefaultChannelRetryTimeout
	}
	if o.ConnectionStateTTL == 0 {
		o.ConnectionStateTTL = DefaultConnectionStateTTL
	}
	if o.HTTPRequestTimeout == 0 {
		o.HTTPRequestTimeout = DefaultHTTPRequestTimeout
	}
	if o.HTTPMaxRetryCount == 0 {
		o.HTTPMaxRetryCount = DefaultHTTPMaxRetryCount
	}
	if o.FallbackRetryTimeout == 0 {
		o.FallbackRetryTimeout = DefaultFallbackRetryTimeout
	}

	if o.fallbackOrder == nil {
		o.fallbackOrder = shuffle(o.FallbackHostnames(), nil)
	}
}

func (c *Config) applyDefaults() {
	c.Realtime.ApplyDefaults()

	applyDBDefaults(&c.Database)

	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
