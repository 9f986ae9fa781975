package config

import (
	"math/rand/v2"
	"time"
)

// Config is the top-level configuration of the recorder service.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Realtime ClientOptions  `yaml:"realtime"`
	Recorder RecorderConfig `yaml:"recorder"`
	Database DBConfig       `yaml:"database"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies one running recorder.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ClientOptions configures a realtime client.
type ClientOptions struct {
	// Credentials. One of Key, Token or AuthURL is required; an auth
	// callback can be supplied in code instead.
	Key          string            `yaml:"key"`
	Token        string            `yaml:"token"`
	ClientID     string            `yaml:"client_id"`
	UseTokenAuth bool              `yaml:"use_token_auth"`
	AuthURL      string            `yaml:"auth_url"`
	AuthMethod   string            `yaml:"auth_method"`
	AuthHeaders  map[string]string `yaml:"auth_headers"`
	AuthParams   map[string]string `yaml:"auth_params"`
	QueryTime    bool              `yaml:"query_time"`
	TokenTTL     time.Duration     `yaml:"token_ttl"`

	// Hosts. Fallback hosts are only used with default hosts or when listed
	// explicitly.
	Environment           string   `yaml:"environment"`
	RealtimeHost          string   `yaml:"realtime_host"`
	RestHost              string   `yaml:"rest_host"`
	FallbackHosts         []string `yaml:"fallback_hosts"`
	Port                  int      `yaml:"port"`
	TLSPort               int      `yaml:"tls_port"`
	NoTLS                 bool     `yaml:"no_tls"`
	ConnectivityCheckURL  string   `yaml:"connectivity_check_url"`
	SkipConnectivityCheck bool     `yaml:"skip_connectivity_check"`

	// Behaviour.
	AutoConnect     *bool  `yaml:"auto_connect"`
	QueueMessages   *bool  `yaml:"queue_messages"`
	EchoMessages    *bool  `yaml:"echo_messages"`
	ProtocolVersion string `yaml:"protocol_version"`

	// Timeouts.
	RealtimeRequestTimeout   time.Duration `yaml:"realtime_request_timeout"`
	DisconnectedRetryTimeout time.Duration `yaml:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    time.Duration `yaml:"suspended_retry_timeout"`
	ChannelRetryTimeout      time.Duration `yaml:"channel_retry_timeout"`
	ConnectionStateTTL       time.Duration `yaml:"connection_state_ttl"`
	HTTPRequestTimeout       time.Duration `yaml:"http_request_timeout"`
	HTTPMaxRetryCount        int           `yaml:"http_max_retry_count"`
	FallbackRetryTimeout     time.Duration `yaml:"fallback_retry_timeout"`

	fallbackOrder []string
}

// RecorderConfig holds channel recording settings.
type RecorderConfig struct {
	Channels      []string      `yaml:"channels"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Bool returns a pointer to b, for the optional boolean options.
func Bool(b bool) *bool {
	return &b
}

// AutoConnectEnabled reports whether the client connects on construction.
func (o *ClientOptions) AutoConnectEnabled() bool {
	return o.AutoConnect == nil || *o.AutoConnect
}

// QueueMessagesEnabled reports whether publishes are queued while the
// connection is not yet established.
func (o *ClientOptions) QueueMessagesEnabled() bool {
	return o.QueueMessages == nil || *o.QueueMessages
}

// EchoMessagesEnabled reports whether the server echoes our own publishes.
func (o *ClientOptions) EchoMessagesEnabled() bool {
	return o.EchoMessages == nil || *o.EchoMessages
}

// ShuffledFallbacks returns the fallback hosts in the order fixed when
// defaults were applied.
func (o *ClientOptions) ShuffledFallbacks() []string {
	if o.fallbackOrder == nil {
		o.fallbackOrder = shuffle(o.FallbackHostnames(), nil)
	}
	out := make([]string, len(o.fallbackOrder))
	copy(out, o.fallbackOrder)
	return out
}

// ShuffleFallbacks fixes the fallback order using r. Tests pass a seeded
// source; a nil r uses the global generator.
func (o *ClientOptions) ShuffleFallbacks(r *rand.Rand) {
	o.fallbackOrder = shuffle(o.FallbackHostnames(), r)
}

func shuffle(hosts []string, r *rand.Rand) []string {
	out := make([]string, len(hosts))
	copy(out, hosts)
	swap := func(i, j int) { out[i], out[j] = out[j], out[i] }
	if r != nil {
		r.Shuffle(len(out), swap)
	} else {
		rand.Shuffle(len(out), swap)
	}
	return out
}
