package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Validate checks the recorder configuration.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Realtime.validate("realtime."); err != nil {
		return err
	}

	if len(c.Recorder.Channels) == 0 {
		return errors.New("recorder.channels is required")
	}
	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}
	if c.Recorder.BufferSize < 1 {
		return errors.New("recorder.buffer_size must be >= 1")
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Validate checks that the options can build a client.
func (o *ClientOptions) Validate() error {
	return o.validate("")
}

func (o *ClientOptions) validate(prefix string) error {
	if o.Key == "" && o.Token == "" && o.AuthURL == "" {
		return fmt.Errorf("%skey, %stoken or %sauth_url is required", prefix, prefix, prefix)
	}
	if o.Key != "" {
		name, secret, ok := strings.Cut(o.Key, ":")
		if !ok || name == "" || secret == "" {
			return fmt.Errorf("%skey must have the form <name>:<secret>", prefix)
		}
	}
	if o.ClientID == "*" {
		return fmt.Errorf("%sclient_id cannot be the wildcard", prefix)
	}
	switch o.AuthMethod {
	case "", http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("%sauth_method must be GET or POST, got %q", prefix, o.AuthMethod)
	}

	durations := []struct {
		name  string
		value int64
	}{
		{"realtime_request_timeout", int64(o.RealtimeRequestTimeout)},
		{"disconnected_retry_timeout", int64(o.DisconnectedRetryTimeout)},
		{"suspended_retry_timeout", int64(o.SuspendedRetryTimeout)},
		{"channel_retry_timeout", int64(o.ChannelRetryTimeout)},
		{"connection_state_ttl", int64(o.ConnectionStateTTL)},
		{"http_request_timeout", int64(o.HTTPRequestTimeout)},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s%s must not be negative", prefix, d.name)
		}
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
