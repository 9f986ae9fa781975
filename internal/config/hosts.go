package config

import (
	"fmt"
	"strconv"
)

// Production endpoints.
const (
	DefaultRealtimeHost = "realtime.ably.io"
	DefaultRestHost     = "rest.ably.io"
	productionEnv       = "production"
)

// DefaultFallbackHosts are the production fallback endpoints.
var DefaultFallbackHosts = []string{
	"a.ably-realtime.com",
	"b.ably-realtime.com",
	"c.ably-realtime.com",
	"d.ably-realtime.com",
	"e.ably-realtime.com",
}

func (o *ClientOptions) isProduction() bool {
	return o.Environment == "" || o.Environment == productionEnv
}

// RealtimeHostname returns the primary realtime host.
func (o *ClientOptions) RealtimeHostname() string {
	if o.RealtimeHost != "" {
		return o.RealtimeHost
	}
	if o.isProduction() {
		return DefaultRealtimeHost
	}
	return o.Environment + "-" + DefaultRealtimeHost
}

// RestHostname returns the primary REST host.
func (o *ClientOptions) RestHostname() string {
	if o.RestHost != "" {
		return o.RestHost
	}
	if o.isProduction() {
		return DefaultRestHost
	}
	return o.Environment + "-" + DefaultRestHost
}

// FallbackHostnames returns the unshuffled fallback hosts. Pinned hosts
// get no fallbacks unless some are configured explicitly.
func (o *ClientOptions) FallbackHostnames() []string {
	if len(o.FallbackHosts) > 0 {
		return o.FallbackHosts
	}
	if o.RealtimeHost != "" || o.RestHost != "" {
		return nil
	}
	if o.isProduction() {
		return DefaultFallbackHosts
	}
	hosts := make([]string, 0, 5)
	for _, c := range "abcde" {
		hosts = append(hosts, fmt.Sprintf("%s-%c-fallback.ably-realtime.com", o.Environment, c))
	}
	return hosts
}

// IsDefaultHost reports whether host is the default (not user-pinned)
// realtime host.
func (o *ClientOptions) IsDefaultHost(host string) bool {
	return o.RealtimeHost == "" && host == o.RealtimeHostname()
}

// TLS reports whether connections use TLS.
func (o *ClientOptions) TLS() bool {
	return !o.NoTLS
}

// ActivePort returns the port for the configured scheme.
func (o *ClientOptions) ActivePort() int {
	if o.NoTLS {
		return o.Port
	}
	return o.TLSPort
}

// RealtimeScheme returns ws or wss.
func (o *ClientOptions) RealtimeScheme() string {
	if o.NoTLS {
		return "ws"
	}
	return "wss"
}

// RestScheme returns http or https.
func (o *ClientOptions) RestScheme() string {
	if o.NoTLS {
		return "http"
	}
	return "https"
}

// HostPort joins host with the active port, omitting default ports.
func (o *ClientOptions) HostPort(host string) string {
	port := o.ActivePort()
	if (o.NoTLS && port == DefaultPort) || (!o.NoTLS && port == DefaultTLSPort) || port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}
