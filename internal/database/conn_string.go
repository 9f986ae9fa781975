package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/realtime/internal/config"
)

// ConnString returns a postgres:// URL for cfg. appName, when set, is
// reported to the server as application_name so recorder instances can be
// told apart in pg_stat_activity.
func ConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
