// Package auth produces and caches the credentials used to open realtime
// connections and sign REST requests.
//
// BASIC auth sends the API key itself. TOKEN auth sends a time-limited
// token obtained from a callback, an auth URL, or a token request signed
// with the key; Authorize renews it and coalesces concurrent renewals into
// one request.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/protocol"
)

// ErrNoMeans is returned when no credential or renewal method is configured.
var ErrNoMeans = errors.New("no means to authenticate: key, token, auth url or callback required")

// Mechanism is the authentication scheme in use.
type Mechanism int

const (
	Basic Mechanism = iota
	Token
)

func (m Mechanism) String() string {
	if m == Basic {
		return "BASIC"
	}
	return "TOKEN"
}

// Callback obtains a token from application code.
type Callback func(ctx context.Context, params TokenParams) (*TokenDetails, error)

// REST is the subset of the REST client used for token requests.
type REST interface {
	Post(ctx context.Context, path string, header http.Header, body, result any) error
	Time(ctx context.Context) (time.Time, error)
	FetchURL(ctx context.Context, method, rawURL string, header http.Header, params url.Values) ([]byte, string, error)
}

// Options configures Auth.
type Options struct {
	Key          string
	Token        string
	TokenDetails *TokenDetails
	ClientID     string
	UseTokenAuth bool
	Callback     Callback
	AuthURL      string
	AuthMethod   string
	AuthHeaders  map[string]string
	AuthParams   map[string]string
	QueryTime    bool
	TokenTTL     time.Duration
}

// OptionsFrom copies the auth settings of client options.
func OptionsFrom(o *config.ClientOptions) Options {
	return Options{
		Key:          o.Key,
		Token:        o.Token,
		ClientID:     o.ClientID,
		UseTokenAuth: o.UseTokenAuth,
		AuthURL:      o.AuthURL,
		AuthMethod:   o.AuthMethod,
		AuthHeaders:  o.AuthHeaders,
		AuthParams:   o.AuthParams,
		QueryTime:    o.QueryTime,
		TokenTTL:     o.TokenTTL,
	}
}

// Auth holds the current credentials.
type Auth struct {
	opts   Options
	rest   REST
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu          sync.RWMutex
	mechanism   Mechanism
	token       *TokenDetails
	timeOffset  time.Duration
	offsetKnown bool
}

// New validates opts and creates an Auth. rest may be nil when neither a
// key-signed token request nor an auth URL is used.
func New(opts Options, rest REST, logger *slog.Logger) (*Auth, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthMethod == "" {
		opts.AuthMethod = http.MethodGet
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = config.DefaultTokenTTL
	}

	a := &Auth{
		opts:   opts,
		rest:   rest,
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}

	if opts.Key != "" {
		if _, _, err := splitKey(opts.Key); err != nil {
			return nil, err
		}
	}

	switch {
	case opts.TokenDetails != nil:
		details := *opts.TokenDetails
		fillFromJWT(&details)
		a.token = &details
		a.mechanism = Token
	case opts.Token != "":
		details := &TokenDetails{Token: opts.Token}
		fillFromJWT(details)
		a.token = details
		a.mechanism = Token
	case opts.Callback != nil || opts.AuthURL != "" || opts.UseTokenAuth:
		a.mechanism = Token
	case opts.Key != "":
		a.mechanism = Basic
	default:
		return nil, ErrNoMeans
	}

	if a.mechanism == Token && opts.Key == "" && a.token == nil && !a.CanRenew() {
		return nil, ErrNoMeans
	}
	if (opts.AuthURL != "" || (a.mechanism == Token && opts.Key != "" && opts.Callback == nil)) && rest == nil {
		return nil, errors.New("auth: a REST client is required to request tokens")
	}

	return a, nil
}

// Mechanism returns BASIC or TOKEN.
func (a *Auth) Mechanism() Mechanism {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mechanism
}

// TokenDetails returns the cached token, or nil.
func (a *Auth) TokenDetails() *TokenDetails {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == nil {
		return nil
	}
	t := *a.token
	return &t
}

// TimeOffset returns server time minus local time, when it has been queried.
func (a *Auth) TimeOffset() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.timeOffset
}

// ClientID returns the configured client id, falling back to the one bound
// to the current token.
func (a *Auth) ClientID() string {
	if a.opts.ClientID != "" {
		return a.opts.ClientID
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token != nil {
		return a.token.ClientID
	}
	return ""
}

// CanRenew reports whether a new token can be obtained without the
// application's help.
func (a *Auth) CanRenew() bool {
	return a.opts.Callback != nil || a.opts.AuthURL != "" || a.opts.Key != ""
}

// AuthParams returns the credentials as connection query parameters.
func (a *Auth) AuthParams(ctx context.Context) (url.Values, error) {
	if a.Mechanism() == Basic {
		return url.Values{"key": []string{a.opts.Key}}, nil
	}
	token, err := a.Authorize(ctx, false)
	if err != nil {
		return nil, err
	}
	return url.Values{"access_token": []string{token.Token}}, nil
}

// AuthHeaders returns the credentials as HTTP headers.
func (a *Auth) AuthHeaders(ctx context.Context) (http.Header, error) {
	if a.Mechanism() == Basic {
		return basicHeader(a.opts.Key), nil
	}
	token, err := a.Authorize(ctx, false)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+base64.StdEncoding.EncodeToString([]byte(token.Token)))
	return h, nil
}

func basicHeader(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(key)))
	return h
}

// Authorize returns a valid token, requesting a new one when force is set
// or the cached token is missing or expired. Concurrent calls share one
// request.
func (a *Auth) Authorize(ctx context.Context, force bool) (*TokenDetails, error) {
	if !force {
		if t := a.validToken(); t != nil {
			return t, nil
		}
	}

	v, err, shared := a.group.Do("authorize", func() (any, error) {
		if !force {
			if t := a.validToken(); t != nil {
				return t, nil
			}
		}
		return a.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.logger.Debug("joined in-flight authorize")
	}
	return v.(*TokenDetails), nil
}

func (a *Auth) validToken() *TokenDetails {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == nil || a.token.Expired(a.now().Add(a.timeOffset)) {
		return nil
	}
	t := *a.token
	return &t
}

func (a *Auth) renew(ctx context.Context) (*TokenDetails, error) {
	params := TokenParams{
		TTL:      a.opts.TokenTTL,
		ClientID: a.opts.ClientID,
	}

	var (
		details *TokenDetails
		err     error
	)
	switch {
	case a.opts.Callback != nil:
		details, err = a.opts.Callback(ctx, params)
	case a.opts.AuthURL != "":
		details, err = a.fromAuthURL(ctx, params)
	case a.opts.Key != "":
		details, err = a.fromKey(ctx, params)
	default:
		return nil, protocol.NewErrorInfo(protocol.ErrTokenNotRenewable, http.StatusUnauthorized,
			"token expired and no means to renew it")
	}
	if err != nil {
		a.logger.Warn("token request failed", "error", err)
		return nil, wrapAuthError(err)
	}
	if details == nil || details.Token == "" {
		return nil, protocol.NewErrorInfo(protocol.ErrUnauthorized, http.StatusUnauthorized, "token request returned no token")
	}

	fillFromJWT(details)
	if a.opts.ClientID != "" && details.ClientID != "" && details.ClientID != "*" && details.ClientID != a.opts.ClientID {
		return nil, protocol.NewErrorInfo(40102, http.StatusUnauthorized,
			"token client id %q does not match configured client id %q", details.ClientID, a.opts.ClientID)
	}

	a.mu.Lock()
	a.token = details
	a.mechanism = Token
	a.mu.Unlock()

	a.logger.Info("token renewed", "expires", details.ExpiresAt(), "client_id", details.ClientID)
	t := *details
	return &t, nil
}

func wrapAuthError(err error) error {
	var info *protocol.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return protocol.WrapError(protocol.ErrUnauthorized, http.StatusUnauthorized, fmt.Errorf("authorize: %w", err))
}

func (a *Auth) fromAuthURL(ctx context.Context, params TokenParams) (*TokenDetails, error) {
	header := http.Header{}
	for k, v := range a.opts.AuthHeaders {
		header.Set(k, v)
	}
	query := url.Values{}
	for k, v := range a.opts.AuthParams {
		query.Set(k, v)
	}
	if params.ClientID != "" {
		query.Set("clientId", params.ClientID)
	}
	if params.TTL > 0 {
		query.Set("ttl", fmt.Sprint(params.TTL.Milliseconds()))
	}

	body, contentType, err := a.rest.FetchURL(ctx, a.opts.AuthMethod, a.opts.AuthURL, header, query)
	if err != nil {
		return nil, fmt.Errorf("fetch auth url: %w", err)
	}
	resp, err := parseAuthResponse(body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.request != nil {
		return a.exchange(ctx, resp.request)
	}
	return resp.details, nil
}

func (a *Auth) fromKey(ctx context.Context, params TokenParams) (*TokenDetails, error) {
	req, err := a.CreateTokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}
	return a.exchange(ctx, req)
}

// exchange posts a signed token request and returns the issued token.
func (a *Auth) exchange(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
	var details TokenDetails
	path := "/keys/" + url.PathEscape(req.KeyName) + "/requestToken"
	if err := a.rest.Post(ctx, path, nil, req, &details); err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	return &details, nil
}

// CreateTokenRequest builds a token request signed with the API key.
func (a *Auth) CreateTokenRequest(ctx context.Context, params TokenParams) (*TokenRequest, error) {
	name, secret, err := splitKey(a.opts.Key)
	if err != nil {
		return nil, err
	}
	now, err := a.serverNow(ctx)
	if err != nil {
		return nil, err
	}

	capability := params.Capability
	if capability == "" {
		capability = DefaultCapability
	}
	req := &TokenRequest{
		KeyName:    name,
		TTL:        params.TTL.Milliseconds(),
		Capability: capability,
		ClientID:   params.ClientID,
		Timestamp:  now.UnixMilli(),
		Nonce:      uuid.NewString(),
	}
	req.sign(secret)
	return req, nil
}

// serverNow returns the local clock corrected by the server time offset,
// querying the server once when QueryTime is set.
func (a *Auth) serverNow(ctx context.Context) (time.Time, error) {
	a.mu.RLock()
	known := a.offsetKnown
	offset := a.timeOffset
	a.mu.RUnlock()

	if known || !a.opts.QueryTime {
		return a.now().Add(offset), nil
	}

	server, err := a.rest.Time(ctx)
	if err != nil {
		return time.Time{}, err
	}
	local := a.now()
	a.mu.Lock()
	a.timeOffset = server.Sub(local)
	a.offsetKnown = true
	a.mu.Unlock()

	a.logger.Debug("server time offset", "offset", server.Sub(local))
	return server, nil
}
