package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/protocol"
)

// testOptions points a client at srv, using 127.0.0.1 as the primary host
// and localhost as the only fallback so one server can play both roles.
func testOptions(t *testing.T, srv *httptest.Server) *config.ClientOptions {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	opts := &config.ClientOptions{
		Key:           "app.key:secret",
		RestHost:      "127.0.0.1",
		FallbackHosts: []string{"localhost"},
		NoTLS:         true,
		Port:          port,
	}
	opts.ApplyDefaults()
	return opts
}

func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		opts := &config.ClientOptions{Environment: "sandbox"}
		opts.ApplyDefaults()
		c := NewClient(opts)

		if c.primary != "sandbox-rest.ably.io" {
			t.Errorf("primary = %q, want %q", c.primary, "sandbox-rest.ably.io")
		}
		if c.scheme != "https" {
			t.Errorf("scheme = %q, want https", c.scheme)
		}
		if len(c.fallbacks) != 5 {
			t.Errorf("fallbacks = %v, want 5 hosts", c.fallbacks)
		}
		if c.httpClient.Timeout != config.DefaultHTTPRequestTimeout {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, config.DefaultHTTPRequestTimeout)
		}
		if c.maxRetries != config.DefaultHTTPMaxRetryCount {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, config.DefaultHTTPMaxRetryCount)
		}
		if c.cache != DefaultFallbackCache {
			t.Error("cache should default to the process-wide cache")
		}
	})

	t.Run("with options", func(t *testing.T) {
		opts := &config.ClientOptions{}
		opts.ApplyDefaults()
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		cache := NewFallbackCache()
		hc := &http.Client{}

		c := NewClient(opts,
			WithHTTPClient(hc),
			WithTimeout(5*time.Second),
			WithRetries(7, time.Millisecond),
			WithLogger(logger),
			WithFallbackCache(cache),
		)

		if c.httpClient != hc || hc.Timeout != 5*time.Second {
			t.Errorf("http client not configured: %+v", c.httpClient)
		}
		if c.maxRetries != 7 || c.retryBackoff != time.Millisecond {
			t.Errorf("retries = %d/%v, want 7/1ms", c.maxRetries, c.retryBackoff)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
		if c.FallbackCache() != cache {
			t.Error("fallback cache not set correctly")
		}
	})
}

func TestClient_Do_FallbackOnServerError(t *testing.T) {
	var primaryHits, fallbackHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Host, "127.0.0.1") {
			primaryHits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fallbackHits.Add(1)
		w.Write([]byte(`[1700000000000]`))
	}))
	defer srv.Close()

	cache := NewFallbackCache()
	c := NewClient(testOptions(t, srv), WithFallbackCache(cache))

	got, err := c.Time(context.Background())
	if err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	if got.UnixMilli() != 1700000000000 {
		t.Errorf("Time() = %v, want 1700000000000ms", got.UnixMilli())
	}
	if primaryHits.Load() != 1 || fallbackHits.Load() != 1 {
		t.Errorf("hits = primary %d, fallback %d; want 1, 1", primaryHits.Load(), fallbackHits.Load())
	}

	host, ok := cache.Get()
	if !ok || !strings.HasPrefix(host, "localhost:") {
		t.Fatalf("cache.Get() = %q, %v; want localhost fallback", host, ok)
	}

	// The cached fallback is tried first on the next call.
	if _, err := c.Time(context.Background()); err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	if primaryHits.Load() != 1 || fallbackHits.Load() != 2 {
		t.Errorf("hits = primary %d, fallback %d; want 1, 2", primaryHits.Load(), fallbackHits.Load())
	}
}

func TestClient_Do_NonRetryableError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":40101,"statusCode":401,"message":"invalid credentials"}}`))
	}))
	defer srv.Close()

	c := NewClient(testOptions(t, srv), WithFallbackCache(NewFallbackCache()))

	err := c.Get(context.Background(), "/channels", nil, nil, nil)
	if err == nil {
		t.Fatal("Get() expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Get() error = %v, want APIError 401", err)
	}
	if code := protocol.Code(err); code != 40101 {
		t.Errorf("protocol.Code(err) = %d, want 40101", code)
	}
	if apiErr.IsRetryable() {
		t.Error("401 should not be retryable")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testOptions(t, srv), WithFallbackCache(NewFallbackCache()), WithRetries(2, time.Millisecond))

	err := c.Post(context.Background(), "/keys/app.key/requestToken", nil, map[string]string{"a": "b"}, nil)
	if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("Post() error = %v, want max retries exceeded", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestClient_Post_SendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if r.Header.Get("Authorization") != "Basic abc" {
			t.Errorf("Authorization = %q, want custom header", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"ttl":1000}` {
			t.Errorf("body = %s, want {\"ttl\":1000}", body)
		}
		w.Write([]byte(`{"token":"tok"}`))
	}))
	defer srv.Close()

	c := NewClient(testOptions(t, srv), WithFallbackCache(NewFallbackCache()))

	var out struct {
		Token string `json:"token"`
	}
	header := http.Header{"Authorization": []string{"Basic abc"}}
	if err := c.Post(context.Background(), "/x", header, map[string]int{"ttl": 1000}, &out); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if out.Token != "tok" {
		t.Errorf("Token = %q, want tok", out.Token)
	}
}

func TestClient_FetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(r.Method + ":" + r.Form.Get("client")))
	}))
	defer srv.Close()

	c := NewClient(testOptions(t, srv))
	params := url.Values{"client": []string{"me"}}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		body, ct, err := c.FetchURL(context.Background(), method, srv.URL+"/auth", nil, params)
		if err != nil {
			t.Fatalf("FetchURL(%s) error = %v", method, err)
		}
		if string(body) != method+":me" {
			t.Errorf("FetchURL(%s) body = %q, want %q", method, body, method+":me")
		}
		if ct != "text/plain" {
			t.Errorf("FetchURL(%s) content type = %q, want text/plain", method, ct)
		}
	}
}

func TestClient_CheckConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/up" {
			w.Write([]byte("yes\n"))
			return
		}
		w.Write([]byte("no"))
	}))
	defer srv.Close()

	c := NewClient(testOptions(t, srv))

	if !c.CheckConnectivity(context.Background(), srv.URL+"/up") {
		t.Error("CheckConnectivity(/up) = false, want true")
	}
	if c.CheckConnectivity(context.Background(), srv.URL+"/down") {
		t.Error("CheckConnectivity(/down) = true, want false")
	}
	if c.CheckConnectivity(context.Background(), "http://127.0.0.1:1/unreachable") {
		t.Error("CheckConnectivity(unreachable) = true, want false")
	}
}

func TestFallbackCache_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewFallbackCache()
	cache.now = func() time.Time { return now }

	if _, ok := cache.Get(); ok {
		t.Fatal("empty cache returned a host")
	}

	cache.Put("b.example.com", time.Minute)
	if host, ok := cache.Get(); !ok || host != "b.example.com" {
		t.Errorf("Get() = %q, %v; want b.example.com, true", host, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := cache.Get(); ok {
		t.Error("Get() returned host after expiry")
	}

	cache.Put("c.example.com", time.Minute)
	cache.Clear()
	if _, ok := cache.Get(); ok {
		t.Error("Get() returned host after Clear")
	}
}
