package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rickgao/realtime/internal/protocol"
)

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	Info       *protocol.ErrorInfo
}

func (e *APIError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("rest api error %d: %s", e.StatusCode, e.Info.Message)
	}
	return fmt.Sprintf("rest api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the server ErrorInfo to errors.As.
func (e *APIError) Unwrap() error {
	if e.Info == nil {
		return nil
	}
	return e.Info
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Request describes one REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// hosts returns the hosts to try in order: a live cached fallback first,
// then the primary, then the remaining fallbacks.
func (c *Client) hosts() []string {
	out := make([]string, 0, len(c.fallbacks)+1)
	cached, ok := c.cache.Get()
	if ok {
		out = append(out, cached)
	}
	if !ok || cached != c.primary {
		out = append(out, c.primary)
	}
	for _, h := range c.fallbacks {
		if h != cached {
			out = append(out, h)
		}
	}
	return out
}

// Do performs req, moving through fallback hosts on retryable failures,
// and decodes a JSON response into result when result is non-nil.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	hosts := c.hosts()
	backoff := c.retryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		host := hosts[attempt%len(hosts)]
		if attempt >= len(hosts) {
			// Out of fresh hosts: back off before reusing one.
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}
			backoff *= 2
		}

		body, err := c.doRequest(ctx, host, req, payload)
		if err == nil {
			if host != c.primary {
				c.cache.Put(host, c.fallbackTTL)
			}
			if result == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
			return nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			return err
		}
		if cached, ok := c.cache.Get(); ok && cached == host {
			c.cache.Clear()
		}
		c.logger.Warn("rest request failed, trying next host",
			"attempt", attempt,
			"host", host,
			"path", req.Path,
			"error", err,
		)
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	// Transport-level failures (refused, reset, timeout) are worth another host.
	return true
}

// doRequest performs a single HTTP request against host.
func (c *Client) doRequest(ctx context.Context, host string, req Request, payload []byte) ([]byte, error) {
	fullURL := c.scheme + "://" + host + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setCommonHeaders(httpReq)
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	return c.send(httpReq)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
			Info:       protocol.DecodeErrorBody(body),
		}
	}

	return body, nil
}

// Get performs a GET request with host fallback.
func (c *Client) Get(ctx context.Context, path string, query url.Values, header http.Header, result any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Header: header}, result)
}

// Post performs a POST request with a JSON body and host fallback.
func (c *Client) Post(ctx context.Context, path string, header http.Header, body, result any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Header: header, Body: body}, result)
}

// Time returns the server clock.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	var stamps []int64
	if err := c.Get(ctx, "/time", nil, nil, &stamps); err != nil {
		return time.Time{}, fmt.Errorf("query server time: %w", err)
	}
	if len(stamps) == 0 {
		return time.Time{}, errors.New("query server time: empty response")
	}
	return time.UnixMilli(stamps[0]), nil
}

// FetchURL calls an arbitrary endpoint, such as an auth URL, without host
// fallback. For GET the params are merged into the query string; for POST
// they are sent form-encoded.
func (c *Client) FetchURL(ctx context.Context, method, rawURL string, header http.Header, params url.Values) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       data,
			Info:       protocol.DecodeErrorBody(data),
		}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// CheckConnectivity reports whether checkURL answers with a body
// containing "yes".
func (c *Client) CheckConnectivity(ctx context.Context, checkURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("connectivity check failed", "url", checkURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil || resp.StatusCode != http.StatusOK {
		return false
	}
	return strings.Contains(string(body), "yes")
}
