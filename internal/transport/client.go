// Package transport is the JSON-over-HTTP client used to reach the sync authority.
//
// All requests go through the deployment's proxy, which attaches
// authentication and routes to the backend origin. The client only knows a
// base URL and an optional bearer token.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/focusdeck/syncd/internal/syncerr"
)

// Client performs JSON requests against the sync authority.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	header     http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithHeader adds a static header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Add(key, value)
	}
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		header:     make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying *http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Response is a decoded 2xx response.
type Response struct {
	Status int
	Header http.Header
}

// errorBody is the error envelope the authority returns on non-2xx statuses.
type errorBody struct {
	Error string `json:"error"`
}

// Do sends the request and decodes a 2xx JSON body into out (if non-nil).
// Non-2xx statuses are returned as *syncerr.StatusError; network failures
// and undecodable bodies as syncerr.ErrTransport.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req.Path, req.Query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	c.applyHeaders(httpReq.Header)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, syncerr.Transport(req.Method+" "+req.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return nil, syncerr.FromStatus(resp.StatusCode, eb.Error)
	}

	result := &Response{Status: resp.StatusCode, Header: resp.Header}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return result, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return result, nil
		}
		return nil, syncerr.Transport("decode "+req.Path, err)
	}

	return result, nil
}

// URL joins a path and query onto the base URL.
func (c *Client) URL(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Headers returns the headers every request carries (auth and static headers).
// Used by the event-stream dialer, which does not go through Do.
func (c *Client) Headers() http.Header {
	h := make(http.Header)
	c.applyHeaders(h)
	return h
}

func (c *Client) applyHeaders(h http.Header) {
	for k, vs := range c.header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		h.Set("Authorization", token)
	}
}
