// Package api is the HTTP client for the metrics service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// TokenSource returns the session JWT to send, or "" when there is none.
type TokenSource func(ctx context.Context) string

// Client talks to the metrics service.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	transport http.RoundTripper
	token     TokenSource
	timeout   time.Duration
	version   string
	logger    *slog.Logger
}

// WithTransport sets the underlying RoundTripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithTokenSource sets where the Authorization value comes from.
func WithTokenSource(ts TokenSource) Option {
	return func(o *clientOptions) { o.token = ts }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithVersion sets the version reported in the User-Agent.
func WithVersion(v string) Option {
	return func(o *clientOptions) { o.version = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// NewClient returns a Client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", baseURL)
	}

	o := clientOptions{timeout: DefaultTimeout, version: "dev", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		baseURL: u,
		http:    newHTTPClient(o.version, o.transport),
		token:   o.token,
		timeout: o.timeout,
		logger:  o.logger.With("component", "api"),
	}, nil
}

// SendEvent posts a single payload to /data.
func (c *Client) SendEvent(ctx context.Context, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/data", nil, payload, nil)
}

// SendBatch posts payloads as one JSON array to /data/batch.
func (c *Client) SendBatch(ctx context.Context, batch []json.RawMessage) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/data/batch", nil, body, nil)
}

// PingUser checks that the stored JWT is still accepted.
func (c *Client) PingUser(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/users/ping", nil, nil, nil)
}

// PingServer checks that the service is reachable.
func (c *Client) PingServer(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

// Confirmation is the result of a completed pairing.
type Confirmation struct {
	JWT  string
	User string
}

type confirmResponse struct {
	JWT  string          `json:"jwt"`
	User json.RawMessage `json:"user"`
}

// ConfirmToken asks whether the pairing token has been confirmed in the
// browser. An unconfirmed token is reported by the service as an error status.
func (c *Client) ConfirmToken(ctx context.Context, token string) (*Confirmation, error) {
	var resp confirmResponse
	q := url.Values{"token": {token}}
	if err := c.do(ctx, http.MethodGet, "/users/plugin/confirm", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.JWT == "" {
		return nil, fmt.Errorf("%w: confirmation has no jwt", ErrMalformedResponse)
	}
	return &Confirmation{JWT: resp.JWT, User: rawString(resp.User)}, nil
}

// SessionSummary is the service's view of the current coding session.
type SessionSummary struct {
	InFlow                    bool    `json:"inFlow"`
	CurrentSessionGoalPercent float64 `json:"currentSessionGoalPercent"`
	CurrentSessionKpm         int64   `json:"currentSessionKpm"`
	CurrentSessionMinutes     int64   `json:"currentSessionMinutes"`
}

// SessionSummary fetches the session summary starting at from.
func (c *Client) SessionSummary(ctx context.Context, from time.Time) (*SessionSummary, error) {
	// inFlow is assumed when the service omits it.
	s := SessionSummary{InFlow: true}
	q := url.Values{
		"from":    {strconv.FormatInt(from.Unix(), 10)},
		"summary": {"true"},
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", q, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-type", "application/json")
	if c.token != nil {
		if jwt := c.token(ctx); jwt != "" {
			req.Header.Set("Authorization", jwt)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, method, path, err)
	}
	return nil
}

// rawString returns a JSON string's value, or the raw JSON text otherwise.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
