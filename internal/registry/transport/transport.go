// Package transport is the HTTP leaf of the registry integration: a client
// bound to one base URL with a fixed timeout and headers, returning raw status
// and body or a classified *Error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "JELITA-Gateway/1.0"

	maxResponseBytes = 1 << 20
)

// ErrEncodeBody marks a request body that could not be JSON encoded. No
// request was sent.
var ErrEncodeBody = errors.New("encode request body")

// Kind classifies how a request failed.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
	KindHTTP    Kind = "http"
)

// Error is returned for every failed round trip. StatusCode and Body are set
// only for KindHTTP.
type Error struct {
	Kind       Kind
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("%s %s: registry responded %d", e.Method, e.Path, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsClientError reports a 4xx response.
func (e *Error) IsClientError() bool {
	return e.Kind == KindHTTP && e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError reports a 5xx response.
func (e *Error) IsServerError() bool {
	return e.Kind == KindHTTP && e.StatusCode >= 500
}

// Transient reports whether the failure is worth retrying: timeouts,
// network failures and 5xx responses.
func (e *Error) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindNetwork || e.IsServerError()
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Response is a successful (<400) round trip.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender is what the registry client needs from a transport.
type Sender interface {
	Send(ctx context.Context, method, path string, body any) (*Response, error)
}

// Config describes the registry endpoint.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// HTTP is the net/http implementation of Sender.
type HTTP struct {
	baseURL string
	client  *http.Client
	headers http.Header
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHTTPClient replaces the underlying client. Its Timeout is overwritten
// with the configured timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTP) {
		if client != nil {
			t.client = client
		}
	}
}

// New builds an HTTP transport for cfg.
func New(cfg Config, opts ...Option) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	t := &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{},
		headers: headers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.client.Timeout = timeout
	return t, nil
}

// BaseURL returns the configured endpoint without a trailing slash.
func (t *HTTP) BaseURL() string {
	return t.baseURL
}

// Send performs one request. body, when non-nil, is JSON encoded. Any status
// >= 400 is returned as a KindHTTP *Error carrying the response body.
func (t *HTTP) Send(ctx context.Context, method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrEncodeBody, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	for k, v := range t.headers {
		req.Header[k] = v
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(err), Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: classify(err), Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Kind:       KindHTTP,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       payload,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
