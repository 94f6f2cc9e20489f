// Package httpclient provides the rate limited HTTP client used to talk to the
// open data portal.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for metadata requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed size of a buffered response (100MB).
	// Streamed downloads are not limited.
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "socrata-cache/1.0"

	// AppTokenHeader carries the portal application token
	AppTokenHeader = "X-App-Token"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)
	// Stream performs an HTTP GET request and returns the unread response body.
	// The caller must close it.
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithTimeout sets the timeout applied to Get requests. Stream requests are
// bounded only by their context.
func WithTimeout(timeout time.Duration) Option {
	return func(c *DefaultClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithAppToken sends token in the X-App-Token header of every request
func WithAppToken(token string) Option {
	return func(c *DefaultClient) {
		c.appToken = token
	}
}

// WithRateLimit limits outgoing requests to rps per second. Zero or negative
// disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *DefaultClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithTransport replaces the underlying round tripper
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DefaultClient) {
		c.transport = rt
	}
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client    *http.Client
	transport http.RoundTripper
	limiter   *rate.Limiter
	appToken  string
	timeout   time.Duration
}

// NewDefaultClient creates a new HTTP client with traced transport
func NewDefaultClient(opts ...Option) Client {
	c := &DefaultClient{
		timeout:   DefaultTimeout,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = &http.Client{
		Transport: otelhttp.NewTransport(c.transport),
	}
	return c
}

// Get performs an HTTP GET request and buffers the body
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, url, "application/json")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Check Content-Length header if available
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return body, nil
}

// Stream performs an HTTP GET request and hands the open body to the caller
func (c *DefaultClient) Stream(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, url, "*/*")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *DefaultClient) do(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", accept)
	if c.appToken != "" {
		req.Header.Set(AppTokenHeader, c.appToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, NewHTTPError(resp.StatusCode, url, resp.Status)
	}
	return resp, nil
}
