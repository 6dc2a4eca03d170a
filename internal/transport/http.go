// Package transport executes engine request descriptors over net/http.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mark3labs/oas2mcp/internal/engine"
)

// DefaultTimeout bounds one request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps a response body. Larger bodies fail the request.
const DefaultMaxBodyBytes = 32 << 20

// HTTP is the net/http Transport. Static headers and the bearer token are
// applied last and win over headers built from arguments.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
	limiter *rate.Limiter
	headers map[string]string
	bearer  string
	logger  *zap.Logger
}

type Option func(*HTTP)

func WithClient(c *http.Client) Option { return func(t *HTTP) { t.client = c } }

// WithTimeout bounds each request. It applies to an injected client too,
// without modifying that client.
func WithTimeout(d time.Duration) Option { return func(t *HTTP) { t.timeout = d } }

func WithMaxBodyBytes(n int64) Option {
	return func(t *HTTP) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

// WithRateLimit allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *HTTP) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHeaders(h map[string]string) Option {
	return func(t *HTTP) {
		for k, v := range h {
			t.headers[k] = v
		}
	}
}

func WithBearerToken(token string) Option { return func(t *HTTP) { t.bearer = token } }

func WithLogger(l *zap.Logger) Option {
	return func(t *HTTP) {
		if l != nil {
			t.logger = l
		}
	}
}

func New(opts ...Option) *HTTP {
	t := &HTTP{
		headers: map[string]string{},
		maxBody: DefaultMaxBodyBytes,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	switch {
	case t.client == nil:
		timeout := t.timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		t.client = &http.Client{Timeout: timeout}
	case t.timeout > 0:
		c := *t.client
		c.Timeout = t.timeout
		t.client = &c
	}
	t.logger = t.logger.With(zap.String("component", "transport"))
	return t
}

// Execute sends req and reads the whole response. Non-2xx statuses are not
// errors here; the engine classifies them.
func (t *HTTP) Execute(ctx context.Context, req *engine.RequestDescriptor) (*engine.RawResponse, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	for k, v := range t.headers {
		hr.Header.Set(k, v)
	}
	if t.bearer != "" {
		hr.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	start := time.Now()
	resp, err := t.client.Do(hr)
	if err != nil {
		t.logger.Debug("request failed", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("read response: body exceeds %d bytes", t.maxBody)
	}
	t.logger.Debug("response",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &engine.RawResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
