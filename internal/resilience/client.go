package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// ClientConfig describes one upstream and its protection policy.
type ClientConfig struct {
	Name           string
	BaseURL        string
	RatePerSec     int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBodyBytes   int64
	Breaker        BreakerConfig
}

// Client wraps one logical upstream with a token bucket, a circuit breaker
// and a full-jitter retry policy. It is safe for concurrent use.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *TokenBucket
	breaker *CircuitBreaker
	backoff Backoff
	logger  *slog.Logger
}

// NewClient builds a Client. Zero timeouts and limits fall back to
// conservative defaults.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.Name
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		limiter: NewTokenBucket(cfg.Name, cfg.RatePerSec),
		breaker: NewCircuitBreaker(cfg.Breaker, logger),
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		logger:  logger.With(slog.String("component", "resilient_client"), slog.String("upstream", cfg.Name)),
	}
}

// Breaker exposes the client's breaker for health reporting.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// GetJSON issues GET BaseURL+path?params and decodes the JSON body into out.
// If out implements Validate() error the decoded value is validated too.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// PostJSON issues POST BaseURL+path with body encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("resilience: %s: marshal body: %w", c.cfg.Name, err)
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte, out any) error {
	if !c.breaker.CanExecute() {
		return fmt.Errorf("resilience: %s %s: %w", c.cfg.Name, path, domain.ErrCircuitOpen)
	}

	target := c.cfg.BaseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		retryAfter, err := c.attempt(ctx, method, target, payload, out)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("resilience: %s %s: %w", c.cfg.Name, path, ctx.Err())
		}
		lastErr = err

		if !IsRetryable(err) {
			c.breaker.RecordFailure()
			return fmt.Errorf("resilience: %s %s: %w", c.cfg.Name, path, err)
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.backoff.Delay(attempt)
		if retryAfter > delay {
			// The server's hint is a floor, but never beyond MaxDelay.
			delay = min(retryAfter, c.cfg.MaxDelay)
		}
		c.logger.WarnContext(ctx, "retrying upstream request",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("resilience: %s %s: %w", c.cfg.Name, path, ctx.Err())
		case <-timer.C:
		}
	}

	c.breaker.RecordFailure()
	return fmt.Errorf("resilience: %s %s: %d attempts failed: %w", c.cfg.Name, path, c.cfg.MaxRetries, lastErr)
}

// attempt performs one round trip. The returned duration is the server's
// Retry-After hint, if any.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, out any) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout+c.cfg.ReadTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", domain.ErrUpstreamTerminal, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return 0, fmt.Errorf("%w: more than %d bytes", domain.ErrBodyTooLarge, c.cfg.MaxBodyBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retryAfter(resp.Header.Get("Retry-After")), &StatusError{
			Code: resp.StatusCode,
			Body: truncate(string(data), 256),
		}
	}

	if out == nil {
		return 0, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if v, ok := out.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
	}
	return 0, nil
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth retrying (429 and 5xx).
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Is maps statuses onto the domain sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Code == http.StatusNotFound
	case domain.ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	case domain.ErrUpstreamTerminal:
		return !e.Retryable()
	}
	return false
}

// TransportError is a connection failure or timeout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable classifies err: transport failures, timeouts, 429 and 5xx are
// retryable; everything else is terminal.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var te *TransportError
	return errors.As(err, &te)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
