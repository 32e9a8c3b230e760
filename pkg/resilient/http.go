// Package resilient wraps the outbound HTTP client shared by all sessions with
// a retry policy and a circuit breaker.
//
// Idempotent requests (timeline and credential reads, media downloads) are
// retried with jittered exponential backoff on network errors, 429 and 5xx.
// Writes (status posts, media uploads) go through the circuit breaker only so
// a post is never published twice.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/pkg/metrics"
)

// ErrCircuitOpen is returned while the circuit breaker rejects calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// errBuildRequest marks request construction failures, which are never retried.
var errBuildRequest = errors.New("build request")

// HTTPClientConfig configures an HTTPClient. Zero values take defaults.
type HTTPClientConfig struct {
	Name string

	// Timeout bounds a single attempt including reading the response body.
	Timeout time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// The breaker opens when FailureThreshold of the last FailureWindow
	// calls failed, and half-opens after OpenDelay.
	FailureThreshold uint
	FailureWindow    uint
	OpenDelay        time.Duration

	Transport http.RoundTripper
}

// DefaultHTTPClientConfig returns the settings used for social network APIs.
func DefaultHTTPClientConfig(name string) HTTPClientConfig {
	return HTTPClientConfig{
		Name:             name,
		Timeout:          30 * time.Second,
		MaxRetries:       2,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		FailureThreshold: 5,
		FailureWindow:    10,
		OpenDelay:        15 * time.Second,
	}
}

func (cfg HTTPClientConfig) normalize() HTTPClientConfig {
	def := DefaultHTTPClientConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureWindow {
		cfg.FailureThreshold = min(def.FailureThreshold, cfg.FailureWindow)
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = def.OpenDelay
	}
	return cfg
}

// HTTPClient is safe for concurrent use by multiple sessions.
type HTTPClient struct {
	name    string
	client  *http.Client
	breaker circuitbreaker.CircuitBreaker[*http.Response]
	reads   failsafe.Executor[*http.Response]
	writes  failsafe.Executor[*http.Response]
}

// ShouldRetry reports whether an idempotent request should be attempted again.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, errBuildRequest) &&
			!errors.Is(err, circuitbreaker.ErrOpen) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isFailure decides what the circuit breaker counts as a failed call.
// Client errors (4xx) are the caller's fault and do not trip the breaker.
func isFailure(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, errBuildRequest) && !errors.Is(err, context.Canceled)
	}
	return resp != nil && resp.StatusCode >= 500
}

// NewHTTPClient creates a client with its own circuit breaker.
//
//nolint:bodyclose // *http.Response is a type parameter here, not a live response
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	cfg = cfg.normalize()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.OpenDelay).
		WithSuccessThreshold(1).
		HandleIf(isFailure).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("Circuit breaker state change", "name", cfg.Name,
				"from", stateName(event.OldState), "to", stateName(event.NewState))
			metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(stateValue(event.NewState))
		}).
		Build()

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(ShouldRetry).
		ReturnLastFailure().
		Build()

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	return &HTTPClient{
		name:    cfg.Name,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		breaker: breaker,
		reads:   failsafe.With[*http.Response](retry, breaker),
		writes:  failsafe.With[*http.Response](breaker),
	}
}

// Do sends the request produced by build. build is called once per attempt
// so request bodies can be recreated. The caller must close the response body.
func (c *HTTPClient) Do(ctx context.Context, idempotent bool, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	executor := c.writes
	if idempotent {
		executor = c.reads
	}

	var previous *http.Response
	resp, err := executor.WithContext(ctx).Get(func() (*http.Response, error) {
		if previous != nil {
			drain(previous)
			previous = nil
		}
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBuildRequest, err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		previous = resp
		return resp, nil
	})
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return resp, nil
}

// State returns the circuit breaker state: "closed", "half-open" or "open".
func (c *HTTPClient) State() string {
	return stateName(c.breaker.State())
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return 0
	}
}
