// Package polisapi is the gateway's asynchronous request capability: every call to the polis
// backend goes through a Client, behind one circuit breaker, with reads retried on transient
// failures and writes attempted once.
package polisapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/platform/correlation"
	"github.com/policy-lab/polis/internal/platform/retry"
	"github.com/policy-lab/polis/internal/platform/version"
	"github.com/sony/gobreaker"
)

const (
	breakerName     = "polis-api"
	maxReasonLength = 512
)

// Recorder receives per-request observations.
type Recorder interface {
	RequestObserved(endpoint, outcome string, d time.Duration)
	RetryAttempted(endpoint string)
	BreakerChanged(component, state string)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithReadPolicy replaces the retry policy used for reads.
func WithReadPolicy(p retry.Policy) Option {
	return func(c *Client) { c.readPolicy = p }
}

// Client talks to the polis backend. The zero token is an anonymous participant; WithToken
// derives a client bound to one participant that shares the breaker and the transport.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	recorder   Recorder
	readPolicy retry.Policy
	token      string
}

// New returns a client for the backend at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		readPolicy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   200 * time.Millisecond,
			MaxBackoff:       2 * time.Second,
			RateLimitBackoff: time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(c.recorder)
	return c, nil
}

func newBreaker(rec Recorder) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections and caller cancellations say nothing about the backend's health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrRemoteRejected) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			if rec != nil {
				rec.BreakerChanged(name, to.String())
			}
		},
	})
}

// WithToken returns a client that authenticates as the participant holding token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type request struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     any
}

// read runs a GET through the retry policy.
func (c *Client) read(ctx context.Context, req request, out any) error {
	policy := c.readPolicy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Retrying backend read",
			"endpoint", req.endpoint,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if c.recorder != nil {
			c.recorder.RetryAttempted(req.endpoint)
		}
	}
	return retry.DoVoid(ctx, policy, classify, func(ctx context.Context, _ int) error {
		return c.do(ctx, req, out)
	})
}

// write runs a mutating request exactly once.
func (c *Client) write(ctx context.Context, req request) error {
	return c.do(ctx, req, nil)
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, req, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}, err)
	}
	c.observe(req.endpoint, err, time.Since(start))
	return err
}

func (c *Client) roundTrip(ctx context.Context, req request, out any) error {
	u := c.baseURL.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", req.endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", req.endpoint, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if id, ok := correlation.ID(ctx); ok {
		httpReq.Header.Set(correlation.Header, id)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.endpoint, err)
	}
	return nil
}

func (c *Client) observe(endpoint string, err error, d time.Duration) {
	if c.recorder == nil {
		return
	}
	c.recorder.RequestObserved(endpoint, outcome(err), d)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, domain.ErrRemoteRejected):
		return "rejected"
	case errors.Is(err, domain.ErrRemoteUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

// throttledError is a 429 carrying the backend's Retry-After hint.
type throttledError struct {
	*domain.RemoteError
	wait time.Duration
}

func (e *throttledError) RetryAfter() time.Duration { return e.wait }

func (e *throttledError) Unwrap() error { return e.RemoteError }

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &throttledError{
			RemoteError: &domain.RemoteError{Kind: domain.ErrRemoteUnreachable, Status: resp.StatusCode},
			wait:        parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &domain.RemoteError{Kind: domain.ErrRemoteUnreachable, Status: resp.StatusCode}
	default:
		return &domain.RemoteError{Kind: domain.ErrRemoteRejected, Status: resp.StatusCode, Reason: readReason(resp.Body)}
	}
}

// readReason extracts a message from an error body: {"error": ...}, {"message": ...} or plain text.
func readReason(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxReasonLength))
	if err != nil {
		return ""
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func classify(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Stop
	}
	var throttled *throttledError
	if errors.As(err, &throttled) {
		return retry.After
	}
	var remoteErr *domain.RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Retryable() {
		return retry.Retry
	}
	return retry.Stop
}
