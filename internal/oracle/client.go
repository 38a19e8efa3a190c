package oracle

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
	"time"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/traces"
)

const (
	// DefaultTimeout bounds an analyze call.
	DefaultTimeout = 5 * time.Second
	// ProfileTimeout bounds a profile lookup.
	ProfileTimeout = 3 * time.Second

	maxResponseSize = 1 << 20

	// EndpointAnalyze is the breaker key for analyze calls.
	EndpointAnalyze = "analyze"
	endpointProfile = "profile"
)

// Client is the HTTP implementation of Scorer and Profiler.
type Client struct {
	baseURL        string
	client         *http.Client
	timeout        time.Duration
	profileTimeout time.Duration
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger used for failed calls.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithProfileTimeout overrides ProfileTimeout.
func WithProfileTimeout(d time.Duration) Option {
	return func(c *Client) { c.profileTimeout = d }
}

// NewClient creates a client for the oracle at baseURL.
// Pass timeout=0 to use DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:        baseURL,
		client:         &http.Client{},
		timeout:        timeout,
		profileTimeout: ProfileTimeout,
		breaker:        circuitbreaker.New(5, 30*time.Second),
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Breaker exposes the circuit breaker for readiness checks.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Ready reports whether analyze calls are currently let through.
func (c *Client) Ready() bool {
	return c.breaker.State(EndpointAnalyze) != circuitbreaker.StateOpen
}

// Analyze posts req to {base}/analyze and validates the judgment.
func (c *Client) Analyze(ctx context.Context, req *Request) (*Judgment, error) {
	ctx, span := traces.StartSpan(ctx, "oracle.Analyze",
		traces.UserID(req.Event.UserID), traces.EventKind(string(req.Event.Kind)))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: marshal request: %w", err)
	}

	var judgment *Judgment
	err = c.call(ctx, EndpointAnalyze, c.timeout, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		respBody, status, err := c.do(httpReq)
		if err != nil {
			return err
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("%w: analyze returned HTTP %d", ErrUnavailable, status)
		}
		judgment, err = DecodeJudgment(respBody)
		return err
	})
	if err != nil {
		span.RecordError(err)
		c.logger.WarnContext(ctx, "oracle analyze failed",
			"user_id", req.Event.UserID, "event_id", req.Event.ID, "error", err)
		return nil, err
	}
	span.SetAttributes(traces.RiskScore(judgment.RiskScore), traces.Severity(string(judgment.Severity)))
	return judgment, nil
}

// Profile fetches {base}/user_ocean/{id}. Callers treat any error as
// "no profile".
func (c *Client) Profile(ctx context.Context, userID string) (map[string]float64, error) {
	var profile map[string]float64
	err := c.call(ctx, endpointProfile, c.profileTimeout, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/user_ocean/"+url.PathEscape(userID), nil)
		if err != nil {
			return err
		}
		respBody, status, err := c.do(httpReq)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusNotFound:
			return ErrProfileNotFound
		case status < 200 || status > 299:
			return fmt.Errorf("%w: user_ocean returned HTTP %d", ErrUnavailable, status)
		}
		var out struct {
			Ocean map[string]float64 `json:"ocean_vector"`
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
		if out.Ocean == nil {
			return ErrProfileNotFound
		}
		profile = out.Ocean
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// call runs fn under a per-call timeout through the breaker and records
// latency. Payload errors and 404s do not count against the breaker.
func (c *Client) call(ctx context.Context, endpoint string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.breaker.Execute(endpoint, func() error { return fn(ctx) }, func(err error) bool {
		return errors.Is(err, ErrPayloadInvalid) || errors.Is(err, ErrProfileNotFound) ||
			errors.Is(err, context.Canceled)
	})
	metrics.OracleRequestDuration.WithLabelValues(endpoint, result(err)).Observe(time.Since(start).Seconds())

	if err == nil || errors.Is(err, ErrPayloadInvalid) || errors.Is(err, ErrProfileNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPayloadInvalid):
		return "invalid"
	case errors.Is(err, ErrProfileNotFound):
		return "not_found"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "open"
	default:
		return "error"
	}
}
