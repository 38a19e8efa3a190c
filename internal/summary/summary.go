// Package summary asks a generative model for a short analyst-facing
// summary of a user's recent behaviour.
package summary

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
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/traces"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("summary: summarizer not configured")
	// ErrUnavailable covers transport failures, non-2xx answers, empty
	// candidates and an open circuit.
	ErrUnavailable = errors.New("summary: generation failed")
)

const (
	DefaultModel   = "gemini-pro"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
	breakerKey      = "generate"
)

// AlertBrief is one recent alert in the prompt.
type AlertBrief struct {
	Type        string    `json:"type"`
	TS          time.Time `json:"ts"`
	Explanation string    `json:"explanation"`
}

// Profile is the data the prompt is built from.
type Profile struct {
	UserID      string
	Role        string
	EventCounts map[string]int
	CurrentRisk float64
	TopAlerts   []AlertBrief
	Ocean       map[string]float64
}

// Summarizer produces the summary text.
type Summarizer interface {
	Summarize(ctx context.Context, p Profile) (string, error)
}

// Prompt renders p into the model instruction.
func Prompt(p Profile) string {
	counts := p.EventCounts
	if counts == nil {
		counts = map[string]int{}
	}
	alerts := p.TopAlerts
	if alerts == nil {
		alerts = []AlertBrief{}
	}
	var b strings.Builder
	b.WriteString("Provide a 2-3 sentence non-judgmental summary of this user's recent behavior for SOC analysts.\n")
	fmt.Fprintf(&b, "Data: user=%s, role=%s, last_7_days_events=%s, current_risk=%v, top_alerts=%s, ocean_vector=%s.\n",
		p.UserID, p.Role, mustJSON(counts), p.CurrentRisk, mustJSON(alerts), mustJSON(p.Ocean))
	b.WriteString("Output: short paragraph + 3 bullet recommended actions.")
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// Gemini calls the generateContent REST endpoint.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Gemini client.
type Option func(*Gemini)

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gemini) { g.client = hc }
}

// WithLogger sets the logger used for failed calls.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}

// NewGemini creates a client. An empty model uses DefaultModel.
func NewGemini(apiKey, model string, opts ...Option) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	g := &Gemini{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
		breaker: circuitbreaker.New(3, time.Minute),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Summarize sends the prompt for p and returns the first candidate's text.
func (g *Gemini) Summarize(ctx context.Context, p Profile) (string, error) {
	if g.apiKey == "" {
		return "", ErrNotConfigured
	}
	ctx, span := traces.StartSpan(ctx, "summary.Generate", traces.UserID(p.UserID))
	defer span.End()

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: Prompt(p)}}}}})
	if err != nil {
		return "", fmt.Errorf("summary: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, url.PathEscape(g.model), url.QueryEscape(g.apiKey))

	var text string
	err = g.breaker.Execute(breakerKey, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("generateContent returned HTTP %d", resp.StatusCode)
		}
		var out generateResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
			return errors.New("response has no candidates")
		}
		text = out.Candidates[0].Content.Parts[0].Text
		return nil
	}, func(err error) bool { return errors.Is(err, context.Canceled) })
	if err != nil {
		span.RecordError(err)
		g.logger.WarnContext(ctx, "ai summary generation failed", "user_id", p.UserID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return text, nil
}
