package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profile() Profile {
	return Profile{
		UserID:      "ACM2278",
		Role:        "Engineer",
		EventCounts: map[string]int{"FILE": 12, "AUTH": 3},
		CurrentRisk: 0.62,
		TopAlerts: []AlertBrief{{
			Type: "exfiltration", TS: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Explanation: "usb copy",
		}},
	}
}

func TestPrompt(t *testing.T) {
	p := Prompt(profile())
	assert.Contains(t, p, "user=ACM2278, role=Engineer")
	assert.Contains(t, p, `last_7_days_events={"AUTH":3,"FILE":12}`)
	assert.Contains(t, p, "current_risk=0.62")
	assert.Contains(t, p, `"type":"exfiltration"`)
	assert.Contains(t, p, "ocean_vector=null")
	assert.True(t, strings.HasSuffix(p, "3 bullet recommended actions."))
}

func TestPrompt_EmptyCollections(t *testing.T) {
	p := Prompt(Profile{UserID: "U1"})
	assert.Contains(t, p, "last_7_days_events={}")
	assert.Contains(t, p, "top_alerts=[]")
}

func TestGemini_Summarize(t *testing.T) {
	var gotPath, gotKey, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotPrompt = req.Contents[0].Parts[0].Text
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Routine engineering activity."}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini("secret", "", WithBaseURL(srv.URL))
	text, err := g.Summarize(context.Background(), profile())
	require.NoError(t, err)
	assert.Equal(t, "Routine engineering activity.", text)
	assert.Equal(t, "/models/gemini-pro:generateContent", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, gotPrompt, "ACM2278")
}

func TestGemini_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"no candidates", http.StatusOK, `{"candidates":[]}`},
		{"bad json", http.StatusOK, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewGemini("k", "gemini-pro", WithBaseURL(srv.URL)).Summarize(context.Background(), profile())
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestGemini_NotConfigured(t *testing.T) {
	_, err := NewGemini("", "").Summarize(context.Background(), profile())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGemini_BreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGemini("k", "", WithBaseURL(srv.URL))
	for range 5 {
		_, err := g.Summarize(context.Background(), profile())
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, 3, calls, "breaker stops calls after three failures")
}
