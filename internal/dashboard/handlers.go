// Package dashboard serves the analyst read API: the landing overview,
// user cards and detail, the alert feed, search and AI summaries.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/cache"
	"github.com/mbd888/riskwatch/internal/features"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/pagination"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/summary"
)

const (
	// OverviewCacheKey holds the cached Overview.
	OverviewCacheKey = "dashboard:main"
	// DefaultOverviewTTL is how long an Overview is served from cache.
	DefaultOverviewTTL = 10 * time.Second
	// SummaryMaxAge is how long a stored AI summary is reused.
	SummaryMaxAge = time.Hour

	topUsers        = 5
	sparklineDays   = 7
	recentEvents    = 5
	sequenceEvents  = 20
	detailAlerts    = 10
	summaryAlerts   = 5
	summaryLookback = 7 * 24 * time.Hour
)

// Handler provides the analyst API endpoints.
type Handler struct {
	events     activity.Store
	alerts     risk.Store
	profiler   oracle.Profiler
	summarizer summary.Summarizer
	cache      cache.Cache
	ttl        time.Duration
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithProfiler enables OCEAN profiles on user detail and summaries.
func WithProfiler(p oracle.Profiler) Option {
	return func(h *Handler) { h.profiler = p }
}

// WithSummarizer enables POST /users/:id/ai_summary.
func WithSummarizer(s summary.Summarizer) Option {
	return func(h *Handler) { h.summarizer = s }
}

// WithCache serves the overview from c for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(h *Handler) {
		h.cache = c
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a new dashboard handler.
func NewHandler(events activity.Store, alerts risk.Store, opts ...Option) *Handler {
	h := &Handler{
		events: events,
		alerts: alerts,
		cache:  cache.Nop{},
		ttl:    DefaultOverviewTTL,
		now:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes sets up dashboard routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard", h.Dashboard)
	r.GET("/users", h.ListUsers)
	r.GET("/users/:id", h.GetUser)
	r.GET("/users/:id/events", h.UserEvents)
	r.POST("/users/:id/ai_summary", h.AISummary)
	r.GET("/events", h.Feed)
	r.GET("/search", h.Search)
}

// Dashboard returns the 24-hour overview.
func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	ov, cached, err := cache.GetOrLoad(ctx, h.cache, OverviewCacheKey, h.ttl, h.overview)
	if err != nil {
		internalError(c, "failed to build dashboard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ov, "cached": cached})
}

func (h *Handler) overview(ctx context.Context) (*Overview, error) {
	now := h.now()
	since := now.Add(-24 * time.Hour)

	alerts, err := h.alerts.CountAlerts(ctx, risk.AlertFilter{Since: since})
	if err != nil {
		return nil, err
	}
	events, err := h.events.CountEventsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	severities, err := h.alerts.SeverityCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	users, err := h.events.ListUsers(ctx, activity.SortByRisk, topUsers, 0)
	if err != nil {
		return nil, err
	}
	buckets, err := h.alerts.Buckets(ctx, now.AddDate(0, 0, -sparklineDays))
	if err != nil {
		return nil, err
	}

	top := make([]TopUser, 0, len(users))
	for _, u := range users {
		top = append(top, TopUser{ID: u.ID, Name: u.DisplayName(), Role: u.Role, CurrentRisk: u.CurrentRisk})
	}
	return &Overview{
		TotalAlerts:          alerts,
		TotalEvents:          events,
		SeverityDistribution: Distribution(severities),
		TopUsers:             top,
		Sparkline:            Sparkline(buckets),
	}, nil
}

// ListUsers returns user cards sorted by risk or last activity.
func (h *Handler) ListUsers(c *gin.Context) {
	sort := activity.UserSort(c.DefaultQuery("sort", string(activity.SortByRisk)))
	if sort != activity.SortByRisk && sort != activity.SortByLastSeen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort", "message": "sort must be riskscore or last_seen"})
		return
	}
	page, err := pagination.Parse(c, 100, 500)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}

	users, err := h.events.ListUsers(c.Request.Context(), sort, page.Limit, page.Skip)
	if err != nil {
		internalError(c, "failed to list users", err)
		return
	}
	cards := make([]UserCard, 0, len(users))
	for _, u := range users {
		cards = append(cards, CardFor(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": cards, "limit": page.Limit, "skip": page.Skip})
}

// GetUser returns a user with recent events, latest alerts, the action
// sequence of their most recent events and their OCEAN profile.
func (h *Handler) GetUser(c *gin.Context) {
	ctx := c.Request.Context()
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	recent, err := h.events.ListUserEvents(ctx, user.ID, nil, sequenceEvents)
	if err != nil {
		internalError(c, "failed to load user events", err)
		return
	}
	alerts, err := h.alerts.ListAlerts(ctx, risk.AlertFilter{UserID: user.ID, Limit: detailAlerts})
	if err != nil {
		internalError(c, "failed to load user alerts", err)
		return
	}

	chronological := slices.Clone(recent)
	slices.Reverse(chronological)

	c.JSON(http.StatusOK, gin.H{
		"user":            user,
		"recent_events":   nonNil(recent[:min(recentEvents, len(recent))]),
		"top_alerts":      nonNil(alerts),
		"markov_sequence": features.BuildSequence(chronological).String(),
		"ocean_vector":    h.ocean(ctx, user.ID),
	})
}

// UserEvents pages through a user's events newest first.
func (h *Handler) UserEvents(c *gin.Context) {
	before, err := pagination.Before(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before", "message": err.Error()})
		return
	}
	limit := pagination.Limit(c, recentEvents, 100)

	events, err := h.events.ListUserEvents(c.Request.Context(), c.Param("id"), before, limit)
	if err != nil {
		internalError(c, "failed to list user events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": nonNil(events)})
}

// AISummary returns the user's stored summary when it is fresh, otherwise
// generates, stores and returns a new one.
func (h *Handler) AISummary(c *gin.Context) {
	ctx := c.Request.Context()
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	now := h.now()
	if s := user.AISummary; s != nil && now.Sub(s.UpdatedAt) < SummaryMaxAge {
		c.JSON(http.StatusOK, gin.H{"summary": s.Text, "cached": true})
		return
	}
	if h.summarizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "summary_unavailable", "message": "no summarizer configured"})
		return
	}

	profile, err := h.summaryProfile(ctx, user, now)
	if err != nil {
		internalError(c, "failed to gather summary data", err)
		return
	}
	text, err := h.summarizer.Summarize(ctx, profile)
	switch {
	case errors.Is(err, summary.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "summary_unavailable", "message": err.Error()})
		return
	case err != nil:
		logging.L(ctx).Warn("ai summary failed", "user_id", user.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "summary_failed", "message": "AI summary generation failed"})
		return
	}

	if err := h.events.SetAISummary(ctx, user.ID, activity.Summary{Text: text, UpdatedAt: now}); err != nil {
		internalError(c, "failed to store summary", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": text, "cached": false})
}

func (h *Handler) summaryProfile(ctx context.Context, user *activity.User, now time.Time) (summary.Profile, error) {
	counts, err := h.events.CountEventsByKind(ctx, user.ID, now.Add(-summaryLookback))
	if err != nil {
		return summary.Profile{}, err
	}
	alerts, err := h.alerts.ListAlerts(ctx, risk.AlertFilter{UserID: user.ID, Limit: summaryAlerts})
	if err != nil {
		return summary.Profile{}, err
	}

	p := summary.Profile{
		UserID:      user.ID,
		Role:        user.Role,
		EventCounts: make(map[string]int, len(counts)),
		CurrentRisk: user.CurrentRisk,
		TopAlerts:   make([]summary.AlertBrief, 0, len(alerts)),
		Ocean:       h.ocean(ctx, user.ID),
	}
	for k, n := range counts {
		p.EventCounts[string(k)] = n
	}
	for _, a := range alerts {
		p.TopAlerts = append(p.TopAlerts, summary.AlertBrief{Type: a.AnomalyType, TS: a.CreatedAt, Explanation: a.Explanation})
	}
	return p, nil
}

// Feed returns recent alerts shaped for the activity feed.
func (h *Handler) Feed(c *gin.Context) {
	ctx := c.Request.Context()
	page, err := pagination.Parse(c, 20, 200)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}

	alerts, err := h.alerts.ListAlerts(ctx, risk.AlertFilter{Limit: page.Limit, Offset: page.Skip})
	if err != nil {
		internalError(c, "failed to list alerts", err)
		return
	}
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.UserID)
	}
	slices.Sort(ids)
	users, err := h.events.GetUsers(ctx, slices.Compact(ids))
	if err != nil {
		internalError(c, "failed to load users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": Feed(alerts, users), "limit": page.Limit, "skip": page.Skip})
}

// Search matches users, alerts and events case-insensitively.
func (h *Handler) Search(c *gin.Context) {
	ctx := c.Request.Context()
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "query parameter q is required"})
		return
	}
	kind := c.Query("type")
	switch kind {
	case "", "user", "alert", "event":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": "type must be user, alert or event"})
		return
	}
	limit := pagination.Limit(c, 10, 100)

	results := gin.H{}
	if kind == "" || kind == "user" {
		users, err := h.events.SearchUsers(ctx, q, limit)
		if err != nil {
			internalError(c, "failed to search users", err)
			return
		}
		results["users"] = nonNil(users)
	}
	if kind == "" || kind == "alert" {
		alerts, err := h.alerts.SearchAlerts(ctx, q, limit)
		if err != nil {
			internalError(c, "failed to search alerts", err)
			return
		}
		results["alerts"] = nonNil(alerts)
	}
	if kind == "" || kind == "event" {
		events, err := h.events.SearchEvents(ctx, q, limit)
		if err != nil {
			internalError(c, "failed to search events", err)
			return
		}
		results["events"] = nonNil(events)
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": results})
}

func (h *Handler) loadUser(c *gin.Context) (*activity.User, bool) {
	user, err := h.events.GetUser(c.Request.Context(), c.Param("id"))
	if errors.Is(err, activity.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		return nil, false
	}
	if err != nil {
		internalError(c, "failed to load user", err)
		return nil, false
	}
	return user, true
}

// ocean returns the user's profile, or nil when none is available.
func (h *Handler) ocean(ctx context.Context, userID string) map[string]float64 {
	if h.profiler == nil {
		return nil
	}
	p, err := h.profiler.Profile(ctx, userID)
	if err != nil {
		if !errors.Is(err, oracle.ErrProfileNotFound) {
			logging.L(ctx).Debug("ocean profile unavailable", "user_id", userID, "error", err)
		}
		return nil
	}
	return p
}

func internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
