package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/pagination"
)

// ErrInvalidSeverity is returned for severity filters outside low/medium/high.
var ErrInvalidSeverity = activity.ErrInvalidSeverity

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 200

	defaultContextWindow = 10
	maxContextWindow     = 100
)

// Handler serves the alert endpoints.
type Handler struct {
	alerts Store
	events activity.EventStore
}

// NewHandler creates a new alerts handler.
func NewHandler(alerts Store, events activity.EventStore) *Handler {
	return &Handler{alerts: alerts, events: events}
}

// RegisterRoutes sets up alert routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/context", h.AlertContext)
	r.GET("/alerts/:id", h.GetAlert)
}

// ListAlerts handles GET /v1/alerts?severity=&limit=&skip=
func (h *Handler) ListAlerts(c *gin.Context) {
	ctx := c.Request.Context()

	page, err := pagination.Parse(c, defaultAlertLimit, maxAlertLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}
	f := AlertFilter{Limit: page.Limit, Offset: page.Skip}
	if v := c.Query("severity"); v != "" {
		sev, err := activity.ParseSeverity(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_severity", "message": err.Error()})
			return
		}
		f.Severity = sev
	}

	alerts, err := h.alerts.ListAlerts(ctx, f)
	if err != nil {
		logging.L(ctx).Error("failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	total, err := h.alerts.CountAlerts(ctx, AlertFilter{Severity: f.Severity})
	if err != nil {
		logging.L(ctx).Error("failed to count alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if alerts == nil {
		alerts = []*Alert{}
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"total":  total,
		"limit":  page.Limit,
		"skip":   page.Skip,
	})
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	ctx := c.Request.Context()

	a, err := h.alerts.GetAlert(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "alert not found"})
			return
		}
		logging.L(ctx).Error("failed to get alert", "alert_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// AlertContext handles GET /v1/alerts/context?event_id=&window=10 and
// returns the user's events surrounding the given one.
func (h *Handler) AlertContext(c *gin.Context) {
	ctx := c.Request.Context()

	eventID := c.Query("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "event_id is required"})
		return
	}
	window := defaultContextWindow
	if v := c.Query("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window", "message": "window must be a positive integer"})
			return
		}
		window = min(n, maxContextWindow)
	}

	ev, err := h.events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, activity.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "event not found"})
			return
		}
		logging.L(ctx).Error("failed to get event", "event_id", eventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	before, after, err := h.events.EventsAround(ctx, ev, window)
	if err != nil {
		logging.L(ctx).Error("failed to load alert context", "event_id", eventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	var alert *Alert
	if a, err := h.alerts.GetAlertByEvent(ctx, eventID); err == nil {
		alert = a
	} else if !errors.Is(err, ErrAlertNotFound) {
		logging.L(ctx).Warn("failed to load alert for context", "event_id", eventID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"event": ev,
		"alert": alert,
		"context": gin.H{
			"before": nonNilEvents(before),
			"after":  nonNilEvents(after),
		},
	})
}

func nonNilEvents(list []*activity.Event) []*activity.Event {
	if list == nil {
		return []*activity.Event{}
	}
	return list
}
