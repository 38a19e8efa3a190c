package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/logging"
)

// MaxBatchSize caps the number of events accepted in one POST /v1/logs.
const MaxBatchSize = 1000

// Handler serves event ingestion.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new ingestion handler.
func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

// RegisterRoutes sets up ingestion routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/logs", h.Ingest)
	r.POST("/logs/analyze", h.Analyze)
	r.POST("/logs/:id/reprocess", h.Reprocess)
}

type batchItem struct {
	*Result
	Error string `json:"error,omitempty"`
}

// Ingest handles POST /v1/logs with one event object or an array.
func (h *Handler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read body"})
		return
	}
	inputs, batch, err := DecodeInputs(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if len(inputs) > MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch_too_large", "message": "at most 1000 events per request"})
		return
	}

	if !batch {
		res, err := h.processor.ProcessEvent(ctx, inputs[0])
		h.respond(c, res, err)
		return
	}

	items := make([]batchItem, 0, len(inputs))
	report := &BackfillReport{}
	for _, in := range inputs {
		res, err := h.processor.ProcessEvent(ctx, in)
		report.add(res, err)
		item := batchItem{Result: res}
		if res == nil {
			item.Result = &Result{}
		}
		if err != nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   items,
		"processed": report.Processed,
		"scored":    report.Scored,
		"alerts":    report.Alerts,
		"failed":    report.Failed,
	})
}

// Reprocess handles POST /v1/logs/:id/reprocess.
func (h *Handler) Reprocess(c *gin.Context) {
	res, err := h.processor.Reprocess(c.Request.Context(), c.Param("id"))
	if errors.Is(err, activity.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "event not found"})
		return
	}
	h.respond(c, res, err)
}

// analyzeRequest is {"event": {...}, "user_id": "..."}. A bare event
// object is accepted too.
type analyzeRequest struct {
	Event  *Input `json:"event"`
	UserID string `json:"user_id"`
}

// Analyze handles POST /v1/logs/analyze: it scores an event against the
// user's stored window without storing the event or touching risk state.
func (h *Handler) Analyze(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read body"})
		return
	}
	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be an event object"})
		return
	}
	in := req.Event
	if in == nil {
		in = &Input{}
		if err := json.Unmarshal(body, in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if in.UserID == "" {
		in.UserID = req.UserID
	}

	prep, j, err := h.processor.Analyze(c.Request.Context(), *in)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"judgment":        j,
			"features":        prep.Request.Features,
			"recent_sequence": prep.Request.Sequence.String(),
			"is_new_device":   prep.Request.IsNewDevice,
		})
	case errors.Is(err, ErrUnscored):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oracle_unavailable", "message": err.Error()})
	case errors.Is(err, activity.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("failed to analyze event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *Handler) respond(c *gin.Context, res *Result, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, res)
	case errors.Is(err, ErrUnscored):
		c.JSON(http.StatusAccepted, gin.H{"event_id": res.EventID, "scored": false, "message": err.Error()})
	case errors.Is(err, activity.ErrEventExists):
		c.JSON(http.StatusConflict, gin.H{"error": "event_exists", "event_id": res.EventID, "scored": res.Scored, "message": "event already ingested; use reprocess to score it again"})
	case errors.Is(err, activity.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("failed to process event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
