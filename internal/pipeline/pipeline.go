// Package pipeline is the process_event entry point: it stores a raw event,
// rebuilds the user's 24-hour window, asks the oracle for a judgment and
// folds the judgment into risk state.
//
// The three phases are separate so that only Apply runs under the
// per-user lock; the oracle call in Score never does.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/features"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/traces"
)

// ErrUnscored wraps oracle failures. The event is stored but keeps
// Scored=false so a later backfill picks it up.
var ErrUnscored = errors.New("pipeline: event left unscored")

// Outcome labels for metrics.EventsProcessedTotal.
const (
	outcomeAlert     = "alert"
	outcomeScored    = "scored"
	outcomeUnscored  = "unscored"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
	outcomeError     = "error"
)

// Result is what process_event reports for one event.
type Result struct {
	EventID  string           `json:"event_id"`
	Scored   bool             `json:"scored"`
	Judgment *oracle.Judgment `json:"judgment,omitempty"`
	AlertID  string           `json:"alert_id,omitempty"`
	// UserRisk is the user's current_risk after an alert; nil otherwise.
	UserRisk *float64 `json:"user_risk,omitempty"`
}

// Prepared is an event ready to be scored.
type Prepared struct {
	Event   *activity.Event
	Request *oracle.Request
}

// Processor runs events through the pipeline.
type Processor struct {
	events  activity.Store
	scorer  oracle.Scorer
	updater *risk.Updater
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock overrides time.Now for events submitted without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the pipeline's collaborators.
func NewProcessor(events activity.Store, scorer oracle.Scorer, updater *risk.Updater, opts ...Option) *Processor {
	p := &Processor{
		events:  events,
		scorer:  scorer,
		updater: updater,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEvent stores in and scores it. On an oracle failure it returns a
// Result with Scored=false together with an error wrapping ErrUnscored.
//
// An id that is already stored never replaces the stored event. If that
// event is unscored and belongs to the same user, scoring resumes on the
// stored copy; otherwise the stored Result comes back with an error
// wrapping activity.ErrEventExists. Use Reprocess to score again.
func (p *Processor) ProcessEvent(ctx context.Context, in Input) (*Result, error) {
	ev, err := in.Event(p.now())
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(outcomeInvalid).Inc()
		return nil, err
	}
	err = p.events.SaveEvent(ctx, ev)
	switch {
	case errors.Is(err, activity.ErrEventExists):
		return p.resume(ctx, ev)
	case err != nil:
		metrics.EventsProcessedTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("failed to save event: %w", err)
	}
	return p.run(ctx, ev)
}

func (p *Processor) resume(ctx context.Context, ev *activity.Event) (*Result, error) {
	stored, err := p.events.GetEvent(ctx, ev.ID)
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("failed to load existing event: %w", err)
	}
	if !stored.Scored && stored.UserID == ev.UserID {
		return p.run(ctx, stored)
	}
	metrics.EventsProcessedTotal.WithLabelValues(outcomeDuplicate).Inc()
	return &Result{EventID: stored.ID, Scored: stored.Scored}, fmt.Errorf("%w: %s", activity.ErrEventExists, stored.ID)
}

// Reprocess scores an already stored event again. The window ends at the
// event's own timestamp.
func (p *Processor) Reprocess(ctx context.Context, eventID string) (*Result, error) {
	ev, err := p.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, ev)
}

func (p *Processor) run(ctx context.Context, ev *activity.Event) (*Result, error) {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, p.logger)
	}
	ctx = logging.WithAttrs(ctx, "event_id", ev.ID, "user_id", ev.UserID)
	ctx, span := traces.StartSpan(ctx, "pipeline.ProcessEvent",
		traces.EventID(ev.ID),
		traces.UserID(ev.UserID),
		traces.EventKind(string(ev.Kind)),
	)
	defer span.End()

	prep, err := p.Prepare(ctx, ev)
	if err != nil {
		span.RecordError(err)
		metrics.EventsProcessedTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}

	res := &Result{EventID: ev.ID}
	j, err := p.Score(ctx, prep)
	if err != nil {
		span.RecordError(err)
		metrics.EventsProcessedTotal.WithLabelValues(outcomeUnscored).Inc()
		p.log(ctx).Warn("event left unscored", "error", err)
		return res, fmt.Errorf("%w: %w", ErrUnscored, err)
	}
	res.Judgment = j

	out, err := p.Apply(ctx, prep, j)
	if err != nil {
		span.RecordError(err)
		metrics.EventsProcessedTotal.WithLabelValues(outcomeError).Inc()
		return res, err
	}
	res.Scored = true
	outcome := outcomeScored
	if out != nil {
		outcome = outcomeAlert
		res.AlertID = out.Alert.ID
		final := out.Risk.Final
		res.UserRisk = &final
	}
	metrics.EventsProcessedTotal.WithLabelValues(outcome).Inc()

	p.log(ctx).Info("event processed",
		"severity", string(j.Severity),
		"risk_score", j.RiskScore,
		"anomaly_type", j.AnomalyType,
		"alert_id", res.AlertID,
	)
	return res, nil
}

// Prepare loads the event's window and user and extracts its features.
// The user is registered on first sight.
func (p *Processor) Prepare(ctx context.Context, ev *activity.Event) (*Prepared, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.Prepare")
	defer span.End()
	return p.prepare(ctx, ev, true)
}

// prepare builds the oracle request for ev. When stored is false ev is
// added to the window itself and an unknown user is not registered.
func (p *Processor) prepare(ctx context.Context, ev *activity.Event, stored bool) (*Prepared, error) {
	window, err := p.events.FindEvents(ctx, ev.UserID, ev.Timestamp.Add(-features.WindowSpan), ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to load event window: %w", err)
	}
	if !stored && !slices.ContainsFunc(window, func(e *activity.Event) bool { return ev.ID != "" && e.ID == ev.ID }) {
		window = append(window, ev)
	}

	user, err := p.events.GetUser(ctx, ev.UserID)
	switch {
	case errors.Is(err, activity.ErrUserNotFound):
		user = nil
		if stored {
			if err := p.events.UpsertUser(ctx, &activity.User{ID: ev.UserID}); err != nil {
				return nil, fmt.Errorf("failed to register user: %w", err)
			}
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	return &Prepared{
		Event:   ev,
		Request: oracle.NewRequest(ev, features.Window(window, ev.Timestamp), user),
	}, nil
}

// Analyze scores in without writing anything. Its features come from the
// user's stored 24-hour window plus in itself. Oracle failures wrap
// ErrUnscored.
func (p *Processor) Analyze(ctx context.Context, in Input) (*Prepared, *oracle.Judgment, error) {
	ev, err := in.Event(p.now())
	if err != nil {
		return nil, nil, err
	}
	ctx, span := traces.StartSpan(ctx, "pipeline.Analyze",
		traces.UserID(ev.UserID),
		traces.EventKind(string(ev.Kind)),
	)
	defer span.End()

	prep, err := p.prepare(ctx, ev, false)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	j, err := p.Score(ctx, prep)
	if err != nil {
		span.RecordError(err)
		return prep, nil, fmt.Errorf("%w: %w", ErrUnscored, err)
	}
	return prep, j, nil
}

// Score asks the oracle for a judgment. No locks are held.
func (p *Processor) Score(ctx context.Context, prep *Prepared) (*oracle.Judgment, error) {
	return p.scorer.Analyze(ctx, prep.Request)
}

// Apply folds the judgment into risk state under the user's lock.
func (p *Processor) Apply(ctx context.Context, prep *Prepared, j *oracle.Judgment) (*risk.Outcome, error) {
	return p.updater.Apply(ctx, prep.Event, j)
}

func (p *Processor) log(ctx context.Context) *slog.Logger {
	return logging.L(ctx)
}
