package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/syncutil"
	"github.com/mbd888/riskwatch/internal/traces"
)

// Updater folds judgments into alerts, user risk and hourly buckets.
// Applies for the same user run one at a time; different users proceed
// in parallel.
type Updater struct {
	events   activity.Store
	alerts   Store
	policy   *Policy
	locks    *syncutil.KeyedMutex
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithNotifier sets the sink that receives new_alert notices.
func WithNotifier(n Notifier) UpdaterOption {
	return func(u *Updater) {
		if n != nil {
			u.notifier = n
		}
	}
}

// WithPolicy overrides the blend policy, typically to pin the jitter in tests.
func WithPolicy(p *Policy) UpdaterOption {
	return func(u *Updater) { u.policy = p }
}

// WithLogger sets the updater's logger.
func WithLogger(l *slog.Logger) UpdaterOption {
	return func(u *Updater) { u.logger = l }
}

// WithLocks shares a keyed mutex with other writers of user risk.
func WithLocks(m *syncutil.KeyedMutex) UpdaterOption {
	return func(u *Updater) { u.locks = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) UpdaterOption {
	return func(u *Updater) { u.now = now }
}

// NewUpdater creates an Updater over the given stores.
func NewUpdater(events activity.Store, alerts Store, opts ...UpdaterOption) *Updater {
	u := &Updater{
		events:   events,
		alerts:   alerts,
		policy:   NewPolicy(),
		locks:    syncutil.NewKeyedMutex(0),
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Policy returns the blend policy in use.
func (u *Updater) Policy() *Policy { return u.policy }

// Apply records j on ev. A low judgment only scores the event and returns
// a nil Outcome. Medium and high judgments go through ApplyAlert under the
// user's lock, and a new_alert notice is published once the writes commit
// if the alert did not exist before.
func (u *Updater) Apply(ctx context.Context, ev *activity.Event, j *oracle.Judgment) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Apply",
		traces.EventID(ev.ID),
		traces.UserID(ev.UserID),
		traces.Severity(string(j.Severity)),
		traces.RiskScore(j.RiskScore),
	)
	defer span.End()

	if !j.Severity.Alerting() {
		if err := u.events.ScoreEvent(ctx, ev.ID, j.RiskScore, j.Severity); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to score event: %w", err)
		}
		return nil, nil
	}

	unlock, err := u.lock(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	out, err := u.alerts.ApplyAlert(ctx, &Application{Event: ev, Judgment: j, At: u.now()}, u.policy.Compute)
	unlock()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to apply alert: %w", err)
	}

	if out.Created {
		metrics.AlertsTotal.WithLabelValues(string(out.Alert.Severity)).Inc()
	}
	metrics.UserRiskUpdatesTotal.WithLabelValues("alert").Inc()
	span.SetAttributes(traces.AlertID(out.Alert.ID))

	u.logger.Info("alert applied",
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"alert_id", out.Alert.ID,
		"severity", string(out.Alert.Severity),
		"created", out.Created,
		"previous_risk", out.PreviousRisk,
		"current_risk", out.Risk.Final,
	)

	// Reapplied judgments update the alert in place; only new alerts are announced.
	if out.Created {
		u.notifier.NotifyAlert(ctx, NoticeFor(out.Alert))
	}
	return out, nil
}

func (u *Updater) lock(ctx context.Context, userID string) (func(), error) {
	start := time.Now()
	unlock, err := u.locks.Lock(ctx, userID)
	metrics.ApplyLockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	return unlock, nil
}
