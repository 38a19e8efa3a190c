package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/metrics"
)

const (
	fallbackLookback   = 30 * 24 * time.Hour
	fallbackEventLimit = 100
	recalcPageSize     = 500
	// Changes at or below this leave the stored risk alone.
	recalcThreshold = 0.01
)

// RecalcReport summarizes a full recalculation pass.
type RecalcReport struct {
	Users   int `json:"users"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// RecalcResult is the outcome for one user.
type RecalcResult struct {
	UserID   string      `json:"user_id"`
	Previous float64     `json:"previous"`
	Risk     Computation `json:"risk"`
	// Source is "alerts", "events", "activity" or "baseline".
	Source  string `json:"source"`
	Updated bool   `json:"updated"`
}

// Recalculate recomputes one user's current_risk under the user's lock.
// Users with alerts use the full blend. Others fall back to their recent
// scored events, then to their event volume, then to a small baseline.
// The store holds the same row lock ApplyAlert takes, so a recalculation
// in another process cannot interleave with an apply.
func (u *Updater) Recalculate(ctx context.Context, userID string) (*RecalcResult, error) {
	unlock, err := u.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &RecalcResult{UserID: userID}
	var updated bool
	err = u.alerts.UpdateUserRisk(ctx, userID, func(ctx context.Context, current float64, st Stats) (float64, bool, error) {
		updated = false
		res.Previous = current
		if st.Total > 0 {
			res.Risk = u.policy.Compute(st)
			res.Source = "alerts"
		} else {
			base, source, err := u.fallbackBase(ctx, userID)
			if err != nil {
				return 0, false, err
			}
			res.Risk = u.policy.Finish(base, st)
			res.Source = source
		}
		if current != 0 && math.Abs(res.Risk.Final-current) <= recalcThreshold {
			return 0, false, nil
		}
		updated = true
		return res.Risk.Final, true, ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recalculate user %s: %w", userID, err)
	}
	res.Updated = updated
	if updated {
		metrics.UserRiskUpdatesTotal.WithLabelValues("recalculate").Inc()
	}
	return res, nil
}

func (u *Updater) fallbackBase(ctx context.Context, userID string) (float64, string, error) {
	recent, err := u.events.ScoredEventsSince(ctx, userID, u.now().Add(-fallbackLookback), fallbackEventLimit)
	if err != nil {
		return 0, "", fmt.Errorf("failed to load scored events: %w", err)
	}
	var scores []float64
	for _, ev := range recent {
		if ev.RiskScore > 0 {
			scores = append(scores, ev.RiskScore)
		}
	}
	if len(scores) > 0 {
		mean, _ := stats.Mean(scores)
		return mean, "events", nil
	}

	n, err := u.events.CountUserEvents(ctx, userID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to count user events: %w", err)
	}
	if n == 0 {
		return u.policy.Baseline(), "baseline", nil
	}
	return 0.02 + min(float64(n)/100, 0.03), "activity", nil
}

// RecalculateAll recomputes every user. Ids are collected up front since
// the listing order follows the risk being rewritten. Per-user failures
// are logged and counted; only cancellation stops the pass early.
func (u *Updater) RecalculateAll(ctx context.Context) (*RecalcReport, error) {
	var ids []string
	for offset := 0; ; offset += recalcPageSize {
		users, err := u.events.ListUsers(ctx, activity.SortByRisk, recalcPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, user := range users {
			ids = append(ids, user.ID)
		}
		if len(users) < recalcPageSize {
			break
		}
	}

	report := &RecalcReport{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Users++
		res, err := u.Recalculate(ctx, id)
		if err != nil {
			report.Failed++
			u.logger.Warn("risk recalculation failed", "user_id", id, "error", err)
			continue
		}
		if res.Updated {
			report.Updated++
		}
	}
	return report, nil
}

// RecalcWorker periodically runs RecalculateAll.
type RecalcWorker struct {
	updater  *Updater
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewRecalcWorker creates a worker that recalculates every interval.
func NewRecalcWorker(u *Updater, interval time.Duration, logger *slog.Logger) *RecalcWorker {
	return &RecalcWorker{
		updater:  u,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *RecalcWorker) Running() bool {
	return w.running.Load()
}

// Start blocks until ctx is done or Stop is called.
func (w *RecalcWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *RecalcWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *RecalcWorker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in recalculation worker", "panic", fmt.Sprint(r))
		}
	}()
	start := time.Now()
	report, err := w.updater.RecalculateAll(ctx)
	if err != nil {
		w.logger.Error("risk recalculation pass failed", "error", err)
		return
	}
	w.logger.Info("risk recalculation pass complete",
		"users", report.Users,
		"updated", report.Updated,
		"failed", report.Failed,
		"duration", time.Since(start).String(),
	)
}
