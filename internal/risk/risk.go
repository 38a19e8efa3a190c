// Package risk folds oracle judgments into durable per-user risk state.
//
// A medium or high judgment materializes an Alert keyed by event id, then
// the user's current_risk is recomputed from their recent alerts using the
// tiered Policy, and the user's hourly Bucket is updated. All three writes
// happen as one storage transaction while a per-user lock is held; the
// oracle call that produced the judgment is never inside that lock.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/oracle"
)

var (
	ErrAlertNotFound = errors.New("risk: alert not found")
	ErrNotAlerting   = errors.New("risk: judgment severity does not raise an alert")
)

// RecentWindow is the number of most recent alerts the blend looks at.
const RecentWindow = 50

// Alert is a materialized medium/high judgment on one event.
type Alert struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	UserID      string            `json:"user"`
	RiskScore   float64           `json:"risk_score"`
	Severity    activity.Severity `json:"severity"`
	AnomalyType string            `json:"anomaly_type"`
	Explanation string            `json:"explanation"`
	Scores      map[string]any    `json:"scores,omitempty"`
	// CreatedAt is the event's timestamp and survives re-upserts.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of a with its own Scores map.
func (a *Alert) Clone() *Alert {
	c := *a
	if a.Scores != nil {
		c.Scores = make(map[string]any, len(a.Scores))
		for k, v := range a.Scores {
			c.Scores[k] = v
		}
	}
	return &c
}

// Bucket is the per-user, per-hour rollup of alerts. MaxRisk is a running
// maximum serialized as avg_risk, the name dashboards read.
type Bucket struct {
	UserID  string    `json:"user"`
	Hour    time.Time `json:"ts"`
	MaxRisk float64   `json:"avg_risk"`
	High    int       `json:"high_count"`
	Medium  int       `json:"medium_count"`
	Low     int       `json:"low_count"`
}

// Add folds one judgment into the bucket.
func (b *Bucket) Add(score float64, severity activity.Severity) {
	switch severity {
	case activity.SeverityHigh:
		b.High++
	case activity.SeverityMedium:
		b.Medium++
	default:
		b.Low++
	}
	if score > b.MaxRisk {
		b.MaxRisk = score
	}
}

// BucketOf rebuilds userID's bucket for hour from alerts, counting each
// alert created in that hour once. Reapplying a judgment to the same event
// therefore moves its count instead of adding another. Stores keep the
// larger of the rebuilt and stored MaxRisk.
func BucketOf(userID string, hour time.Time, alerts []*Alert) *Bucket {
	b := &Bucket{UserID: userID, Hour: hour}
	for _, a := range alerts {
		if a.UserID == userID && HourOf(a.CreatedAt).Equal(hour) {
			b.Add(a.RiskScore, a.Severity)
		}
	}
	return b
}

// HourOf truncates ts to the start of its UTC hour.
func HourOf(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}

// Stats summarizes a user's alerts for the blend.
type Stats struct {
	// Recent holds at most RecentWindow scores, newest first.
	Recent []float64
	// Total and High count every alert the user has.
	Total       int
	High        int
	LifetimeAvg float64
}

// AlertFilter narrows ListAlerts and CountAlerts. Zero fields match all.
type AlertFilter struct {
	UserID   string
	Severity activity.Severity
	Since    time.Time
	Limit    int
	Offset   int
}

// Application is one medium/high judgment to fold into state.
type Application struct {
	Event    *activity.Event
	Judgment *oracle.Judgment
	At       time.Time
}

// Outcome reports what ApplyAlert wrote.
type Outcome struct {
	Alert        *Alert
	Created      bool
	PreviousRisk float64
	Risk         Computation
	Bucket       *Bucket
}

// ComputeFunc turns post-upsert alert stats into the user's new risk.
type ComputeFunc func(Stats) Computation

// DecideFunc picks a user's new risk from the locked current value and the
// user's alert stats. ok=false leaves the stored risk unchanged.
type DecideFunc func(ctx context.Context, current float64, st Stats) (risk float64, ok bool, err error)

// Store persists alerts and hourly buckets.
type Store interface {
	// ApplyAlert atomically marks the event scored, upserts its alert,
	// recomputes the user's risk with compute, updates the user and
	// upserts the hourly bucket. Either every write lands or none does.
	ApplyAlert(ctx context.Context, app *Application, compute ComputeFunc) (*Outcome, error)
	// UpdateUserRisk locks the user the way ApplyAlert does and stores the
	// risk decide returns. Unknown users return activity.ErrUserNotFound.
	UpdateUserRisk(ctx context.Context, userID string, decide DecideFunc) error

	GetAlert(ctx context.Context, id string) (*Alert, error)
	GetAlertByEvent(ctx context.Context, eventID string) (*Alert, error)
	// ListAlerts returns matches newest first by created_at.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	CountAlerts(ctx context.Context, f AlertFilter) (int, error)
	UserStats(ctx context.Context, userID string) (Stats, error)
	SeverityCounts(ctx context.Context, since time.Time) (map[activity.Severity]int, error)
	SearchAlerts(ctx context.Context, q string, limit int) ([]*Alert, error)
	// Buckets returns every user's buckets with hour >= since, oldest first.
	Buckets(ctx context.Context, since time.Time) ([]*Bucket, error)
}

// newAlert builds the alert row for app, keeping identity from prev.
func newAlert(app *Application, prev *Alert, id string) *Alert {
	a := &Alert{
		ID:          id,
		EventID:     app.Event.ID,
		UserID:      app.Event.UserID,
		RiskScore:   app.Judgment.RiskScore,
		Severity:    app.Judgment.Severity,
		AnomalyType: app.Judgment.AnomalyType,
		Explanation: app.Judgment.Explanation,
		Scores:      app.Judgment.Scores,
		CreatedAt:   app.Event.Timestamp.UTC(),
		UpdatedAt:   app.At.UTC(),
	}
	if prev != nil {
		a.ID = prev.ID
		a.CreatedAt = prev.CreatedAt
	}
	return a.Clone()
}
