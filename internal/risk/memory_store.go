package risk

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/idgen"
)

type bucketKey struct {
	user string
	hour int64
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It shares the activity MemoryStore so ApplyAlert can update the event,
// the user and its own records in one step.
type MemoryStore struct {
	activity *activity.MemoryStore

	mu      sync.RWMutex
	alerts  map[string]*Alert
	byEvent map[string]string // event id → alert id
	buckets map[bucketKey]*Bucket
}

// NewMemoryStore creates an in-memory alert store over events.
func NewMemoryStore(events *activity.MemoryStore) *MemoryStore {
	return &MemoryStore{
		activity: events,
		alerts:   make(map[string]*Alert),
		byEvent:  make(map[string]string),
		buckets:  make(map[bucketKey]*Bucket),
	}
}

func (s *MemoryStore) ApplyAlert(ctx context.Context, app *Application, compute ComputeFunc) (*Outcome, error) {
	var out *Outcome
	err := s.activity.Atomically(func(tx *activity.MemoryTx) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		ev, ok := tx.Event(app.Event.ID)
		if !ok {
			return activity.ErrEventNotFound
		}

		var prev *Alert
		if id, ok := s.byEvent[ev.ID]; ok {
			prev = s.alerts[id]
		}
		alert := newAlert(app, prev, idgen.WithPrefix(idgen.AlertPrefix))

		st := s.statsWith(ev.UserID, alert)
		comp := compute(st)

		user, ok := tx.User(ev.UserID)
		if !ok {
			user = &activity.User{ID: ev.UserID}
		}
		previous := user.CurrentRisk
		user.CurrentRisk = comp.Final
		seen := ev.Timestamp
		user.LastSeen = &seen
		user.AddDevice(ev.Device)

		hour := HourOf(alert.CreatedAt)
		key := bucketKey{user: ev.UserID, hour: hour.Unix()}
		bucket := BucketOf(ev.UserID, hour, s.userAlertsWith(ev.UserID, alert))
		if b, ok := s.buckets[key]; ok {
			bucket.MaxRisk = max(bucket.MaxRisk, b.MaxRisk)
		}

		// Abandoned invocations leave no trace.
		if err := ctx.Err(); err != nil {
			return err
		}

		tx.ScoreEvent(ev.ID, app.Judgment.RiskScore, app.Judgment.Severity)
		s.alerts[alert.ID] = alert
		s.byEvent[ev.ID] = alert.ID
		tx.PutUser(user)
		s.buckets[key] = bucket

		b := *bucket
		out = &Outcome{
			Alert:        alert.Clone(),
			Created:      prev == nil,
			PreviousRisk: previous,
			Risk:         comp,
			Bucket:       &b,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateUserRisk decides outside the store locks, since decide may read
// the activity store. Writers in this process are already serialized by
// the Updater's per-user lock.
func (s *MemoryStore) UpdateUserRisk(ctx context.Context, userID string, decide DecideFunc) error {
	user, err := s.activity.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	st := statsOf(s.filter(AlertFilter{UserID: userID}))
	s.mu.RUnlock()

	risk, ok, err := decide(ctx, user.CurrentRisk, st)
	if err != nil || !ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.activity.SetUserRisk(ctx, userID, risk)
}

// statsWith computes user stats as if staged were stored. Caller holds mu.
func (s *MemoryStore) statsWith(userID string, staged *Alert) Stats {
	return statsOf(s.userAlertsWith(userID, staged))
}

// userAlertsWith lists the user's alerts with staged replacing its stored
// version. Caller holds mu.
func (s *MemoryStore) userAlertsWith(userID string, staged *Alert) []*Alert {
	var list []*Alert
	for _, a := range s.alerts {
		if a.UserID == userID && a.ID != staged.ID {
			list = append(list, a)
		}
	}
	return append(list, staged)
}

func statsOf(list []*Alert) Stats {
	sortNewestFirst(list)

	var st Stats
	scores := make([]float64, 0, len(list))
	for _, a := range list {
		scores = append(scores, a.RiskScore)
		if a.Severity == activity.SeverityHigh {
			st.High++
		}
	}
	st.Total = len(list)
	st.LifetimeAvg, _ = stats.Mean(scores)
	st.Recent = truncate(scores, RecentWindow)
	return st
}

func sortNewestFirst(list []*Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAlertByEvent(_ context.Context, eventID string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEvent[eventID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return s.alerts[id].Clone(), nil
}

func (s *MemoryStore) filter(f AlertFilter) []*Alert {
	var out []*Alert
	for _, a := range s.alerts {
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, a)
	}
	sortNewestFirst(out)
	return out
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filter(f)
	if f.Offset >= len(all) {
		return nil, nil
	}
	return cloneAlerts(truncate(all[f.Offset:], f.Limit)), nil
}

func (s *MemoryStore) CountAlerts(_ context.Context, f AlertFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filter(f)), nil
}

func (s *MemoryStore) UserStats(_ context.Context, userID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsOf(s.filter(AlertFilter{UserID: userID})), nil
}

func (s *MemoryStore) SeverityCounts(_ context.Context, since time.Time) (map[activity.Severity]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[activity.Severity]int{}
	for _, a := range s.filter(AlertFilter{Since: since}) {
		counts[a.Severity]++
	}
	return counts, nil
}

func (s *MemoryStore) SearchAlerts(_ context.Context, q string, limit int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q = strings.ToLower(q)
	var out []*Alert
	for _, a := range s.filter(AlertFilter{}) {
		if strings.Contains(strings.ToLower(a.UserID), q) ||
			strings.Contains(strings.ToLower(a.AnomalyType), q) ||
			strings.Contains(strings.ToLower(a.Explanation), q) {
			out = append(out, a)
		}
	}
	return cloneAlerts(truncate(out, limit)), nil
}

func (s *MemoryStore) Buckets(_ context.Context, since time.Time) ([]*Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Bucket
	for _, b := range s.buckets {
		if b.Hour.Before(since) {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func cloneAlerts(list []*Alert) []*Alert {
	out := make([]*Alert, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return out
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
