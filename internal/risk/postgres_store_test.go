//go:build integration

package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/testutil"
)

func newPGUpdater(t *testing.T) (*activity.PostgresStore, *PostgresStore, *Updater, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	events := activity.NewPostgresStore(db)
	alerts := NewPostgresStore(db)
	require.NoError(t, events.Migrate(context.Background()))
	require.NoError(t, alerts.Migrate(context.Background()))
	return events, alerts, NewUpdater(events, alerts, WithPolicy(fixedRand(0.5))), cleanup
}

func savePG(t *testing.T, s *activity.PostgresStore, user string, ts time.Time, device string) *activity.Event {
	t.Helper()
	ev := &activity.Event{UserID: user, Kind: activity.KindFile, Action: "Read", Resource: "/srv/salary.csv", Device: device, Timestamp: ts}
	require.NoError(t, s.SaveEvent(context.Background(), ev))
	return ev
}

func TestPostgresStore_ApplyAlert(t *testing.T) {
	events, alerts, u, cleanup := newPGUpdater(t)
	defer cleanup()
	ctx := context.Background()

	ev := savePG(t, events, "U1", baseTime, "PC-1")
	out, err := u.Apply(ctx, ev, judgment(0.9, activity.SeverityHigh))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.InDelta(t, 0.80, out.Risk.Final, 1e-9)
	assert.Equal(t, 1, out.Bucket.High)

	user, err := events.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.InDelta(t, 0.80, user.CurrentRisk, 1e-9)
	assert.Equal(t, []string{"PC-1"}, user.Devices)
	require.NotNil(t, user.LastSeen)
	assert.True(t, user.LastSeen.Equal(baseTime))

	got, err := alerts.GetAlertByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Alert.ID, got.ID)
	assert.Equal(t, 0.9, got.Scores["rules"])
	assert.True(t, got.CreatedAt.Equal(baseTime))

	// Reprocessing keeps one alert and its identity.
	again, err := u.Apply(ctx, ev, judgment(0.7, activity.SeverityMedium))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, out.Alert.ID, again.Alert.ID)

	n, err := alerts.CountAlerts(ctx, AlertFilter{UserID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buckets, err := alerts.Buckets(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 0.9, buckets[0].MaxRisk, "running max")
	assert.Zero(t, buckets[0].High)
	assert.Equal(t, 1, buckets[0].Medium, "the reapplied alert is counted once")
	assert.Equal(t, buckets[0].Medium, again.Bucket.Medium)
}

func TestPostgresStore_ConcurrentApplies(t *testing.T) {
	events, alerts, u, cleanup := newPGUpdater(t)
	defer cleanup()
	ctx := context.Background()

	const n = 8
	evs := make([]*activity.Event, n)
	for i := range evs {
		evs[i] = savePG(t, events, "U2", baseTime.Add(time.Duration(i)*time.Minute), "")
	}

	var wg sync.WaitGroup
	for _, ev := range evs {
		wg.Add(1)
		go func(ev *activity.Event) {
			defer wg.Done()
			_, err := u.Apply(ctx, ev, judgment(0.75, activity.SeverityHigh))
			assert.NoError(t, err)
		}(ev)
	}
	wg.Wait()

	st, err := alerts.UserStats(ctx, "U2")
	require.NoError(t, err)
	require.Equal(t, n, st.Total)

	user, err := events.GetUser(ctx, "U2")
	require.NoError(t, err)
	assert.InDelta(t, fixedRand(0.5).Compute(st).Final, user.CurrentRisk, 1e-9)
}

func TestPostgresStore_UpdateUserRiskWaitsForRowLock(t *testing.T) {
	events, alerts, _, cleanup := newPGUpdater(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, events.UpsertUser(ctx, &activity.User{ID: "U4"}))

	// Another writer holds the user row, as an apply in a second process would.
	tx, err := alerts.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `SELECT current_risk FROM users WHERE id = $1 FOR UPDATE`, "U4")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- alerts.UpdateUserRisk(ctx, "U4", func(_ context.Context, current float64, _ Stats) (float64, bool, error) {
			return current + 0.5, true, nil
		})
	}()
	select {
	case err := <-done:
		t.Fatalf("update ran while the row was locked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err = tx.ExecContext(ctx, `UPDATE users SET current_risk = 0.2 WHERE id = $1`, "U4")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, <-done)

	user, err := events.GetUser(ctx, "U4")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, user.CurrentRisk, 1e-9, "decided from the committed value")

	err = alerts.UpdateUserRisk(ctx, "nobody", func(context.Context, float64, Stats) (float64, bool, error) {
		return 0.1, true, nil
	})
	assert.ErrorIs(t, err, activity.ErrUserNotFound)
}

func TestPostgresStore_CancelledApplyLeavesNoTrace(t *testing.T) {
	events, alerts, _, cleanup := newPGUpdater(t)
	defer cleanup()

	ev := savePG(t, events, "U3", baseTime, "")
	ctx, cancel := context.WithCancel(context.Background())
	_, err := alerts.ApplyAlert(ctx, &Application{Event: ev, Judgment: judgment(0.9, activity.SeverityHigh), At: baseTime},
		func(st Stats) Computation {
			cancel()
			return fixedRand(0.5).Compute(st)
		})
	require.Error(t, err)

	bg := context.Background()
	got, err := events.GetEvent(bg, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.Scored)
	_, err = alerts.GetAlertByEvent(bg, ev.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestPostgresStore_Queries(t *testing.T) {
	events, alerts, u, cleanup := newPGUpdater(t)
	defer cleanup()
	ctx := context.Background()

	for i, sev := range []activity.Severity{activity.SeverityMedium, activity.SeverityHigh, activity.SeverityHigh} {
		ev := savePG(t, events, "alice", baseTime.Add(time.Duration(i)*time.Hour), "")
		_, err := u.Apply(ctx, ev, judgment(0.6+float64(i)*0.1, sev))
		require.NoError(t, err)
	}

	list, err := alerts.ListAlerts(ctx, AlertFilter{Severity: activity.SeverityHigh, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 0.8, list[0].RiskScore, 1e-9)

	counts, err := alerts.SeverityCounts(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[activity.SeverityHigh])
	assert.Equal(t, 1, counts[activity.SeverityMedium])

	found, err := alerts.SearchAlerts(ctx, "ALI", 10)
	require.NoError(t, err)
	assert.Len(t, found, 3)

	st, err := alerts.UserStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, st.High)
	assert.InDelta(t, 0.8, st.Recent[0], 1e-9)

	buckets, err := alerts.Buckets(ctx, HourOf(baseTime).Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, buckets, 2)
}
