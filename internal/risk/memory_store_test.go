package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/activity"
)

// seedAlerts applies one judgment per entry, each a minute after the last.
func seedAlerts(t *testing.T, f *fixture, user string, sevs ...activity.Severity) []*Alert {
	t.Helper()
	var out []*Alert
	for i, sev := range sevs {
		ev := f.save(t, user, baseTime.Add(time.Duration(len(out)+i)*time.Minute), "")
		score := 0.5
		if sev == activity.SeverityHigh {
			score = 0.85
		}
		o, err := f.updater.Apply(context.Background(), ev, judgment(score, sev))
		require.NoError(t, err)
		out = append(out, o.Alert)
	}
	return out
}

func TestMemoryStore_ListAlertsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := seedAlerts(t, f, "alice", activity.SeverityMedium, activity.SeverityHigh, activity.SeverityMedium)

	all, err := f.alerts.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, seeded[2].ID, all[0].ID)
	assert.Equal(t, seeded[0].ID, all[2].ID)

	page, err := f.alerts.ListAlerts(ctx, AlertFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, seeded[1].ID, page[0].ID)

	past, err := f.alerts.ListAlerts(ctx, AlertFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	high, err := f.alerts.ListAlerts(ctx, AlertFilter{Severity: activity.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, seeded[1].ID, high[0].ID)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := seedAlerts(t, f, "bob", activity.SeverityHigh)[0]

	got, err := f.alerts.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	got.Scores["rules"] = "tampered"
	got.Explanation = "tampered"

	again, err := f.alerts.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.85, again.Scores["rules"])
	assert.Equal(t, "sensitive file burst", again.Explanation)
}

func TestMemoryStore_CountsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlerts(t, f, "carol", activity.SeverityHigh, activity.SeverityHigh, activity.SeverityMedium)
	seedAlerts(t, f, "dave", activity.SeverityMedium)

	n, err := f.alerts.CountAlerts(ctx, AlertFilter{UserID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := f.alerts.SeverityCounts(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[activity.SeverityHigh])
	assert.Equal(t, 2, counts[activity.SeverityMedium])
	assert.Zero(t, counts[activity.SeverityLow])

	st, err := f.alerts.UserStats(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.High)
	assert.InDelta(t, (0.85+0.85+0.5)/3, st.LifetimeAvg, 1e-12)
	assert.Equal(t, []float64{0.5, 0.85, 0.85}, st.Recent)
}

func TestMemoryStore_RecentWindowCapped(t *testing.T) {
	f := newFixture(t)
	sevs := make([]activity.Severity, RecentWindow+5)
	for i := range sevs {
		sevs[i] = activity.SeverityMedium
	}
	seedAlerts(t, f, "erin", sevs...)

	st, err := f.alerts.UserStats(context.Background(), "erin")
	require.NoError(t, err)
	assert.Len(t, st.Recent, RecentWindow)
	assert.Equal(t, RecentWindow+5, st.Total)
}

func TestMemoryStore_SearchAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlerts(t, f, "frank", activity.SeverityHigh)
	seedAlerts(t, f, "grace", activity.SeverityMedium)

	got, err := f.alerts.SearchAlerts(ctx, "FRANK", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "frank", got[0].UserID)

	got, err = f.alerts.SearchAlerts(ctx, "exfil", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.alerts.SearchAlerts(ctx, "exfil", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_BucketsAccumulatePerHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		offset time.Duration
		score  float64
		sev    activity.Severity
	}{
		{5 * time.Minute, 0.6, activity.SeverityMedium},
		{10 * time.Minute, 0.9, activity.SeverityHigh},
		{20 * time.Minute, 0.7, activity.SeverityMedium},
		{70 * time.Minute, 0.65, activity.SeverityMedium},
	} {
		ev := f.save(t, "heidi", baseTime.Truncate(time.Hour).Add(tc.offset), "")
		_, err := f.updater.Apply(ctx, ev, judgment(tc.score, tc.sev))
		require.NoError(t, err)
	}

	buckets, err := f.alerts.Buckets(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	first := buckets[0]
	assert.Equal(t, 0.9, first.MaxRisk, "running max, not mean")
	assert.Equal(t, 1, first.High)
	assert.Equal(t, 2, first.Medium)
	assert.Zero(t, first.Low)

	assert.Equal(t, 0.65, buckets[1].MaxRisk)
	assert.Equal(t, 1, buckets[1].Medium)

	later, err := f.alerts.Buckets(ctx, buckets[1].Hour)
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestMemoryStore_UpdateUserRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlerts(t, f, "ivan", activity.SeverityHigh)
	require.NoError(t, f.events.SetUserRisk(ctx, "ivan", 0.3))

	var current float64
	var st Stats
	err := f.alerts.UpdateUserRisk(ctx, "ivan", func(_ context.Context, c float64, s Stats) (float64, bool, error) {
		current, st = c, s
		return 0.6, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.3, current)
	assert.Equal(t, 1, st.Total)

	err = f.alerts.UpdateUserRisk(ctx, "ivan", func(context.Context, float64, Stats) (float64, bool, error) {
		return 0.9, false, nil
	})
	require.NoError(t, err)
	user, err := f.events.GetUser(ctx, "ivan")
	require.NoError(t, err)
	assert.Equal(t, 0.6, user.CurrentRisk, "ok=false keeps the stored risk")

	err = f.alerts.UpdateUserRisk(ctx, "nobody", func(context.Context, float64, Stats) (float64, bool, error) {
		t.Fatal("decide called for an unknown user")
		return 0, false, nil
	})
	assert.ErrorIs(t, err, activity.ErrUserNotFound)
}

func TestBucket_Add(t *testing.T) {
	var b Bucket
	b.Add(0.4, activity.SeverityLow)
	b.Add(0.3, activity.SeverityMedium)
	b.Add(0.2, "")
	assert.Equal(t, 2, b.Low)
	assert.Equal(t, 1, b.Medium)
	assert.Equal(t, 0.4, b.MaxRisk)
}

func TestHourOf(t *testing.T) {
	ts := time.Date(2026, 3, 2, 23, 59, 59, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC), HourOf(ts))
}
