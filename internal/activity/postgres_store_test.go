//go:build integration

package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/testutil"
)

func TestPostgresStore_EventLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	removable := true
	ev := &Event{
		UserID:    "u1",
		Kind:      KindFile,
		Action:    "Copy",
		Resource:  `\\fs01\payroll\2026.xlsx`,
		Timestamp: time.Date(2026, 3, 2, 23, 10, 0, 0, time.UTC),
		Size:      4096,
		Raw:       Details{ToRemovableMedia: &removable, Extra: map[string]any{"share": "fs01"}},
	}
	require.NoError(t, s.SaveEvent(ctx, ev))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Resource, got.Resource)
	assert.True(t, got.Raw.RemovableMedia())
	assert.Equal(t, "fs01", got.Raw.Extra["share"])
	assert.False(t, got.Scored)

	window, err := s.FindEvents(ctx, "u1", ev.Timestamp.Add(-24*time.Hour), ev.Timestamp)
	require.NoError(t, err)
	require.Len(t, window, 1)

	unscored, err := s.ListUnscored(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unscored, 1)

	require.NoError(t, s.ScoreEvent(ctx, ev.ID, 0.42, SeverityMedium))
	got, err = s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Scored)
	assert.InDelta(t, 0.42, got.RiskScore, 1e-9)

	dup := &Event{ID: ev.ID, UserID: "u2", Kind: KindAuth, Action: "Logon", Timestamp: ev.Timestamp.Add(time.Hour)}
	assert.ErrorIs(t, s.SaveEvent(ctx, dup), ErrEventExists)
	got, err = s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID, "stored events are never replaced")
	assert.Equal(t, KindFile, got.Kind)
	assert.True(t, got.Timestamp.Equal(ev.Timestamp))
	assert.InDelta(t, 0.42, got.RiskScore, 1e-9)

	unscored, err = s.ListUnscored(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unscored)

	_, err = s.GetEvent(ctx, "evt_missing")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestPostgresStore_Users(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.UpsertUser(ctx, &User{ID: "u1", Name: "Ann", Role: "Engineer"}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: "u1", Role: "Manager"}))
	require.NoError(t, s.SetUserRisk(ctx, "u1", 0.55))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.Name)
	assert.Equal(t, "Manager", u.Role)
	assert.InDelta(t, 0.55, u.CurrentRisk, 1e-9)
	assert.Empty(t, u.Devices)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetAISummary(ctx, "u1", Summary{Text: "quiet week", UpdatedAt: now}))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.AISummary)
	assert.Equal(t, "quiet week", u.AISummary.Text)

	found, err := s.SearchUsers(ctx, "ANN", 5)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	assert.ErrorIs(t, s.SetUserRisk(ctx, "nobody", 0.1), ErrUserNotFound)
}

func TestLikePattern_Escapes(t *testing.T) {
	assert.Equal(t, `%50\%\_off%`, LikePattern("50%_off"))
}
