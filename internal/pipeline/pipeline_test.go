package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/risk"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Judgment, error) {
	args := m.Called(ctx, req)
	j, _ := args.Get(0).(*oracle.Judgment)
	return j, args.Error(1)
}

type scorerFunc func(ctx context.Context, req *oracle.Request) (*oracle.Judgment, error)

func (f scorerFunc) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Judgment, error) {
	return f(ctx, req)
}

type harness struct {
	events  *activity.MemoryStore
	alerts  *risk.MemoryStore
	updater *risk.Updater
}

func newHarness() *harness {
	events := activity.NewMemoryStore()
	alerts := risk.NewMemoryStore(events)
	return &harness{
		events:  events,
		alerts:  alerts,
		updater: risk.NewUpdater(events, alerts, risk.WithPolicy(&risk.Policy{Rand: func() float64 { return 0.5 }})),
	}
}

func (h *harness) processor(s oracle.Scorer) *Processor {
	return NewProcessor(h.events, s, h.updater, WithClock(func() time.Time { return t0 }))
}

func high(score float64) *oracle.Judgment {
	return &oracle.Judgment{RiskScore: score, Severity: activity.SeverityHigh, AnomalyType: "exfiltration", Explanation: "usb copy of payroll"}
}

func low() *oracle.Judgment {
	return &oracle.Judgment{RiskScore: 0.05, Severity: activity.SeverityLow, AnomalyType: "normal"}
}

func logon(user string, ts time.Time) Input {
	return Input{UserID: user, Kind: "AUTH", Action: "Logon", Device: "PC-1", Timestamp: ts.Format(time.RFC3339), Raw: map[string]any{}}
}

func TestProcessEvent_HighJudgment(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.MatchedBy(func(r *oracle.Request) bool {
		return r.Event.Kind == activity.KindFile
	})).Return(high(0.9), nil).Once()
	s.On("Analyze", mock.Anything, mock.Anything).Return(low(), nil)
	p := h.processor(s)
	require.NoError(t, h.events.UpsertUser(ctx, &activity.User{ID: "U1", Devices: []string{"PC-1"}}))

	_, err := p.ProcessEvent(ctx, logon("U1", t0.Add(-time.Hour)))
	require.NoError(t, err)

	res, err := p.ProcessEvent(ctx, Input{
		UserID: "U1", Kind: "FILE", Action: "Copy", Resource: `\\fs\payroll\2026.xlsx`,
		Device: "USB-7", Timestamp: t0.Format(time.RFC3339), Size: int64(2048),
		Raw: map[string]any{"to_removable_media": "True"},
	})
	require.NoError(t, err)
	assert.True(t, res.Scored)
	assert.NotEmpty(t, res.AlertID)
	require.NotNil(t, res.UserRisk)
	assert.InDelta(t, 0.80, *res.UserRisk, 1e-12)

	// The oracle saw both events in the window and the new device.
	var req *oracle.Request
	for _, call := range s.Calls {
		if r := call.Arguments.Get(1).(*oracle.Request); r.Event.Kind == activity.KindFile {
			req = r
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, "LOGIN -> FILE_SENSITIVE", req.Sequence.String())
	assert.True(t, req.IsNewDevice)
	assert.Equal(t, []string{"PC-1"}, req.KnownDevices)
	assert.Equal(t, 1.0, req.Features.USBCopyCount)
	assert.Equal(t, 1.0, req.Features.LogonCount)

	stored, err := h.events.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Scored)
	assert.Equal(t, 0.9, stored.RiskScore)

	user, err := h.events.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"PC-1", "USB-7"}, user.Devices)
	s.AssertExpectations(t)
}

func TestProcessEvent_LowJudgment(t *testing.T) {
	h := newHarness()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(low(), nil)

	res, err := h.processor(s).ProcessEvent(context.Background(), logon("U2", t0))
	require.NoError(t, err)
	assert.True(t, res.Scored)
	assert.Empty(t, res.AlertID)
	assert.Nil(t, res.UserRisk)

	n, err := h.alerts.CountAlerts(context.Background(), risk.AlertFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// The user exists even though no alert touched it.
	_, err = h.events.GetUser(context.Background(), "U2")
	assert.NoError(t, err)
}

func TestProcessEvent_OracleFailureLeavesEventUnscored(t *testing.T) {
	h := newHarness()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(nil, oracle.ErrUnavailable)

	res, err := h.processor(s).ProcessEvent(context.Background(), logon("U3", t0))
	require.ErrorIs(t, err, ErrUnscored)
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
	require.NotNil(t, res)
	assert.False(t, res.Scored)
	assert.Nil(t, res.Judgment)

	stored, err := h.events.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Scored)
	assert.Zero(t, stored.RiskScore)

	unscored, err := h.events.ListUnscored(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, unscored, 1)
}

func TestProcessEvent_InvalidInput(t *testing.T) {
	h := newHarness()
	s := &mockScorer{}

	_, err := h.processor(s).ProcessEvent(context.Background(), Input{UserID: "U4", Kind: "PRINTER", Action: "Print"})
	assert.ErrorIs(t, err, activity.ErrInvalidEvent)
	s.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestProcessEvent_DefaultsTimestamp(t *testing.T) {
	h := newHarness()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(low(), nil)

	res, err := h.processor(s).ProcessEvent(context.Background(), Input{UserID: "U5", Kind: "APP", Action: "Visit"})
	require.NoError(t, err)
	stored, err := h.events.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Timestamp.Equal(t0))
}

func TestProcessEvent_DuplicateIDKeepsScoredEvent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(high(0.9), nil).Once()
	p := h.processor(s)

	in := Input{ID: "evt_fixed", UserID: "U1", Kind: "FILE", Action: "Copy", Timestamp: t0.Format(time.RFC3339), Raw: map[string]any{}}
	first, err := p.ProcessEvent(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, first.AlertID)

	again := logon("U2", t0.Add(time.Hour))
	again.ID = "evt_fixed"
	res, err := p.ProcessEvent(ctx, again)
	require.ErrorIs(t, err, activity.ErrEventExists)
	assert.Equal(t, "evt_fixed", res.EventID)
	assert.True(t, res.Scored)

	stored, err := h.events.GetEvent(ctx, "evt_fixed")
	require.NoError(t, err)
	assert.Equal(t, "U1", stored.UserID)
	assert.Equal(t, activity.KindFile, stored.Kind)
	assert.True(t, stored.Scored)
	assert.Equal(t, 0.9, stored.RiskScore)

	alert, err := h.alerts.GetAlertByEvent(ctx, "evt_fixed")
	require.NoError(t, err)
	assert.Equal(t, "U1", alert.UserID)
	_, err = h.events.GetUser(ctx, "U2")
	assert.ErrorIs(t, err, activity.ErrUserNotFound)
	s.AssertExpectations(t)
}

func TestProcessEvent_DuplicateIDResumesUnscored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(nil, oracle.ErrUnavailable).Once()
	s.On("Analyze", mock.Anything, mock.Anything).Return(high(0.8), nil).Once()
	p := h.processor(s)

	in := logon("U1", t0)
	in.ID = "evt_retry"
	_, err := p.ProcessEvent(ctx, in)
	require.ErrorIs(t, err, ErrUnscored)

	res, err := p.ProcessEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Scored)
	assert.NotEmpty(t, res.AlertID)

	n, err := h.events.CountUserEvents(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := logon("U2", t0)
	other.ID = "evt_retry"
	_, err = p.ProcessEvent(ctx, other)
	assert.ErrorIs(t, err, activity.ErrEventExists)
	s.AssertExpectations(t)
}

func TestReprocess(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(nil, oracle.ErrUnavailable).Once()
	s.On("Analyze", mock.Anything, mock.Anything).Return(high(0.7), nil)
	p := h.processor(s)

	first, err := p.ProcessEvent(ctx, logon("U6", t0))
	require.ErrorIs(t, err, ErrUnscored)

	res, err := p.Reprocess(ctx, first.EventID)
	require.NoError(t, err)
	assert.True(t, res.Scored)
	assert.Equal(t, first.EventID, res.EventID)

	again, err := p.Reprocess(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, res.AlertID, again.AlertID, "reprocessing reuses the alert")

	_, err = p.Reprocess(ctx, "evt_missing")
	assert.ErrorIs(t, err, activity.ErrEventNotFound)
}

func TestProcessEvent_OracleCallHoldsNoUserLock(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s := scorerFunc(func(ctx context.Context, req *oracle.Request) (*oracle.Judgment, error) {
		if req.Event.Action == "Slow" {
			entered <- struct{}{}
			<-release
		}
		return high(0.8), nil
	})
	p := h.processor(s)

	slowDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessEvent(ctx, Input{UserID: "U7", Kind: "AUTH", Action: "Slow", Timestamp: t0.Format(time.RFC3339)})
		slowDone <- err
	}()
	<-entered

	// A second event for the same user completes while the first is still
	// waiting on the oracle.
	fastDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessEvent(ctx, logon("U7", t0.Add(time.Minute)))
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second event blocked behind the first oracle call")
	}

	close(release)
	require.NoError(t, <-slowDone)

	st, err := h.alerts.UserStats(ctx, "U7")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
}

func TestBackfill(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for i := range 7 {
		ev := &activity.Event{UserID: "U8", Kind: activity.KindAuth, Action: "Logon", Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		if i == 3 {
			ev.Action = "Logoff"
			ev.Resource = "broken"
		}
		require.NoError(t, h.events.SaveEvent(ctx, ev))
	}

	s := scorerFunc(func(ctx context.Context, req *oracle.Request) (*oracle.Judgment, error) {
		if req.Event.Resource == "broken" {
			return nil, errors.Join(oracle.ErrPayloadInvalid, errors.New("missing severity"))
		}
		if req.Event.Timestamp.Minute()%2 == 0 {
			return high(0.75), nil
		}
		return low(), nil
	})

	report, err := h.processor(s).Backfill(ctx, BackfillOptions{BatchSize: 3, Concurrency: 2, Pause: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 7, report.Processed)
	assert.Equal(t, 6, report.Scored)
	assert.Equal(t, 1, report.Failed)
	// Minutes 0, 2, 4 and 6 are high.
	assert.Equal(t, 4, report.Alerts)

	unscored, err := h.events.ListUnscored(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unscored, 1)
	assert.Equal(t, "broken", unscored[0].Resource)
}

func TestBackfill_Limit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, h.events.SaveEvent(ctx, &activity.Event{UserID: "U9", Kind: activity.KindApp, Action: "Visit", Timestamp: t0.Add(time.Duration(i) * time.Second)}))
	}
	s := &mockScorer{}
	s.On("Analyze", mock.Anything, mock.Anything).Return(low(), nil)

	report, err := h.processor(s).Backfill(ctx, BackfillOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	s.AssertNumberOfCalls(t, "Analyze", 2)
}

func TestBackfill_Cancelled(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	for i := range 4 {
		require.NoError(t, h.events.SaveEvent(ctx, &activity.Event{UserID: "U10", Kind: activity.KindApp, Action: "Visit", Timestamp: t0.Add(time.Duration(i) * time.Second)}))
	}
	s := scorerFunc(func(context.Context, *oracle.Request) (*oracle.Judgment, error) {
		cancel()
		return low(), nil
	})

	report, err := h.processor(s).Backfill(ctx, BackfillOptions{BatchSize: 1, Concurrency: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, report.Processed, 4)
}
