package risk

import (
	"context"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/metrics"
)

// NoticeType is the event name listeners subscribe to.
const NoticeType = "new_alert"

// Notice is the payload published after an alert commits.
type Notice struct {
	AlertID     string            `json:"alert_id"`
	UserID      string            `json:"user"`
	Severity    activity.Severity `json:"severity"`
	AnomalyType string            `json:"anomaly_type"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NoticeFor builds the notice for a. The risk package never waits on the
// delivery of one.
func NoticeFor(a *Alert) Notice {
	return Notice{
		AlertID:     a.ID,
		UserID:      a.UserID,
		Severity:    a.Severity,
		AnomalyType: a.AnomalyType,
		CreatedAt:   a.CreatedAt,
	}
}

// Notifier is a best-effort sink for new_alert notices. Implementations
// must not block the caller.
type Notifier interface {
	NotifyAlert(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) NotifyAlert(ctx context.Context, n Notice) { f(ctx, n) }

// ChannelNotifier publishes onto a buffered channel and drops when full.
type ChannelNotifier struct {
	C chan Notice
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{C: make(chan Notice, buffer)}
}

func (n *ChannelNotifier) NotifyAlert(_ context.Context, notice Notice) {
	select {
	case n.C <- notice:
	default:
		metrics.NotificationsDroppedTotal.WithLabelValues("channel").Inc()
	}
}

// MultiNotifier fans a notice out to every sink in order.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyAlert(ctx context.Context, n Notice) {
	for _, s := range m {
		if s != nil {
			s.NotifyAlert(ctx, n)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyAlert(context.Context, Notice) {}
