// Package oracle calls the external anomaly-scoring service.
//
// The oracle is opaque: it receives one event enriched with the user's
// trailing feature vector and action sequence and answers with a risk score
// and severity. Failures are reported, never retried here; the pipeline
// decides whether the event stays unscored.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/features"
)

var (
	// ErrUnavailable covers timeouts, transport errors, non-2xx answers and
	// an open circuit.
	ErrUnavailable = errors.New("oracle: unavailable")
	// ErrPayloadInvalid means the oracle answered with an unusable judgment.
	ErrPayloadInvalid = errors.New("oracle: invalid judgment")
	// ErrProfileNotFound is returned by Profile when the oracle has no
	// personality profile for the user.
	ErrProfileNotFound = errors.New("oracle: profile not found")
)

// Scorer is the scoring surface the pipeline depends on.
type Scorer interface {
	Analyze(ctx context.Context, req *Request) (*Judgment, error)
}

// Profiler fetches a user's OCEAN personality vector.
type Profiler interface {
	Profile(ctx context.Context, userID string) (map[string]float64, error)
}

// Judgment is the oracle's verdict on one event.
type Judgment struct {
	RiskScore   float64            `json:"risk_score"`
	Severity    activity.Severity  `json:"severity"`
	AnomalyType string             `json:"anomaly_type,omitempty"`
	Explanation string             `json:"explanation,omitempty"`
	Scores      map[string]any     `json:"scores,omitempty"`
	Ocean       map[string]float64 `json:"ocean_vector,omitempty"`
}

// wireJudgment keeps required fields nullable so absence is detectable.
type wireJudgment struct {
	RiskScore   *float64           `json:"risk_score"`
	Severity    *string            `json:"severity"`
	AnomalyType string             `json:"anomaly_type"`
	Explanation string             `json:"explanation"`
	Scores      map[string]any     `json:"scores"`
	Ocean       map[string]float64 `json:"ocean_vector"`
}

// DecodeJudgment parses and validates an oracle response body.
func DecodeJudgment(body []byte) (*Judgment, error) {
	var w wireJudgment
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if w.RiskScore == nil {
		return nil, fmt.Errorf("%w: missing risk_score", ErrPayloadInvalid)
	}
	if w.Severity == nil {
		return nil, fmt.Errorf("%w: missing severity", ErrPayloadInvalid)
	}
	j := &Judgment{
		RiskScore:   *w.RiskScore,
		Severity:    activity.Severity(*w.Severity),
		AnomalyType: w.AnomalyType,
		Explanation: w.Explanation,
		Scores:      w.Scores,
		Ocean:       w.Ocean,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate checks the score range and severity.
func (j *Judgment) Validate() error {
	if math.IsNaN(j.RiskScore) || j.RiskScore < 0 || j.RiskScore > 1 {
		return fmt.Errorf("%w: risk_score %v outside [0,1]", ErrPayloadInvalid, j.RiskScore)
	}
	if _, err := activity.ParseSeverity(string(j.Severity)); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return nil
}

// Request is one scoring call.
type Request struct {
	Event        *activity.Event
	Features     features.Vector
	Sequence     features.Sequence
	IsNewDevice  bool
	KnownDevices []string
}

// NewRequest enriches ev with its window's features and the user's devices.
// user may be nil for a user seen for the first time.
func NewRequest(ev *activity.Event, window []*activity.Event, user *activity.User) *Request {
	seq, vec := features.Extract(window)
	var known []string
	if user != nil {
		known = user.Devices
	}
	return &Request{
		Event:        ev,
		Features:     vec,
		Sequence:     seq,
		IsNewDevice:  features.IsNewDevice(ev.Device, known),
		KnownDevices: known,
	}
}

// Payload flattens the event, its features and the context flags into the
// object the oracle expects. Every feature is present as a finite number.
func (r *Request) Payload() map[string]any {
	ev := r.Event
	p := map[string]any{
		"user":            ev.UserID,
		"type":            string(ev.Kind),
		"action":          ev.Action,
		"resource":        ev.Resource,
		"src_ip":          ev.SrcIP,
		"dst_ip":          ev.DstIP,
		"device":          ev.Device,
		"size":            ev.Size,
		"raw":             ev.Raw.Map(),
		"ts":              ev.Timestamp.UTC().Format(time.RFC3339),
		"recent_sequence": r.Sequence.String(),
		"is_new_device":   r.IsNewDevice,
		"known_devices":   nonNil(r.KnownDevices),
	}
	if ev.ID != "" {
		p["event_id"] = ev.ID
	}
	for name, v := range r.Features.Map() {
		p[name] = finite(v)
	}
	return p
}

// MarshalJSON renders the wire envelope {"event": payload, "user_id": user}.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event  map[string]any `json:"event"`
		UserID string         `json:"user_id"`
	}{r.Payload(), r.Event.UserID})
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
