package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/activity"
)

// ErrInvalidInput is returned for bodies that are not an event object or
// an array of them.
var ErrInvalidInput = errors.New("pipeline: invalid input")

// Input is one raw event as submitted for ingestion. Top-level keys other
// than the event columns are folded into Raw so nothing the source sent
// is lost.
type Input struct {
	ID        string
	Timestamp string
	UserID    string
	Kind      string
	Action    string
	Resource  string
	SrcIP     string
	DstIP     string
	Device    string
	Size      any
	Raw       map[string]any
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
}

// UnmarshalJSON decodes a flat event object.
func (in *Input) UnmarshalJSON(data []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	*in = InputFromMap(m)
	return nil
}

// InputFromMap splits m into event columns and raw details.
func InputFromMap(m map[string]any) Input {
	in := Input{Raw: map[string]any{}}
	for k, v := range m {
		switch k {
		case "id":
			in.ID = str(v)
		case "ts", "timestamp":
			in.Timestamp = str(v)
		case "user", "user_id":
			in.UserID = str(v)
		case "type":
			in.Kind = str(v)
		case "action":
			in.Action = str(v)
		case "resource":
			in.Resource = str(v)
		case "src_ip":
			in.SrcIP = str(v)
		case "dst_ip":
			in.DstIP = str(v)
		case "device":
			in.Device = str(v)
		case "size":
			in.Size = v
		case "raw":
			if nested, ok := v.(map[string]any); ok {
				maps.Copy(in.Raw, nested)
			}
		default:
			in.Raw[k] = v
		}
	}
	return in
}

// DecodeInputs accepts a single event object or a JSON array of them.
// batch reports which form was sent.
func DecodeInputs(data []byte) (inputs []Input, batch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return inputs, true, nil
	case '{':
		var in Input
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return []Input{in}, false, nil
	}
	return nil, false, fmt.Errorf("%w: expected an object or array", ErrInvalidInput)
}

// Event converts the input into a validated event. A missing timestamp
// defaults to now.
func (in Input) Event(now time.Time) (*activity.Event, error) {
	ts := now
	if in.Timestamp != "" {
		t, err := parseTime(in.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: ts %q is not a timestamp", activity.ErrInvalidEvent, in.Timestamp)
		}
		ts = t
	}
	size, err := parseSize(in.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", activity.ErrInvalidEvent, err)
	}

	ev := &activity.Event{
		ID:        in.ID,
		Timestamp: ts,
		UserID:    strings.TrimSpace(in.UserID),
		Kind:      activity.Kind(strings.ToUpper(strings.TrimSpace(in.Kind))),
		Action:    in.Action,
		Resource:  in.Resource,
		SrcIP:     in.SrcIP,
		DstIP:     in.DstIP,
		Device:    in.Device,
		Size:      size,
		Raw:       activity.DetailsFromMap(in.Raw),
		Severity:  activity.SeverityLow,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func parseSize(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("size %q is not a number", t)
		}
		return int64(f), nil
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("size %q is not a number", t)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("size has unsupported type %T", v)
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return fmt.Sprint(v)
}
