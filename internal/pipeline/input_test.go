package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/activity"
)

func TestDecodeInputs_Object(t *testing.T) {
	inputs, batch, err := DecodeInputs([]byte(`{
		"user": "U1", "type": "file", "action": "Copy",
		"resource": "\\\\fs\\payroll", "size": 4096,
		"to_removable_media": "true",
		"raw": {"status": "Success"}
	}`))
	require.NoError(t, err)
	assert.False(t, batch)
	require.Len(t, inputs, 1)

	in := inputs[0]
	assert.Equal(t, "U1", in.UserID)
	assert.Equal(t, "file", in.Kind)
	assert.Equal(t, json.Number("4096"), in.Size)
	assert.Equal(t, "true", in.Raw["to_removable_media"])
	assert.Equal(t, "Success", in.Raw["status"])
	assert.NotContains(t, in.Raw, "raw")
}

func TestDecodeInputs_Array(t *testing.T) {
	inputs, batch, err := DecodeInputs([]byte(` [{"user_id":"U1","type":"AUTH","action":"Logon"},{"user":"U2","type":"APP","action":"Visit","timestamp":"2026-03-02 10:00:00"}]`))
	require.NoError(t, err)
	assert.True(t, batch)
	require.Len(t, inputs, 2)
	assert.Equal(t, "U1", inputs[0].UserID)
	assert.Equal(t, "2026-03-02 10:00:00", inputs[1].Timestamp)
}

func TestDecodeInputs_Invalid(t *testing.T) {
	for _, body := range []string{``, `   `, `"hello"`, `42`, `{"user":`, `[1, 2]`} {
		_, _, err := DecodeInputs([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidInput, "body %q", body)
	}
}

func TestInput_Event(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	in := InputFromMap(map[string]any{
		"ts":          "2026-03-01T23:30:00Z",
		"user":        " U1 ",
		"type":        "email",
		"action":      "Send",
		"size":        "2500.7",
		"attachments": []any{"a.pdf", "b.zip"},
		"to":          "rival@example.com",
		"campaign":    "q1",
	})

	ev, err := in.Event(now)
	require.NoError(t, err)
	assert.Equal(t, "U1", ev.UserID)
	assert.Equal(t, activity.KindEmail, ev.Kind)
	assert.Equal(t, int64(2500), ev.Size)
	assert.True(t, ev.Timestamp.Equal(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)))
	assert.Equal(t, "a.pdf;b.zip", ev.Raw.Attachments)
	assert.Equal(t, "rival@example.com", ev.Raw.To)
	assert.Equal(t, "q1", ev.Raw.Extra["campaign"])
	assert.Equal(t, activity.SeverityLow, ev.Severity)
	assert.False(t, ev.Scored)
}

func TestInput_EventTimestampLayouts(t *testing.T) {
	want := time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC)
	for _, ts := range []string{
		"2026-03-02T08:15:00Z",
		"2026-03-02T08:15:00.000Z",
		"2026-03-02T08:15:00",
		"2026-03-02 08:15:00",
		"03/02/2026 08:15:00",
	} {
		ev, err := Input{UserID: "U1", Kind: "AUTH", Action: "Logon", Timestamp: ts}.Event(time.Now())
		require.NoError(t, err, ts)
		assert.True(t, ev.Timestamp.Equal(want), ts)
	}
}

func TestInput_EventRejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		in   Input
	}{
		{"missing user", Input{Kind: "AUTH", Action: "Logon"}},
		{"unknown kind", Input{UserID: "U1", Kind: "PRINTER", Action: "Print"}},
		{"missing action", Input{UserID: "U1", Kind: "AUTH"}},
		{"bad timestamp", Input{UserID: "U1", Kind: "AUTH", Action: "Logon", Timestamp: "yesterday"}},
		{"bad size", Input{UserID: "U1", Kind: "FILE", Action: "Open", Size: "big"}},
		{"negative size", Input{UserID: "U1", Kind: "FILE", Action: "Open", Size: json.Number("-3")}},
		{"odd size type", Input{UserID: "U1", Kind: "FILE", Action: "Open", Size: []any{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Event(now)
			assert.ErrorIs(t, err, activity.ErrInvalidEvent)
		})
	}
}
