package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/config"
)

// fakeOracle judges "Copy" high and anything else low.
func fakeOracle(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Event struct {
				Action string `json:"action"`
			} `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Event.Action == "Copy" {
			_, _ = w.Write([]byte(`{"risk_score":0.9,"severity":"high","anomaly_type":"exfiltration"}`))
			return
		}
		_, _ = w.Write([]byte(`{"risk_score":0.1,"severity":"low"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, oracleURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{
				LogLevel:      "error",
				OracleURL:     oracleURL,
				OracleTimeout: 2 * time.Second,
			}, nil
		},
		out:    &out,
		logOut: io.Discard,
	}
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestProcessFile(t *testing.T) {
	oracle := fakeOracle(t)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"user":"U1","type":"FILE","action":"Copy","resource":"/srv/payroll.xlsx"},
		{"user":"U1","type":"AUTH","action":"Logon"},
		{"user":"U2","type":"PRINTER","action":"Print"}
	]`), 0o600))

	out, err := run(t, oracle.URL, "process", path)
	require.NoError(t, err)
	assert.Equal(t, "processed=3 scored=2 alerts=1 failed=1\n", out)
}

func TestProcessJSONOutput(t *testing.T) {
	oracle := fakeOracle(t)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user":"U1","type":"APP","action":"Visit"}`), 0o600))

	out, err := run(t, oracle.URL, "--json", "process", path)
	require.NoError(t, err)

	var report map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report["processed"])
	assert.Equal(t, 1, report["scored"])
}

func TestProcessErrors(t *testing.T) {
	oracle := fakeOracle(t)

	_, err := run(t, oracle.URL, "process", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`not json`), 0o600))
	_, err = run(t, oracle.URL, "process", bad)
	assert.Error(t, err)

	_, err = run(t, oracle.URL, "process")
	assert.Error(t, err, "file argument is required")
}

func TestBackfillAndRecalculateOnEmptyStore(t *testing.T) {
	oracle := fakeOracle(t)

	out, err := run(t, oracle.URL, "backfill", "--batch", "5", "--concurrency", "2", "--pause", "0s")
	require.NoError(t, err)
	assert.Equal(t, "processed=0 scored=0 alerts=0 failed=0\n", out)

	out, err = run(t, oracle.URL, "recalculate")
	require.NoError(t, err)
	assert.Equal(t, "users=0 updated=0 failed=0\n", out)
}
