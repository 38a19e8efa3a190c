package risk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/activity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(f *fixture) *gin.Engine {
	r := gin.New()
	NewHandler(f.alerts, f.events).RegisterRoutes(r.Group("/v1"))
	return r
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestListAlerts(t *testing.T) {
	f := newFixture(t)
	seedAlerts(t, f, "alice", activity.SeverityMedium, activity.SeverityHigh, activity.SeverityHigh)
	r := newRouter(f)

	w := doGet(r, "/v1/alerts?severity=high&limit=1")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(1), body["limit"])
	assert.Equal(t, float64(0), body["skip"])
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	first := alerts[0].(map[string]any)
	assert.Equal(t, "high", first["severity"])
	assert.Equal(t, "alice", first["user"])
	assert.NotEmpty(t, first["event_id"])
}

func TestListAlerts_Empty(t *testing.T) {
	r := newRouter(newFixture(t))

	w := doGet(r, "/v1/alerts")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{}, body["alerts"])
	assert.Equal(t, float64(20), body["limit"])
}

func TestListAlerts_BadParams(t *testing.T) {
	r := newRouter(newFixture(t))

	w := doGet(r, "/v1/alerts?severity=critical")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_severity", decode(t, w)["error"])

	w = doGet(r, "/v1/alerts?skip=-4")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAlert(t *testing.T) {
	f := newFixture(t)
	a := seedAlerts(t, f, "bob", activity.SeverityHigh)[0]
	r := newRouter(f)

	w := doGet(r, "/v1/alerts/"+a.ID)
	require.Equal(t, http.StatusOK, w.Code)
	alert := decode(t, w)["alert"].(map[string]any)
	assert.Equal(t, a.ID, alert["id"])

	w = doGet(r, "/v1/alerts/alrt_nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestAlertContext(t *testing.T) {
	f := newFixture(t)
	var target *activity.Event
	for i := range 7 {
		ev := f.save(t, "carol", baseTime.Add(time.Duration(i)*time.Minute), "")
		if i == 3 {
			target = ev
		}
	}
	f.save(t, "someone-else", baseTime.Add(150*time.Second), "")
	_, err := f.updater.Apply(t.Context(), target, judgment(0.8, activity.SeverityHigh))
	require.NoError(t, err)
	r := newRouter(f)

	w := doGet(r, "/v1/alerts/context?event_id="+target.ID+"&window=2")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, target.ID, body["event"].(map[string]any)["id"])
	assert.NotNil(t, body["alert"])

	ctx := body["context"].(map[string]any)
	before := ctx["before"].([]any)
	after := ctx["after"].([]any)
	require.Len(t, before, 2)
	require.Len(t, after, 2)
	// Both sides ascending, closest events only.
	assert.Equal(t, baseTime.Add(time.Minute).Format(time.RFC3339), before[0].(map[string]any)["ts"])
	assert.Equal(t, baseTime.Add(2*time.Minute).Format(time.RFC3339), before[1].(map[string]any)["ts"])
	assert.Equal(t, baseTime.Add(4*time.Minute).Format(time.RFC3339), after[0].(map[string]any)["ts"])
	assert.Equal(t, baseTime.Add(5*time.Minute).Format(time.RFC3339), after[1].(map[string]any)["ts"])
}

func TestAlertContext_Errors(t *testing.T) {
	r := newRouter(newFixture(t))

	assert.Equal(t, http.StatusBadRequest, doGet(r, "/v1/alerts/context").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/v1/alerts/context?event_id=x&window=0").Code)
	assert.Equal(t, http.StatusNotFound, doGet(r, "/v1/alerts/context?event_id=evt_missing").Code)
}
