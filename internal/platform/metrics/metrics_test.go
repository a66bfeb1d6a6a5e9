package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveCountsByResponse(t *testing.T) {
	c := New()
	c.RecordTrigger(false)
	c.RecordTrigger(true)
	c.RecordResolve("SendRobot")
	c.RecordResolve("SendRobot")
	c.RecordResolve("DoNothing")

	assert.EqualValues(t, 2, c.EmergenciesTriggered)
	assert.EqualValues(t, 1, c.EmergenciesReplaced)
	assert.Equal(t, map[string]int64{"SendRobot": 2, "DoNothing": 1}, c.Responses())
}

func TestAuditWriteLatency(t *testing.T) {
	c := New()
	c.RecordAuditWrite(2*time.Millisecond, nil)
	c.RecordAuditWrite(4*time.Millisecond, errors.New("boom"))

	snap := c.Snapshot()["audit"].(map[string]interface{})
	assert.EqualValues(t, 2, snap["written"])
	assert.EqualValues(t, 1, snap["errors"])
	assert.InDelta(t, 3.0, snap["avg_write_lat_ms"], 0.001)
	assert.InDelta(t, 4.0, snap["max_write_lat_ms"], 0.001)
}

func TestPrometheusHandler(t *testing.T) {
	c := New()
	c.RecordSessionStart()
	c.RecordResolve("SendHuman")

	rec := httptest.NewRecorder()
	c.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "carehome_sessions_active 1")
	assert.Contains(t, body, `carehome_responses_total{response="SendHuman"} 1`)
}
