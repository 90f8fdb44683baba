package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RunStarted()
	m.RunFinished("ready")
	m.EventApplied("check")
	m.EventApplied("check")
	m.RecordDropped(3)
	m.RecordDropped(0)
	m.PersistFailed()
	m.AlertEmitted("critical", "budget_threshold")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("check")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("blocked")
	m.AlertEmitted("info", "x")
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunStarted()
	m.RunFinished("blocked")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `controlroom_validation_runs_total{status="blocked"} 1`)
}
