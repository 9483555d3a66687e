package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.SessionsStarted.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SessionsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionsStarted))
}

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.PipelineRuns.WithLabelValues(ResultSucceeded).Inc()
	m.FramesDropped.WithLabelValues(FrameAudio, DropInactive).Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_pipeline_runs_total{result="succeeded"} 1`)
	assert.Contains(t, string(body), `relay_frames_dropped_total{kind="audio",reason="inactive"} 3`)
}
