package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	level, _ := log.ToLevel("error")
	return New("", log.NewTestLogger(level))
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics(t)

	m.UnknownCorrelation("open")
	m.UnknownCorrelation("open")
	m.UnknownCorrelation("close")
	m.DecodeFailed()
	m.FrameReceived("text")
	m.FrameSent("text")
	m.FrameSent("pong")
	m.PendingExpired(3)
	m.PendingExpired(0)
	m.SnapshotTaken()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.unknownCorrelation.WithLabelValues("open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.unknownCorrelation.WithLabelValues("close")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesIn.WithLabelValues("text")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesOut.WithLabelValues("pong")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.expiredPending))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.snapshots))
}

func TestMetrics_Sessions(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionStarted()
	m.SessionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.activeSessions))

	m.SessionEnded("")
	m.SessionEnded("transport")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionErrors.WithLabelValues("transport")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRoundTrip("open", time.Millisecond)
		m.UnknownCorrelation("open")
		m.PendingExpired(1)
		m.SnapshotTaken()
		m.FrameReceived("text")
		m.FrameSent("text")
		m.DecodeFailed()
		m.SessionStarted()
		m.SessionEnded("auth")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveRoundTrip("open", 250*time.Microsecond)
	m.ObserveRoundTrip("close", 300*time.Microsecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "hftbench_round_trip_seconds_count{kind=\"open\"} 1"))
	assert.True(t, strings.Contains(body, "hftbench_round_trip_seconds_count{kind=\"close\"} 1"))
}
