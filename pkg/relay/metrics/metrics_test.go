package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordSessionLifecycle(t *testing.T) {
	m := New("test")
	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd("client_ended", 3*time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("client_ended")))

	m.RecordAudio("in", 320)
	m.RecordAudio("in", 0)
	require.Equal(t, 320.0, testutil.ToFloat64(m.AudioBytesTotal.WithLabelValues("in")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordSessionEnd("shutdown", time.Second)
	m.RecordAudio("out", 10)
	m.RecordUpstreamEvent("ready")
	m.RecordRateLimitDenied()
	m.RecordFinalize("ok")
	m.RecordHandoff("nats", "ok")
	m.RecordError("internal")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New("")
	m.RecordRateLimitDenied()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "civicgrid_rate_limit_denials_total 1"), string(body))
}
