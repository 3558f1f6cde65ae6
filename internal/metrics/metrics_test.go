package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreIndependentPerInstance(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.ForecastsTotal.WithLabelValues("success").Inc()
	a.ForecastsTotal.WithLabelValues("success").Inc()
	b.ForecastsTotal.WithLabelValues("error").Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(a.ForecastsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.ForecastsTotal.WithLabelValues("success")), 0)
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics()
	m.MessagesConsumed.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "nowcast_messages_consumed_total 3")
	assert.Contains(t, string(body), "go_goroutines")
}
