package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/internal/config"
	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/metrics"
	"github.com/openfluke/nowcast/internal/store"
)

func tinyGenerator(t *testing.T, seed int64) *dgmr.Generator {
	t.Helper()
	g, err := dgmr.NewGenerator(dgmr.GeneratorConfig{
		Sampler: dgmr.SamplerConfig{
			ForecastSteps: 2, LatentChannels: 32, ContextChannels: 16, OutputChannels: 1,
			Variant: dgmr.VariantStandard,
		},
		InputChannels: 1, ContextSteps: 2, FrameHeight: 32, FrameWidth: 32, NoiseChannels: 1,
	}, seed)
	require.NoError(t, err)
	return g
}

type fixture struct {
	server  *Server
	engine  *inference.Engine
	store   *store.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, withModel bool) fixture {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.NewMetricsForTesting()
	var gen *dgmr.Generator
	if withModel {
		gen = tinyGenerator(t, 1)
	}
	engine := inference.NewEngine("tiny", gen, inference.Options{Metrics: m, MaxMembers: 2})

	cfg := config.Default().Server
	cfg.RateLimitRequests = 0
	return fixture{
		server:  NewServer(cfg, engine, st, m),
		engine:  engine,
		store:   st,
		metrics: m,
	}
}

func (f fixture) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func forecastBody(t *testing.T, shape []int, members int) []byte {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%9) / 9
	}
	b, err := json.Marshal(inference.ForecastRequest{
		History: inference.TensorPayload{Shape: shape, Data: data},
		Members: members,
	})
	require.NoError(t, err)
	return b
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", decode[map[string]string](t, rec)["status"])

	f.engine.SetModel("tiny", tinyGenerator(t, 1))
	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, rec)["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestModelInfo(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/api/v1/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	info := decode[modelResponse](t, rec)
	assert.Equal(t, "tiny", info.ID)
	assert.Equal(t, []int{1, 2, 1, 32, 32}, info.OutputShape)
	assert.Positive(t, info.Parameters)
	assert.Equal(t, dgmr.VariantStandard, info.Config.Sampler.Variant)
}

func TestModelInfoWithoutModel(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/v1/model", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "no model")
}

func TestForecast(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/forecast", forecastBody(t, []int{1, 2, 1, 32, 32}, 2))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[inference.ForecastResponse](t, rec)
	assert.Equal(t, "tiny", resp.ModelID)
	require.Len(t, resp.Members, 2)
	assert.Equal(t, []int{1, 2, 1, 32, 32}, resp.Members[0].Shape)
	assert.Len(t, resp.Members[0].Data, 2*32*32)

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("/api/v1/forecast", "200")), 0)
}

func TestForecastErrors(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"malformed json", []byte(`{"history":`), http.StatusBadRequest},
		{"missing history", []byte(`{"members":1}`), http.StatusBadRequest},
		{"data does not fill shape", []byte(`{"history":{"shape":[2,2],"data":[1]}}`), http.StatusBadRequest},
		{"wrong geometry", forecastBody(t, []int{1, 3, 1, 32, 32}, 1), http.StatusBadRequest},
		{"too many members", forecastBody(t, []int{1, 2, 1, 32, 32}, 5), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/forecast", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, decode[errorBody](t, rec).Error)
		})
	}
}

func TestForecastOverflowIsNotServed(t *testing.T) {
	f := newFixture(t, true)
	shape := []int{1, 2, 1, 32, 32}
	data := make([]float32, 2*32*32)
	for i := range data {
		data[i] = 3e38
	}
	body, err := json.Marshal(inference.ForecastRequest{History: inference.TensorPayload{Shape: shape, Data: data}})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/forecast", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, decode[errorBody](t, rec).Error, "not finite")
}

func TestForecastBodyLimit(t *testing.T) {
	f := newFixture(t, true)
	f.server.cfg.MaxBodyBytes = 16
	rec := f.do(t, http.MethodPost, "/api/v1/forecast", forecastBody(t, []int{1, 2, 1, 32, 32}, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndActivateModels(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.store.Put(ctx, "alpha", tinyGenerator(t, 7))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]store.Metadata](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].ID)

	rec = f.do(t, http.MethodPost, "/api/v1/models/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/models/alpha/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id, _, err := f.engine.Model()
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
	assert.True(t, f.engine.Ready())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, true)
	cfg := config.Default().Server
	cfg.RateLimitRequests = 1
	cfg.RateLimitWindow = time.Hour
	srv := NewServer(cfg, f.engine, f.store, f.metrics)

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/model", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodGet, "/healthz", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `nowcast_http_requests_total{code="200",route="/healthz"} 1`))
}
