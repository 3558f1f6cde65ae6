package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/metrics"
	"github.com/openfluke/nowcast/nn"
)

type mockReader struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []kafkago.Message
	closed    bool
}

func (r *mockReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *mockReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *mockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *mockReader) commits() []kafkago.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafkago.Message(nil), r.committed...)
}

type mockWriter struct {
	mu       sync.Mutex
	failures int
	written  []kafkago.Message
	attempts int
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *mockWriter) Close() error { return nil }

func (w *mockWriter) messages() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.written...)
}

type fakeForecaster struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeForecaster) Forecast(_ context.Context, req inference.Request) (*inference.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	members := max(req.Members, 1)
	res := &inference.Result{
		ID:        "forecast-1",
		ModelID:   "tiny",
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for i := 0; i < members; i++ {
		res.Members = append(res.Members, nn.Full(float32(i), req.History.Shape...))
	}
	return res, nil
}

func requestMessage(t *testing.T, key string, offset int64) kafkago.Message {
	t.Helper()
	body, err := json.Marshal(inference.ForecastRequest{
		History: inference.TensorPayload{Shape: []int{1, 2, 1, 2, 2}, Data: make([]float32, 8)},
	})
	require.NoError(t, err)
	return kafkago.Message{Topic: "radar-frames", Key: []byte(key), Value: body, Offset: offset}
}

func runWorker(t *testing.T, w *Worker, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()
	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func testOptions(m *metrics.Metrics) Options {
	return Options{Metrics: m, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestWorkerPublishesForecast(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	reader := &mockReader{msgs: []kafkago.Message{requestMessage(t, "req-1", 7)}}
	writer := &mockWriter{}
	w := NewWorker(reader, writer, &fakeForecaster{}, testOptions(m))
	require.Error(t, w.CheckReadiness(context.Background()))

	runWorker(t, w, func() bool { return len(reader.commits()) == 1 })

	out := writer.messages()
	require.Len(t, out, 1)
	assert.Equal(t, "req-1", string(out[0].Key))
	assert.Equal(t, "req-1", headerValue(out[0], headerRequestID))
	assert.Equal(t, "tiny", headerValue(out[0], headerModelID))
	assert.Equal(t, "forecast-1", headerValue(out[0], headerForecastID))
	assert.Equal(t, "2025-03-01T10:00:00Z", headerValue(out[0], headerCreatedAt))

	var resp inference.ForecastResponse
	require.NoError(t, json.Unmarshal(out[0].Value, &resp))
	require.Len(t, resp.Members, 1)
	assert.Equal(t, []int{1, 2, 1, 2, 2}, resp.Members[0].Shape)

	assert.Equal(t, int64(7), reader.commits()[0].Offset)
	assert.NoError(t, w.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesConsumed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesProduced), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.WorkerRunning), 0)
}

func TestWorkerSkipsUndecodableMessages(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	reader := &mockReader{msgs: []kafkago.Message{
		{Value: []byte("not json"), Offset: 1},
		{Value: []byte(`{"history":{"shape":[2,2],"data":[1]}}`), Offset: 2},
		requestMessage(t, "ok", 3),
	}}
	writer := &mockWriter{}
	w := NewWorker(reader, writer, &fakeForecaster{}, testOptions(m))

	runWorker(t, w, func() bool { return len(reader.commits()) == 3 })

	assert.Len(t, writer.messages(), 1)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DecodeErrors), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.MessagesConsumed), 0)
}

func TestWorkerSkipsInvalidRequests(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	reader := &mockReader{msgs: []kafkago.Message{requestMessage(t, "bad", 1)}}
	writer := &mockWriter{}
	f := &fakeForecaster{errs: []error{inference.ErrInvalidRequest}}
	w := NewWorker(reader, writer, f, testOptions(m))

	runWorker(t, w, func() bool { return len(reader.commits()) == 1 })

	assert.Empty(t, writer.messages())
	assert.InDelta(t, 1, testutil.ToFloat64(m.DecodeErrors), 0)
}

func TestWorkerDropsNonFiniteForecasts(t *testing.T) {
	reader := &mockReader{msgs: []kafkago.Message{requestMessage(t, "overflow", 1), requestMessage(t, "ok", 2)}}
	writer := &mockWriter{}
	f := &fakeForecaster{errs: []error{inference.ErrNonFiniteOutput}}
	w := NewWorker(reader, writer, f, testOptions(nil))

	runWorker(t, w, func() bool { return len(reader.commits()) == 2 })

	out := writer.messages()
	require.Len(t, out, 1)
	assert.Equal(t, "ok", string(out[0].Key))
	var resp inference.ForecastResponse
	require.NoError(t, json.Unmarshal(out[0].Value, &resp))
}

func TestWorkerWaitsForModel(t *testing.T) {
	reader := &mockReader{msgs: []kafkago.Message{requestMessage(t, "r", 1)}}
	writer := &mockWriter{}
	f := &fakeForecaster{errs: []error{inference.ErrNoModel, inference.ErrNoModel}}
	w := NewWorker(reader, writer, f, testOptions(nil))

	runWorker(t, w, func() bool { return len(writer.messages()) == 1 })

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 3, f.calls)
}

func TestWorkerRetriesSinkBeforeCommitting(t *testing.T) {
	reader := &mockReader{msgs: []kafkago.Message{requestMessage(t, "r", 1)}}
	writer := &mockWriter{failures: 2}
	opts := testOptions(nil)
	opts.BreakerFailures = 10
	w := NewWorker(reader, writer, &fakeForecaster{}, opts)

	runWorker(t, w, func() bool { return len(reader.commits()) == 1 })

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Equal(t, 3, writer.attempts)
	assert.Len(t, writer.written, 1)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newBreaker("test", 2, time.Hour)
	fail := func() (struct{}, error) { return struct{}{}, errors.New("boom") }

	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestRateLimiterIsConfigured(t *testing.T) {
	w := NewWorker(&mockReader{}, &mockWriter{}, &fakeForecaster{}, Options{MaxPerSecond: 2})
	require.NotNil(t, w.limiter)
	assert.InDelta(t, 2, float64(w.limiter.Limit()), 0)

	w = NewWorker(&mockReader{}, &mockWriter{}, &fakeForecaster{}, Options{})
	assert.Nil(t, w.limiter)
}

func TestMapMessageRequestID(t *testing.T) {
	msg := requestMessage(t, "from-key", 0)
	id, req, err := mapMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "from-key", id)
	assert.Equal(t, []int{1, 2, 1, 2, 2}, req.History.Shape)

	msg.Headers = []kafkago.Header{{Key: headerRequestID, Value: []byte("from-header")}}
	id, _, err = mapMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "from-header", id)

	msg.Headers, msg.Key = nil, nil
	id, _, err = mapMessage(msg)
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 400*time.Millisecond, nextBackoff(200*time.Millisecond, 5*time.Second))
	assert.Equal(t, 5*time.Second, nextBackoff(4*time.Second, 5*time.Second))
}

func TestServeReturnsOnCancel(t *testing.T) {
	reader := &mockReader{}
	w := NewWorker(reader, &mockWriter{}, &fakeForecaster{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Serve(ctx), context.Canceled)
	require.NoError(t, w.Close())
	assert.True(t, reader.closed)
}
