// Package stream runs forecasts for requests consumed from Kafka and
// publishes the results to a sink topic.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/openfluke/nowcast/internal/config"
	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/internal/metrics"
)

const (
	headerRequestID  = "request_id"
	headerModelID    = "model_id"
	headerForecastID = "forecast_id"
	headerCreatedAt  = "created_at"
)

// MessageReader is the consumer side of kafka-go's Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// MessageWriter is the producer side of kafka-go's Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Forecaster runs one forecast request.
type Forecaster interface {
	Forecast(ctx context.Context, req inference.Request) (*inference.Result, error)
}

// Options tunes a Worker. Zero values select the defaults.
type Options struct {
	// MaxPerSecond throttles forecasts; 0 disables throttling.
	MaxPerSecond float64
	// BreakerFailures consecutive sink failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	Metrics *metrics.Metrics
}

func (o *Options) defaults() {
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewMetricsForTesting()
	}
}

// Worker consumes forecast requests one message at a time. A message is
// committed after its result is published, or when it can never succeed.
type Worker struct {
	reader     MessageReader
	writer     MessageWriter
	forecaster Forecaster
	opts       Options

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	ready   atomic.Bool
}

// NewWorker wires a worker around an existing reader and writer.
func NewWorker(r MessageReader, w MessageWriter, f Forecaster, opts Options) *Worker {
	opts.defaults()
	wk := &Worker{
		reader:     r,
		writer:     w,
		forecaster: f,
		opts:       opts,
		breaker:    newBreaker("kafka-sink", opts.BreakerFailures, opts.BreakerTimeout),
	}
	if opts.MaxPerSecond > 0 {
		wk.limiter = rate.NewLimiter(rate.Limit(opts.MaxPerSecond), 1)
	}
	return wk
}

// NewKafkaWorker connects to the configured brokers.
func NewKafkaWorker(cfg config.KafkaConfig, f Forecaster, m *metrics.Metrics) *Worker {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.SourceTopic,
		MinBytes: 1,
		MaxBytes: 64 << 20,
	})
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.SinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		BatchBytes:   64 << 20,
	}
	return NewWorker(r, w, f, Options{
		MaxPerSecond:    cfg.MaxPerSecond,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
		Metrics:         m,
	})
}

func newBreaker(name string, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// String names the worker for the supervisor.
func (w *Worker) String() string { return "stream-worker" }

// Serve implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	w.Run(ctx)
	return ctx.Err()
}

// CheckReadiness returns nil once a forecast has been published.
func (w *Worker) CheckReadiness(_ context.Context) error {
	if !w.ready.Load() {
		return errors.New("stream worker has not published any forecasts yet")
	}
	return nil
}

// Close closes the reader and the writer.
func (w *Worker) Close() error {
	return errors.Join(w.reader.Close(), w.writer.Close())
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logging.Info().Float64("max_per_second", w.opts.MaxPerSecond).Msg("stream worker started")
	w.opts.Metrics.WorkerRunning.Set(1)
	defer w.opts.Metrics.WorkerRunning.Set(0)

	backoff := w.opts.InitialBackoff
	for ctx.Err() == nil {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Err(err).Msg("fetch message failed")
			if !w.backoffOrStop(ctx, &backoff) {
				break
			}
			continue
		}
		w.opts.Metrics.MessagesConsumed.Inc()
		backoff = w.opts.InitialBackoff

		if !w.handle(ctx, msg, &backoff) {
			break
		}
	}
	logging.Info().Msg("stream worker stopping")
}

// handle processes one message. It returns false if the worker should stop.
func (w *Worker) handle(ctx context.Context, msg kafkago.Message, backoff *time.Duration) bool {
	requestID, req, err := mapMessage(msg)
	if err != nil {
		logging.Warn().Err(err).
			Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
			Msg("decode failed, skipping message")
		w.opts.Metrics.DecodeErrors.Inc()
		w.commit(ctx, msg)
		return true
	}
	ctx = logging.ContextWithRequestID(ctx, requestID)
	log := logging.Ctx(ctx)

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	var res *inference.Result
	for {
		res, err = w.forecaster.Forecast(ctx, req)
		if !errors.Is(err, inference.ErrNoModel) {
			break
		}
		log.Warn().Msg("no model loaded, retrying")
		if !w.backoffOrStop(ctx, backoff) {
			return false
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn().Err(err).Int64("offset", msg.Offset).Msg("forecast failed, skipping message")
		if errors.Is(err, inference.ErrInvalidRequest) {
			w.opts.Metrics.DecodeErrors.Inc()
		}
		w.commit(ctx, msg)
		return true
	}

	out, err := serializeResponse(requestID, res)
	if err != nil {
		log.Error().Err(err).Msg("serialize forecast failed, skipping message")
		w.commit(ctx, msg)
		return true
	}

	for {
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.writer.WriteMessages(ctx, out)
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		log.Error().Err(err).Str("breaker", w.breaker.State().String()).Msg("publish forecast failed")
		if !w.backoffOrStop(ctx, backoff) {
			return false
		}
	}

	w.opts.Metrics.MessagesProduced.Inc()
	w.commit(ctx, msg)
	w.ready.Store(true)
	*backoff = w.opts.InitialBackoff
	return true
}

func (w *Worker) commit(ctx context.Context, msg kafkago.Message) {
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		logging.Warn().Err(err).
			Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
			Msg("commit offset failed")
	}
}

// backoffOrStop sleeps for the current backoff and advances it. It returns
// false if ctx was cancelled.
func (w *Worker) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, w.opts.MaxBackoff)
	return true
}

// mapMessage decodes a forecast request. The request ID comes from the
// request_id header, then the message key, else a new UUID.
func mapMessage(msg kafkago.Message) (string, inference.Request, error) {
	var body inference.ForecastRequest
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		return "", inference.Request{}, fmt.Errorf("decode forecast request: %w", err)
	}
	req, err := body.Request()
	if err != nil {
		return "", inference.Request{}, err
	}

	id := headerValue(msg, headerRequestID)
	if id == "" {
		id = string(msg.Key)
	}
	if id == "" {
		id = uuid.New().String()
	}
	return id, req, nil
}

func headerValue(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// serializeResponse marshals a forecast into a sink message keyed by request ID.
func serializeResponse(requestID string, res *inference.Result) (kafkago.Message, error) {
	data, err := json.Marshal(res.Response())
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize forecast: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(requestID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: headerRequestID, Value: []byte(requestID)},
			{Key: headerModelID, Value: []byte(res.ModelID)},
			{Key: headerForecastID, Value: []byte(res.ID)},
			{Key: headerCreatedAt, Value: []byte(res.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
