// Package inference runs forecasts on the served generator with bounded
// concurrency.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/internal/metrics"
	"github.com/openfluke/nowcast/nn"
)

var (
	// ErrInvalidRequest wraps every request that does not fit the model.
	ErrInvalidRequest = errors.New("inference: invalid request")
	// ErrNoModel is returned before a model has been set.
	ErrNoModel = errors.New("inference: no model loaded")
	// ErrNonFiniteOutput is returned when a member overflows to NaN or Inf.
	ErrNonFiniteOutput = errors.New("inference: forecast is not finite")
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// MaxConcurrent bounds simultaneous generator forward passes.
	MaxConcurrent int
	// MaxMembers bounds the ensemble size of one request.
	MaxMembers int
	// Timeout bounds one request, including queueing.
	Timeout time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// Request is one forecast request. History is [b, t, c, h, w]; Last is the
// optional conditioning frame; Seed overrides the configured noise seed.
type Request struct {
	History *nn.Tensor
	Last    *nn.Tensor
	Members int
	Seed    *int64
}

// Result holds one tensor per ensemble member, in seed order.
type Result struct {
	ID        string
	ModelID   string
	Members   []*nn.Tensor
	CreatedAt time.Time
	Duration  time.Duration
}

type servedModel struct {
	id  string
	gen *dgmr.Generator
}

// Engine serves one generator at a time; SetModel swaps it atomically with
// respect to new requests.
type Engine struct {
	opts    Options
	sem     *semaphore.Weighted
	forward func(gen *dgmr.Generator, history, last *nn.Tensor, seed int64) (*nn.Tensor, error)

	mu    sync.RWMutex
	model *servedModel
}

// NewEngine creates an engine. gen may be nil and set later.
func NewEngine(modelID string, gen *dgmr.Generator, opts Options) *Engine {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxMembers < 1 {
		opts.MaxMembers = 8
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsForTesting()
	}
	e := &Engine{
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		forward: (*dgmr.Generator).ForwardWithNoise,
	}
	if gen != nil {
		e.SetModel(modelID, gen)
	}
	return e
}

// SetModel replaces the served generator.
func (e *Engine) SetModel(modelID string, gen *dgmr.Generator) {
	e.mu.Lock()
	e.model = &servedModel{id: modelID, gen: gen}
	e.mu.Unlock()
	e.opts.Metrics.ModelParams.Set(float64(gen.Params().Count()))
	logging.Info().Str("model_id", modelID).Str("variant", string(gen.Config().Sampler.Variant)).Msg("model activated")
}

// Model returns the served model ID and generator, or ErrNoModel.
func (e *Engine) Model() (string, *dgmr.Generator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return "", nil, ErrNoModel
	}
	return e.model.id, e.model.gen, nil
}

// Ready reports whether a model is loaded.
func (e *Engine) Ready() bool {
	_, _, err := e.Model()
	return err == nil
}

// Forecast validates req against the served model and runs every ensemble
// member with seeds seed, seed+1, ...
func (e *Engine) Forecast(ctx context.Context, req Request) (*Result, error) {
	modelID, gen, err := e.Model()
	if err != nil {
		return nil, err
	}
	if err := e.validate(gen.Config(), req); err != nil {
		e.opts.Metrics.ForecastsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	members := max(req.Members, 1)
	seed := gen.Config().NoiseSeed
	if req.Seed != nil {
		seed = *req.Seed
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	res := &Result{
		ID:        uuid.New().String(),
		ModelID:   modelID,
		Members:   make([]*nn.Tensor, members),
		CreatedAt: e.opts.Clock.Now().UTC(),
	}
	start := e.opts.Clock.Now()
	e.opts.Metrics.EnsembleMembers.Observe(float64(members))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < members; i++ {
		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)
			if err := gctx.Err(); err != nil {
				return err
			}

			e.opts.Metrics.ForecastsRunning.Inc()
			defer e.opts.Metrics.ForecastsRunning.Dec()
			out, err := e.forward(gen, req.History, req.Last, seed+int64(i))
			if err != nil {
				return fmt.Errorf("member %d: %w", i, err)
			}
			if n := nn.Summarize(out).NonFinite; n > 0 {
				return fmt.Errorf("member %d: %w: %d values", i, ErrNonFiniteOutput, n)
			}
			res.Members[i] = out
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		// a pass that outlives the deadline is not a success
		err = ctx.Err()
	}
	if err != nil {
		e.opts.Metrics.ForecastsTotal.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("forecast_id", res.ID).Msg("forecast failed")
		return nil, err
	}

	res.Duration = e.opts.Clock.Since(start)
	e.opts.Metrics.ForecastDuration.Observe(res.Duration.Seconds())
	e.opts.Metrics.ForecastsTotal.WithLabelValues("success").Inc()
	logging.Ctx(ctx).Info().
		Str("forecast_id", res.ID).
		Str("model_id", modelID).
		Int("members", members).
		Dur("duration", res.Duration).
		Msg("forecast complete")
	return res, nil
}

func (e *Engine) validate(cfg dgmr.GeneratorConfig, req Request) error {
	if req.Members < 0 || req.Members > e.opts.MaxMembers {
		return fmt.Errorf("%w: members must be between 1 and %d", ErrInvalidRequest, e.opts.MaxMembers)
	}
	h := req.History
	if h == nil {
		return fmt.Errorf("%w: history is required", ErrInvalidRequest)
	}
	want := []int{-1, cfg.ContextSteps, cfg.InputChannels, cfg.FrameHeight, cfg.FrameWidth}
	if h.Rank() != 5 || h.Dim(0) < 1 {
		return fmt.Errorf("%w: history shape %v, want [b %d %d %d %d]", ErrInvalidRequest, h.Shape, want[1], want[2], want[3], want[4])
	}
	for i := 1; i < 5; i++ {
		if h.Dim(i) != want[i] {
			return fmt.Errorf("%w: history shape %v, want [b %d %d %d %d]", ErrInvalidRequest, h.Shape, want[1], want[2], want[3], want[4])
		}
	}
	if !finite(h) {
		return fmt.Errorf("%w: history holds NaN or Inf", ErrInvalidRequest)
	}
	if l := req.Last; l != nil {
		if cfg.Sampler.Variant != dgmr.VariantMultiscale {
			return fmt.Errorf("%w: the %s variant takes no last frame", ErrInvalidRequest, cfg.Sampler.Variant)
		}
		if l.Rank() != 4 || l.Dim(0) != h.Dim(0) || l.Dim(1) != want[2] || l.Dim(2) != want[3] || l.Dim(3) != want[4] {
			return fmt.Errorf("%w: last frame shape %v, want [%d %d %d %d]", ErrInvalidRequest, l.Shape, h.Dim(0), want[2], want[3], want[4])
		}
		if !finite(l) {
			return fmt.Errorf("%w: last frame holds NaN or Inf", ErrInvalidRequest)
		}
	}
	return nil
}

func finite(t *nn.Tensor) bool {
	return nn.Summarize(t).NonFinite == 0
}
