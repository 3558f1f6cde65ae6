package dgmr

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/openfluke/nowcast/nn"
)

var (
	// ErrContextLength is returned when the context list does not hold exactly
	// four entries.
	ErrContextLength = errors.New("dgmr: context list must have 4 entries")
	// ErrLatentLength is returned when a multiscale latent list does not hold
	// exactly four entries, or when the latent kind does not match the variant.
	ErrLatentLength = errors.New("dgmr: latent list must have 4 entries")
)

// Latent is the sampler's noise input: one tensor for the standard and
// reduced variants, or a per-scale list (largest resolution first) for the
// multiscale variant.
type Latent struct {
	Tensor *nn.Tensor
	Scales []*nn.Tensor
}

// SingleLatent wraps one latent tensor.
func SingleLatent(t *nn.Tensor) Latent { return Latent{Tensor: t} }

// MultiscaleLatent wraps a per-scale latent list.
func MultiscaleLatent(scales []*nn.Tensor) Latent { return Latent{Scales: scales} }

type samplerStage struct {
	plan StagePlan
	gru  *nn.ConvGRU
	proj *nn.Conv2DLayer
	g    *nn.GBlock
	up   *nn.UpsampleGBlock // nil when plan.UpChannels == 0
}

// Sampler turns conditioning states and a latent into forecast frames by
// running one ConvGRU per scale, coarsest first.
type Sampler struct {
	cfg    SamplerConfig
	stages []*samplerStage

	headBN   *nn.BatchNorm2D
	headConv *nn.Conv2DLayer
	shuffle  bool
}

// NewSampler validates cfg and builds every stage with weights drawn from rng.
func NewSampler(cfg SamplerConfig, rng *rand.Rand) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sampler{cfg: cfg}
	err := nn.Try(func() {
		for _, plan := range cfg.Stages() {
			st := &samplerStage{
				plan: plan,
				gru:  nn.NewConvGRU(plan.InputChannels, plan.StateChannels, rng),
				proj: nn.InitConv2DLayer(plan.StateChannels, plan.ProjChannels, 1, nn.ActivationNone, rng),
				g:    nn.NewGBlock(plan.ProjChannels, plan.ProjChannels, rng),
			}
			if plan.UpChannels > 0 {
				st.up = nn.NewUpsampleGBlock(plan.ProjChannels, plan.UpChannels, rng)
			}
			s.stages = append(s.stages, st)
		}

		head := cfg.HeadChannels()
		s.headBN = nn.InitBatchNorm2D(head)
		if cfg.Variant == VariantReduced {
			s.headConv = nn.InitConv2DLayer(head, cfg.OutputChannels, 1, nn.ActivationNone, rng)
		} else {
			s.headConv = nn.InitConv2DLayer(head, 4*cfg.OutputChannels, 1, nn.ActivationNone, rng)
			s.shuffle = true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("build sampler: %w", err)
	}
	return s, nil
}

// Config returns the validated configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Forward produces a (batch, forecast_steps, output_channels, H, W) tensor.
// contexts must be ordered from largest to smallest resolution.
func (s *Sampler) Forward(contexts []*nn.Tensor, latent Latent) (*nn.Tensor, error) {
	if len(contexts) != 4 {
		return nil, fmt.Errorf("%w: got %d", ErrContextLength, len(contexts))
	}
	if err := s.checkLatentKind(latent); err != nil {
		return nil, err
	}

	var out *nn.Tensor
	if err := nn.Try(func() { out = s.forward(contexts, latent) }); err != nil {
		return nil, fmt.Errorf("sampler forward: %w", err)
	}
	return out, nil
}

func (s *Sampler) checkLatentKind(latent Latent) error {
	if s.cfg.Variant == VariantMultiscale {
		if len(latent.Scales) != 4 {
			return fmt.Errorf("%w: got %d", ErrLatentLength, len(latent.Scales))
		}
		return nil
	}
	if latent.Tensor == nil {
		return fmt.Errorf("%w: the %s variant takes a single latent tensor", ErrLatentLength, s.cfg.Variant)
	}
	return nil
}

// expandBatch tiles a latent whose batch divides the context batch.
func expandBatch(lat *nn.Tensor, batch int) *nn.Tensor {
	lb := lat.Dim(0)
	if lb == batch {
		return lat
	}
	if lb == 0 || batch%lb != 0 {
		panicShape("latent batch %d does not divide context batch %d", lb, batch)
	}
	return nn.RepeatBatch(lat, batch/lb)
}

// panicShape aborts a forward pass; Forward methods recover it with nn.Try.
func panicShape(format string, args ...any) {
	exceptions.Panicf("dgmr: "+format, args...)
}

func (s *Sampler) forward(contexts []*nn.Tensor, latent Latent) *nn.Tensor {
	batch := contexts[0].Dim(0)
	steps := s.cfg.ForecastSteps

	var single *nn.Tensor
	var scales []*nn.Tensor
	if latent.Tensor != nil && s.cfg.Variant != VariantMultiscale {
		single = expandBatch(latent.Tensor, batch)
	} else {
		scales = make([]*nn.Tensor, len(latent.Scales))
		for i, l := range latent.Scales {
			scales[i] = expandBatch(l, batch)
		}
	}

	var hidden []*nn.Tensor
	for k, st := range s.stages {
		inputs := make([]*nn.Tensor, steps)
		for t := range inputs {
			switch {
			case scales != nil && k == 0:
				inputs[t] = scales[st.plan.LatentIndex]
			case scales != nil:
				inputs[t] = nn.ConcatChannels(scales[st.plan.LatentIndex], hidden[t])
			case k == 0:
				inputs[t] = single
			default:
				inputs[t] = hidden[t]
			}
		}

		hidden = st.gru.Forward(inputs, contexts[st.plan.ContextIndex])
		for t, h := range hidden {
			h = st.proj.Forward(h)
			h = st.g.Forward(h)
			if st.up != nil {
				h = st.up.Forward(h)
			}
			hidden[t] = h
		}
	}

	for t, h := range hidden {
		h = nn.ReLU(s.headBN.Forward(h))
		h = s.headConv.Forward(h)
		if s.shuffle {
			h = nn.DepthToSpace(h, 2)
		}
		hidden[t] = h
	}
	return nn.Stack(1, hidden...)
}

// OutputShape computes the forward result shape from input shapes alone,
// applying the same consistency checks the layers would. latentShapes holds
// one shape, or four for the multiscale variant.
func (s *Sampler) OutputShape(contextShapes [][]int, latentShapes ...[]int) ([]int, error) {
	if len(contextShapes) != 4 {
		return nil, fmt.Errorf("%w: got %d", ErrContextLength, len(contextShapes))
	}
	multiscale := s.cfg.Variant == VariantMultiscale
	if multiscale && len(latentShapes) != 4 || !multiscale && len(latentShapes) != 1 {
		return nil, fmt.Errorf("%w: got %d latent shapes", ErrLatentLength, len(latentShapes))
	}
	for i, cs := range contextShapes {
		if len(cs) != 4 {
			return nil, fmt.Errorf("%w: context %d has shape %v", nn.ErrShape, i, cs)
		}
	}
	batch := contextShapes[0][0]

	checkLatent := func(ls []int, channels int, spatial []int) error {
		if len(ls) != 4 || ls[1] != channels || ls[2] != spatial[2] || ls[3] != spatial[3] ||
			ls[0] < 1 || batch%ls[0] != 0 {
			return fmt.Errorf("%w: latent shape %v, want [b %d %d %d] with b dividing %d",
				nn.ErrShape, ls, channels, spatial[2], spatial[3], batch)
		}
		return nil
	}

	stages := s.cfg.Stages()
	first := contextShapes[stages[0].ContextIndex]
	h, w := first[2], first[3]
	for k, st := range stages {
		cs := contextShapes[st.ContextIndex]
		if cs[0] != batch || cs[1] != st.StateChannels || cs[2] != h || cs[3] != w {
			return nil, fmt.Errorf("%w: context %d has shape %v, want [%d %d %d %d]",
				nn.ErrShape, st.ContextIndex, cs, batch, st.StateChannels, h, w)
		}
		switch {
		case multiscale:
			if err := checkLatent(latentShapes[st.LatentIndex], s.cfg.LatentChannelsPerScale()[st.LatentIndex], cs); err != nil {
				return nil, err
			}
		case k == 0:
			if err := checkLatent(latentShapes[0], st.InputChannels, cs); err != nil {
				return nil, err
			}
		}
		if st.UpChannels > 0 {
			h, w = 2*h, 2*w
		}
	}
	if s.cfg.Variant != VariantReduced {
		h, w = 2*h, 2*w
	}
	return []int{batch, s.cfg.ForecastSteps, s.cfg.OutputChannels, h, w}, nil
}

// RegisterParams implements nn.Module.
func (s *Sampler) RegisterParams(prefix string, ps *nn.ParamSet) {
	for k, st := range s.stages {
		p := joinName(prefix, fmt.Sprintf("stages.%d", k))
		st.gru.RegisterParams(p+".convgru", ps)
		st.proj.RegisterParams(p+".gru_conv_1x1", ps)
		st.g.RegisterParams(p+".gblock", ps)
		if st.up != nil {
			st.up.RegisterParams(p+".up_gblock", ps)
		}
	}
	s.headBN.RegisterParams(joinName(prefix, "head.bn"), ps)
	s.headConv.RegisterParams(joinName(prefix, "head.conv_1x1"), ps)
}

// Params returns the named parameter registry of the sampler.
func (s *Sampler) Params() *nn.ParamSet {
	ps := nn.NewParamSet()
	s.RegisterParams("", ps)
	return ps
}

// joinName joins a parameter prefix and a local name with ".".
func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
