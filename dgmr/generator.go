package dgmr

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/nowcast/nn"
)

// ContextStack encodes a history [b, t, c, h, w] into four conditioning
// states, largest resolution first.
type ContextStack interface {
	nn.Module
	Forward(history *nn.Tensor) ([]*nn.Tensor, error)
}

// LatentStack produces the sampler latent. last is the most recent frame and
// may be ignored; seed selects the noise draw for stochastic stacks.
type LatentStack interface {
	nn.Module
	Forward(last *nn.Tensor, seed int64) (Latent, error)
}

// GeneratorConfig fully describes a generator. Together with the weights it
// is everything needed to rebuild a model.
type GeneratorConfig struct {
	Sampler SamplerConfig `json:"sampler" koanf:"sampler"`

	// InputChannels is the channel count of each observed frame.
	InputChannels int `json:"input_channels" koanf:"input_channels" validate:"gt=0"`
	// ContextSteps is the number of observed frames fed to the context stack.
	ContextSteps int `json:"context_steps" koanf:"context_steps" validate:"gt=0"`
	FrameHeight  int `json:"frame_height" koanf:"frame_height" validate:"gt=0"`
	FrameWidth   int `json:"frame_width" koanf:"frame_width" validate:"gt=0"`
	// DCTBlock is the tile size of the frequency-domain transform (reduced
	// variant only).
	DCTBlock int `json:"dct_block,omitempty" koanf:"dct_block" validate:"gte=0"`
	// NoiseChannels is the depth of the latent stack noise.
	NoiseChannels int `json:"noise_channels,omitempty" koanf:"noise_channels" validate:"gte=0"`
	// NoiseSeed is the seed used by Forward.
	NoiseSeed int64 `json:"noise_seed" koanf:"noise_seed"`
}

// DefaultGeneratorConfig returns the published generator: four 256x256
// context frames and 18 forecast steps.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Sampler:       DefaultSamplerConfig(),
		InputChannels: 1,
		ContextSteps:  4,
		FrameHeight:   256,
		FrameWidth:    256,
		NoiseChannels: 8,
	}
}

// DefaultReducedGeneratorConfig returns the frequency-domain generator with
// 8x8 DCT tiles.
func DefaultReducedGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Sampler:       ReducedSamplerConfig(),
		InputChannels: 1,
		ContextSteps:  4,
		FrameHeight:   256,
		FrameWidth:    256,
		DCTBlock:      8,
		NoiseChannels: 8,
	}
}

// contextOutputChannels is the channel count of the largest context state.
func (c GeneratorConfig) contextOutputChannels() int {
	if c.Sampler.Variant == VariantReduced {
		return 2 * c.Sampler.ContextChannels
	}
	return c.Sampler.ContextChannels
}

// frameDivisor is the factor both frame sides must be divisible by.
func (c GeneratorConfig) frameDivisor() int {
	if c.Sampler.Variant == VariantReduced {
		return 8 * c.DCTBlock
	}
	return 32
}

func (c GeneratorConfig) noiseChannels() int {
	if c.NoiseChannels == 0 {
		return 8
	}
	return c.NoiseChannels
}

// Validate checks the sampler config and the geometry shared by the stacks.
func (c GeneratorConfig) Validate() error {
	if err := c.Sampler.Validate(); err != nil {
		return err
	}
	if err := validateStruct(c); err != nil {
		return err
	}

	if c.Sampler.Variant == VariantReduced {
		if c.DCTBlock < 1 {
			return fmt.Errorf("%w: reduced variant needs dct_block > 0", ErrInvalidConfig)
		}
		if c.InputChannels != 1 {
			return fmt.Errorf("%w: reduced variant transforms single-channel frames, got %d channels",
				ErrInvalidConfig, c.InputChannels)
		}
		if c.Sampler.OutputChannels != c.DCTBlock*c.DCTBlock {
			return fmt.Errorf("%w: output_channels %d must equal dct_block² = %d",
				ErrInvalidConfig, c.Sampler.OutputChannels, c.DCTBlock*c.DCTBlock)
		}
	}

	div := c.frameDivisor()
	if c.FrameHeight%div != 0 || c.FrameWidth%div != 0 {
		return fmt.Errorf("%w: frame %dx%d must be divisible by %d",
			ErrInvalidConfig, c.FrameHeight, c.FrameWidth, div)
	}
	if out := c.contextOutputChannels(); out/4 < c.ContextSteps {
		return fmt.Errorf("%w: context_channels too small for %d context steps", ErrInvalidConfig, c.ContextSteps)
	}
	if c.Sampler.Variant != VariantMultiscale {
		L := c.Sampler.LatentChannels
		if L%32 != 0 || c.noiseChannels() > L/32 {
			return fmt.Errorf("%w: latent_channels %d must be divisible by 32 and at least 32x noise_channels %d",
				ErrInvalidConfig, L, c.noiseChannels())
		}
	}
	return nil
}

// Generator wires a context stack, a latent stack and a sampler. The
// reduced variant additionally wraps them in a DCT block transform.
type Generator struct {
	cfg GeneratorConfig

	Context ContextStack
	Latent  LatentStack
	Sampler *Sampler

	dct *DCTTransform
}

// NewGenerator builds a generator with weights drawn from seed.
func NewGenerator(cfg GeneratorConfig, seed int64) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	g := &Generator{cfg: cfg}

	var err error
	sc := cfg.Sampler
	switch sc.Variant {
	case VariantReduced:
		if g.dct, err = NewDCTTransform(cfg.DCTBlock); err != nil {
			return nil, err
		}
		coeffs := cfg.DCTBlock * cfg.DCTBlock
		g.Context, err = NewContextConditioningStack(coeffs, cfg.contextOutputChannels(), cfg.ContextSteps,
			ContextStackOptions{KeepFirstResolution: true}, rng)
		if err != nil {
			return nil, err
		}
		// the sampler starts at context index 2: tile grid / 4
		h := cfg.FrameHeight / cfg.DCTBlock / 4
		w := cfg.FrameWidth / cfg.DCTBlock / 4
		g.Latent, err = NewLatentConditioningStack(cfg.noiseChannels(), h, w, sc.LatentChannels, rng)

	case VariantMultiscale:
		g.Context, err = NewContextConditioningStack(cfg.InputChannels, cfg.contextOutputChannels(), cfg.ContextSteps,
			ContextStackOptions{SpaceToDepth: true}, rng)
		if err != nil {
			return nil, err
		}
		g.Latent, err = NewLastFrameStack(cfg.InputChannels, sc.LatentChannels, rng)

	default:
		g.Context, err = NewContextConditioningStack(cfg.InputChannels, cfg.contextOutputChannels(), cfg.ContextSteps,
			ContextStackOptions{SpaceToDepth: true}, rng)
		if err != nil {
			return nil, err
		}
		g.Latent, err = NewLatentConditioningStack(cfg.noiseChannels(), cfg.FrameHeight/32, cfg.FrameWidth/32, sc.LatentChannels, rng)
	}
	if err != nil {
		return nil, err
	}

	if g.Sampler, err = NewSampler(sc, rng); err != nil {
		return nil, err
	}
	return g, nil
}

// Config returns the generator configuration.
func (g *Generator) Config() GeneratorConfig { return g.cfg }

// Forward runs the generator with the configured noise seed, so repeated
// calls on the same input are bit-identical. history is [b, t, c, h, w];
// last is the most recent frame, used by the multiscale variant (nil selects
// the final history frame) and ignored otherwise.
func (g *Generator) Forward(history, last *nn.Tensor) (*nn.Tensor, error) {
	return g.ForwardWithNoise(history, last, g.cfg.NoiseSeed)
}

// ForwardWithNoise runs the generator drawing latent noise from seed.
func (g *Generator) ForwardWithNoise(history, last *nn.Tensor, seed int64) (*nn.Tensor, error) {
	if history == nil || history.Rank() != 5 {
		return nil, fmt.Errorf("%w: history must be [b t c h w]", nn.ErrShape)
	}
	if g.dct != nil {
		return g.forwardDCT(history, seed)
	}

	if last == nil && g.cfg.Sampler.Variant == VariantMultiscale {
		if err := nn.Try(func() { last = nn.Select(history, 1, history.Dim(1)-1) }); err != nil {
			return nil, err
		}
	}

	states, err := g.Context.Forward(history)
	if err != nil {
		return nil, err
	}
	latent, err := g.Latent.Forward(last, seed)
	if err != nil {
		return nil, err
	}
	return g.Sampler.Forward(states, latent)
}

func (g *Generator) forwardDCT(history *nn.Tensor, seed int64) (*nn.Tensor, error) {
	b, t, c, h, w := history.Shape[0], history.Shape[1], history.Shape[2], history.Shape[3], history.Shape[4]

	var coeffs *nn.Tensor
	if err := nn.Try(func() { coeffs = history.Reshape(b*t, c, h, w) }); err != nil {
		return nil, err
	}
	coeffs, err := g.dct.Forward(coeffs)
	if err != nil {
		return nil, err
	}
	coeffs = coeffs.Reshape(b, t, coeffs.Shape[1], coeffs.Shape[2], coeffs.Shape[3])

	states, err := g.Context.Forward(coeffs)
	if err != nil {
		return nil, err
	}
	latent, err := g.Latent.Forward(nil, seed)
	if err != nil {
		return nil, err
	}
	out, err := g.Sampler.Forward(states, latent)
	if err != nil {
		return nil, err
	}

	ob, ot, oc, oh, ow := out.Shape[0], out.Shape[1], out.Shape[2], out.Shape[3], out.Shape[4]
	frames, err := g.dct.Inverse(out.Reshape(ob*ot, oc, oh, ow))
	if err != nil {
		return nil, err
	}
	// (b·t, 1, H, W) -> (b, t, H, W), then mark the single physical channel
	field := frames.Reshape(ob, ot, frames.Shape[2], frames.Shape[3])
	return nn.Unsqueeze(field, 2), nil
}

// OutputShape returns the forecast shape for a batch without running the model.
func (g *Generator) OutputShape(batch int) ([]int, error) {
	h, w := g.cfg.FrameHeight, g.cfg.FrameWidth
	if g.dct != nil {
		h, w = h/g.cfg.DCTBlock, w/g.cfg.DCTBlock
	}
	cs, ok := g.Context.(*ContextConditioningStack)
	if !ok {
		return nil, fmt.Errorf("output shape needs the built-in context stack")
	}
	ctxShapes := cs.OutputShapes(batch, h, w)

	var latentShapes [][]int
	switch l := g.Latent.(type) {
	case *LatentConditioningStack:
		latentShapes = [][]int{{1, l.OutputChannels, l.Height, l.Width}}
	case *LastFrameStack:
		latentShapes = l.Stack.OutputShapes(batch, g.cfg.FrameHeight, g.cfg.FrameWidth)
	default:
		return nil, fmt.Errorf("output shape needs a built-in latent stack")
	}

	shape, err := g.Sampler.OutputShape(ctxShapes, latentShapes...)
	if err != nil {
		return nil, err
	}
	if g.dct != nil {
		// inverse DCT folds the coefficient channels back into space
		return []int{shape[0], shape[1], 1, shape[3] * g.cfg.DCTBlock, shape[4] * g.cfg.DCTBlock}, nil
	}
	return shape, nil
}

// RegisterParams implements nn.Module.
func (g *Generator) RegisterParams(prefix string, ps *nn.ParamSet) {
	g.Context.RegisterParams(joinName(prefix, "conditioning_stack"), ps)
	g.Latent.RegisterParams(joinName(prefix, "latent_stack"), ps)
	g.Sampler.RegisterParams(joinName(prefix, "sampler"), ps)
}

// Params returns every trainable tensor of the generator by name. The DCT
// filters are fixed and not included.
func (g *Generator) Params() *nn.ParamSet {
	ps := nn.NewParamSet()
	g.RegisterParams("", ps)
	return ps
}
