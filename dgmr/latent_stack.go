package dgmr

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/nowcast/nn"
)

// LatentConditioningStack maps seeded Gaussian noise of shape
// (NoiseChannels, Height, Width) to a latent with OutputChannels channels:
//
//	conv3x3 -> LBlock(L/32) -> LBlock(L/16) -> LBlock(L/4) -> attention -> LBlock(L)
type LatentConditioningStack struct {
	NoiseChannels  int
	Height         int
	Width          int
	OutputChannels int

	conv *nn.Conv2DLayer
	l1   *nn.LBlock
	l2   *nn.LBlock
	l3   *nn.LBlock
	att  *nn.Attention
	l4   *nn.LBlock
}

// NewLatentConditioningStack builds the stack. outputChannels must be
// divisible by 32 and noiseChannels must not exceed outputChannels/32.
func NewLatentConditioningStack(noiseChannels, height, width, outputChannels int, rng *rand.Rand) (*LatentConditioningStack, error) {
	L := outputChannels
	if L%32 != 0 || noiseChannels < 1 || noiseChannels > L/32 || height < 1 || width < 1 {
		return nil, fmt.Errorf("%w: latent stack needs output divisible by 32 and 1 <= noise channels <= output/32 (got noise %d, output %d, %dx%d)",
			ErrInvalidConfig, noiseChannels, L, height, width)
	}
	s := &LatentConditioningStack{
		NoiseChannels:  noiseChannels,
		Height:         height,
		Width:          width,
		OutputChannels: L,
	}
	err := nn.Try(func() {
		s.conv = nn.InitConv2DLayer(noiseChannels, noiseChannels, 3, nn.ActivationNone, rng)
		s.l1 = nn.NewLBlock(noiseChannels, L/32, rng)
		s.l2 = nn.NewLBlock(L/32, L/16, rng)
		s.l3 = nn.NewLBlock(L/16, L/4, rng)
		s.att = nn.NewAttention(L/4, rng)
		s.l4 = nn.NewLBlock(L/4, L, rng)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Noise draws the stack input for seed. Equal seeds give bit-identical noise.
func (s *LatentConditioningStack) Noise(seed int64) *nn.Tensor {
	rng := rand.New(rand.NewSource(seed))
	noise := nn.NewTensor(1, s.NoiseChannels, s.Height, s.Width)
	for i := range noise.Data {
		noise.Data[i] = float32(rng.NormFloat64())
	}
	return noise
}

// Forward implements LatentStack. The conditioning frame is not consumed;
// the latent has batch 1 and is tiled across the batch by the sampler.
func (s *LatentConditioningStack) Forward(_ *nn.Tensor, seed int64) (Latent, error) {
	var out *nn.Tensor
	err := nn.Try(func() { out = s.FromNoise(s.Noise(seed)) })
	if err != nil {
		return Latent{}, fmt.Errorf("latent stack: %w", err)
	}
	return SingleLatent(out), nil
}

// FromNoise runs the stack on explicit noise.
func (s *LatentConditioningStack) FromNoise(noise *nn.Tensor) *nn.Tensor {
	x := s.conv.Forward(noise)
	x = s.l1.Forward(x)
	x = s.l2.Forward(x)
	x = s.l3.Forward(x)
	x = s.att.Forward(x)
	return s.l4.Forward(x)
}

// RegisterParams implements nn.Module.
func (s *LatentConditioningStack) RegisterParams(prefix string, ps *nn.ParamSet) {
	s.conv.RegisterParams(joinName(prefix, "conv_3x3"), ps)
	s.l1.RegisterParams(joinName(prefix, "l_block1"), ps)
	s.l2.RegisterParams(joinName(prefix, "l_block2"), ps)
	s.l3.RegisterParams(joinName(prefix, "l_block3"), ps)
	s.att.RegisterParams(joinName(prefix, "att_block"), ps)
	s.l4.RegisterParams(joinName(prefix, "l_block4"), ps)
}

// LastFrameStack produces a per-scale latent list by running a one-step
// ContextConditioningStack over the most recent frame.
type LastFrameStack struct {
	Stack *ContextConditioningStack
}

// NewLastFrameStack builds the multiscale latent stack; outputChannels is the
// sampler's latent channel count.
func NewLastFrameStack(inputChannels, outputChannels int, rng *rand.Rand) (*LastFrameStack, error) {
	cs, err := NewContextConditioningStack(inputChannels, outputChannels, 1, ContextStackOptions{SpaceToDepth: true}, rng)
	if err != nil {
		return nil, err
	}
	return &LastFrameStack{Stack: cs}, nil
}

// Forward implements LatentStack. last is [b, c, h, w] or [b, 1, c, h, w];
// the seed is unused because the latent is deterministic in the frame.
func (s *LastFrameStack) Forward(last *nn.Tensor, _ int64) (Latent, error) {
	if last == nil {
		return Latent{}, fmt.Errorf("%w: last frame required", ErrLatentLength)
	}
	x := last
	if x.Rank() == 4 {
		x = nn.Unsqueeze(x, 1)
	}
	scales, err := s.Stack.Forward(x)
	if err != nil {
		return Latent{}, err
	}
	return MultiscaleLatent(scales), nil
}

// RegisterParams implements nn.Module.
func (s *LastFrameStack) RegisterParams(prefix string, ps *nn.ParamSet) {
	s.Stack.RegisterParams(prefix, ps)
}
