package dgmr

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/nowcast/nn"
)

// ContextStackOptions tunes the input stage of a ContextConditioningStack.
type ContextStackOptions struct {
	// SpaceToDepth folds 2x2 pixel blocks into channels before the first DBlock.
	SpaceToDepth bool
	// KeepFirstResolution stops the first DBlock from downsampling.
	KeepFirstResolution bool
}

// ContextConditioningStack encodes a sequence of frames into four
// conditioning states, largest resolution first, with channel counts
// [O/8, O/4, O/2, O].
type ContextConditioningStack struct {
	InputChannels  int
	OutputChannels int
	Steps          int
	Options        ContextStackOptions

	down  [4]*nn.DBlock
	mixes [4]*nn.Conv2DLayer
}

// NewContextConditioningStack builds the stack for sequences of steps frames
// with inputChannels channels each.
func NewContextConditioningStack(inputChannels, outputChannels, steps int, opts ContextStackOptions, rng *rand.Rand) (*ContextConditioningStack, error) {
	if inputChannels < 1 || steps < 1 {
		return nil, fmt.Errorf("%w: context stack needs positive input channels and steps (got %d, %d)",
			ErrInvalidConfig, inputChannels, steps)
	}
	if outputChannels%8 != 0 || outputChannels/4 < steps {
		return nil, fmt.Errorf("%w: context stack output %d must be divisible by 8 and at least 4x the %d steps",
			ErrInvalidConfig, outputChannels, steps)
	}

	s := &ContextConditioningStack{
		InputChannels:  inputChannels,
		OutputChannels: outputChannels,
		Steps:          steps,
		Options:        opts,
	}

	in := inputChannels
	if opts.SpaceToDepth {
		in *= 4
	}
	O := outputChannels
	perStep := [4]int{(O / 4) / steps, (O / 2) / steps, O / steps, 2 * O / steps}
	mixed := [4]int{O / 8, O / 4, O / 2, O}

	err := nn.Try(func() {
		for i := range s.down {
			firstReLU := i > 0
			keep := i == 0 && opts.KeepFirstResolution
			s.down[i] = nn.NewDBlock(in, perStep[i], firstReLU, keep, rng)
			s.mixes[i] = nn.InitConv2DLayer(perStep[i]*steps, mixed[i], 3, nn.ActivationReLU, rng)
			in = perStep[i]
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Forward encodes history [b, t, c, h, w] into four states.
func (s *ContextConditioningStack) Forward(history *nn.Tensor) ([]*nn.Tensor, error) {
	var out []*nn.Tensor
	err := nn.Try(func() { out = s.forward(history) })
	if err != nil {
		return nil, fmt.Errorf("context stack: %w", err)
	}
	return out, nil
}

func (s *ContextConditioningStack) forward(history *nn.Tensor) []*nn.Tensor {
	if history.Rank() != 5 || history.Dim(1) != s.Steps || history.Dim(2) != s.InputChannels {
		panicShape("expected history [b %d %d h w], got %v", s.Steps, s.InputChannels, history.Shape)
	}

	perScale := [4][]*nn.Tensor{}
	for _, frame := range nn.Unstack(history, 1) {
		x := frame
		if s.Options.SpaceToDepth {
			x = nn.SpaceToDepth(x, 2)
		}
		for i, d := range s.down {
			x = d.Forward(x)
			perScale[i] = append(perScale[i], x)
		}
	}

	states := make([]*nn.Tensor, 4)
	for i, steps := range perScale {
		merged := nn.MergeTimeIntoChannels(nn.Stack(1, steps...))
		states[i] = s.mixes[i].Forward(merged)
	}
	return states
}

// RegisterParams implements nn.Module.
func (s *ContextConditioningStack) RegisterParams(prefix string, ps *nn.ParamSet) {
	for i := range s.down {
		s.down[i].RegisterParams(joinName(prefix, fmt.Sprintf("d%d", i+1)), ps)
	}
	for i := range s.mixes {
		s.mixes[i].RegisterParams(joinName(prefix, fmt.Sprintf("conv%d", i+1)), ps)
	}
}

// OutputShapes returns the state shapes for a history of the given batch and
// frame size.
func (s *ContextConditioningStack) OutputShapes(batch, height, width int) [][]int {
	h, w := height, width
	if s.Options.SpaceToDepth {
		h, w = h/2, w/2
	}
	O := s.OutputChannels
	channels := [4]int{O / 8, O / 4, O / 2, O}
	shapes := make([][]int, 4)
	for i := range shapes {
		if i > 0 || !s.Options.KeepFirstResolution {
			h, w = h/2, w/2
		}
		shapes[i] = []int{batch, channels[i], h, w}
	}
	return shapes
}
