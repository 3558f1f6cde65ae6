package nn

import "math/rand"

// GBlock is the residual refinement block of the generator.
//
//	shortcut = conv1x1(x)            if in != out, else x
//	residual = conv3x3(relu(bn2(conv3x3(relu(bn1(x))))))
//	out      = residual + shortcut
type GBlock struct {
	InChannels  int
	OutChannels int

	Shortcut *Conv2DLayer // nil when InChannels == OutChannels
	BN1      *BatchNorm2D
	Conv1    *Conv2DLayer
	BN2      *BatchNorm2D
	Conv2    *Conv2DLayer
}

// NewGBlock creates a GBlock.
func NewGBlock(in, out int, rng *rand.Rand) *GBlock {
	g := &GBlock{
		InChannels:  in,
		OutChannels: out,
		BN1:         InitBatchNorm2D(in),
		Conv1:       InitConv2DLayer(in, in, 3, ActivationNone, rng),
		BN2:         InitBatchNorm2D(in),
		Conv2:       InitConv2DLayer(in, out, 3, ActivationNone, rng),
	}
	if in != out {
		g.Shortcut = InitConv2DLayer(in, out, 1, ActivationNone, rng)
	}
	return g
}

// Forward applies the block.
func (g *GBlock) Forward(x *Tensor) *Tensor {
	sc := x
	if g.Shortcut != nil {
		sc = g.Shortcut.Forward(x)
	}
	h := ReLU(g.BN1.Forward(x))
	h = g.Conv1.Forward(h)
	h = ReLU(g.BN2.Forward(h))
	h = g.Conv2.Forward(h)
	return Add(h, sc)
}

func (g *GBlock) RegisterParams(prefix string, ps *ParamSet) {
	if g.Shortcut != nil {
		g.Shortcut.RegisterParams(prefix+".conv_1x1", ps)
	}
	g.BN1.RegisterParams(prefix+".bn1", ps)
	g.Conv1.RegisterParams(prefix+".first_conv_3x3", ps)
	g.BN2.RegisterParams(prefix+".bn2", ps)
	g.Conv2.RegisterParams(prefix+".last_conv_3x3", ps)
}

// UpsampleGBlock is a GBlock that doubles height and width with
// nearest-neighbour upsampling on both paths.
type UpsampleGBlock struct {
	InChannels  int
	OutChannels int

	Shortcut *Conv2DLayer
	BN1      *BatchNorm2D
	Conv1    *Conv2DLayer
	BN2      *BatchNorm2D
	Conv2    *Conv2DLayer
}

// NewUpsampleGBlock creates an UpsampleGBlock.
func NewUpsampleGBlock(in, out int, rng *rand.Rand) *UpsampleGBlock {
	return &UpsampleGBlock{
		InChannels:  in,
		OutChannels: out,
		Shortcut:    InitConv2DLayer(in, out, 1, ActivationNone, rng),
		BN1:         InitBatchNorm2D(in),
		Conv1:       InitConv2DLayer(in, in, 3, ActivationNone, rng),
		BN2:         InitBatchNorm2D(in),
		Conv2:       InitConv2DLayer(in, out, 3, ActivationNone, rng),
	}
}

// Forward applies the block; the output is [n, out, 2h, 2w].
func (g *UpsampleGBlock) Forward(x *Tensor) *Tensor {
	sc := g.Shortcut.Forward(UpsampleNearest2x(x))
	h := ReLU(g.BN1.Forward(x))
	h = UpsampleNearest2x(h)
	h = g.Conv1.Forward(h)
	h = ReLU(g.BN2.Forward(h))
	h = g.Conv2.Forward(h)
	return Add(h, sc)
}

func (g *UpsampleGBlock) RegisterParams(prefix string, ps *ParamSet) {
	g.Shortcut.RegisterParams(prefix+".conv_1x1", ps)
	g.BN1.RegisterParams(prefix+".bn1", ps)
	g.Conv1.RegisterParams(prefix+".first_conv_3x3", ps)
	g.BN2.RegisterParams(prefix+".bn2", ps)
	g.Conv2.RegisterParams(prefix+".last_conv_3x3", ps)
}

// DBlock is the downsampling residual block of the conditioning stacks.
// With KeepSame set the spatial size is preserved.
type DBlock struct {
	InChannels  int
	OutChannels int
	FirstReLU   bool
	KeepSame    bool

	Shortcut *Conv2DLayer
	Conv1    *Conv2DLayer
	Conv2    *Conv2DLayer
}

// NewDBlock creates a DBlock.
func NewDBlock(in, out int, firstReLU, keepSame bool, rng *rand.Rand) *DBlock {
	return &DBlock{
		InChannels:  in,
		OutChannels: out,
		FirstReLU:   firstReLU,
		KeepSame:    keepSame,
		Shortcut:    InitConv2DLayer(in, out, 1, ActivationNone, rng),
		Conv1:       InitConv2DLayer(in, in, 3, ActivationNone, rng),
		Conv2:       InitConv2DLayer(in, out, 3, ActivationNone, rng),
	}
}

// Forward applies the block.
func (d *DBlock) Forward(x *Tensor) *Tensor {
	sc := d.Shortcut.Forward(x)
	if !d.KeepSame {
		sc = AvgPool2x(sc)
	}
	h := x
	if d.FirstReLU {
		h = ReLU(h)
	}
	h = d.Conv1.Forward(h)
	h = ReLU(h)
	h = d.Conv2.Forward(h)
	if !d.KeepSame {
		h = AvgPool2x(h)
	}
	return Add(h, sc)
}

func (d *DBlock) RegisterParams(prefix string, ps *ParamSet) {
	d.Shortcut.RegisterParams(prefix+".conv_1x1", ps)
	d.Conv1.RegisterParams(prefix+".first_conv_3x3", ps)
	d.Conv2.RegisterParams(prefix+".last_conv_3x3", ps)
}

// LBlock is the residual block of the latent stack. It only widens: when
// in < out the shortcut appends conv1x1(x) with out-in channels to x.
type LBlock struct {
	InChannels  int
	OutChannels int

	Shortcut *Conv2DLayer // nil when InChannels == OutChannels
	Conv1    *Conv2DLayer
	Conv2    *Conv2DLayer
}

// NewLBlock creates an LBlock. in must not exceed out.
func NewLBlock(in, out int, rng *rand.Rand) *LBlock {
	if in > out {
		shapePanicf("lblock: cannot narrow %d -> %d channels", in, out)
	}
	l := &LBlock{
		InChannels:  in,
		OutChannels: out,
		Conv1:       InitConv2DLayer(in, out, 3, ActivationNone, rng),
		Conv2:       InitConv2DLayer(out, out, 3, ActivationNone, rng),
	}
	if in < out {
		l.Shortcut = InitConv2DLayer(in, out-in, 1, ActivationNone, rng)
	}
	return l
}

// Forward applies the block.
func (l *LBlock) Forward(x *Tensor) *Tensor {
	sc := x
	if l.Shortcut != nil {
		sc = ConcatChannels(x, l.Shortcut.Forward(x))
	}
	h := ReLU(x)
	h = l.Conv1.Forward(h)
	h = ReLU(h)
	h = l.Conv2.Forward(h)
	return Add(h, sc)
}

func (l *LBlock) RegisterParams(prefix string, ps *ParamSet) {
	if l.Shortcut != nil {
		l.Shortcut.RegisterParams(prefix+".conv_1x1", ps)
	}
	l.Conv1.RegisterParams(prefix+".first_conv_3x3", ps)
	l.Conv2.RegisterParams(prefix+".last_conv_3x3", ps)
}
