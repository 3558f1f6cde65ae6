package nn

import (
	"math/rand"
)

// Attention is single-head spatial self-attention over the h*w positions of
// a feature map. Query, key and value are 1x1 projections to Channels/8;
// the result is projected back to Channels, scaled by the learned scalar
// Gamma and added to the input. Gamma starts at 0, so a fresh layer is the
// identity.
type Attention struct {
	Channels int
	Inner    int

	Query *Conv2DLayer
	Key   *Conv2DLayer
	Value *Conv2DLayer
	Last  *Conv2DLayer
	Gamma *Tensor // [1]
}

// NewAttention creates a spatial attention layer. channels must be at least 8.
func NewAttention(channels int, rng *rand.Rand) *Attention {
	inner := channels / 8
	if inner < 1 {
		shapePanicf("attention: %d channels is fewer than 8", channels)
	}
	noBias := func(in, out int) *Conv2DLayer {
		l := InitConv2DLayer(in, out, 1, ActivationNone, rng)
		l.Bias = nil
		return l
	}
	return &Attention{
		Channels: channels,
		Inner:    inner,
		Query:    noBias(channels, inner),
		Key:      noBias(channels, inner),
		Value:    noBias(channels, inner),
		Last:     noBias(inner, channels),
		Gamma:    NewTensor(1),
	}
}

// Forward applies attention independently to every batch entry.
func (a *Attention) Forward(x *Tensor) *Tensor {
	n, c, h, w := x.dims4("attention")
	if c != a.Channels {
		shapePanicf("attention: input has %d channels, layer has %d", c, a.Channels)
	}
	q := a.Query.Forward(x)
	k := a.Key.Forward(x)
	v := a.Value.Forward(x)

	positions := h * w
	inner := a.Inner
	attended := NewTensor(n, inner, h, w)
	for b := 0; b < n; b++ {
		// [inner, L] slices transposed to [L, inner]
		qb := Transpose2D(FromSlice(q.Data[b*inner*positions:(b+1)*inner*positions], inner, positions))
		kb := FromSlice(k.Data[b*inner*positions:(b+1)*inner*positions], inner, positions)
		vb := Transpose2D(FromSlice(v.Data[b*inner*positions:(b+1)*inner*positions], inner, positions))

		beta := SoftmaxRows(MatMul(qb, kb)) // [L, L]
		out := Transpose2D(MatMul(beta, vb)) // [inner, L]
		copy(attended.Data[b*inner*positions:], out.Data)
	}

	return Add(Scale(a.Last.Forward(attended), a.Gamma.Data[0]), x)
}

func (a *Attention) RegisterParams(prefix string, ps *ParamSet) {
	a.Query.RegisterParams(prefix+".query", ps)
	a.Key.RegisterParams(prefix+".key", ps)
	a.Value.RegisterParams(prefix+".value", ps)
	a.Last.RegisterParams(prefix+".last_conv", ps)
	ps.Add(prefix+".gamma", a.Gamma)
}
