package nn

import "math"

// BatchNorm2D normalizes each channel of an NCHW tensor with stored running
// statistics (inference mode):
//
//	y = gamma * (x - mean) / sqrt(var + eps) + beta
type BatchNorm2D struct {
	Channels int
	Epsilon  float32

	Gamma       *Tensor // [Channels]
	Beta        *Tensor // [Channels]
	RunningMean *Tensor // [Channels]
	RunningVar  *Tensor // [Channels]
}

// InitBatchNorm2D creates an identity batch norm: gamma 1, beta 0, mean 0, var 1.
func InitBatchNorm2D(channels int) *BatchNorm2D {
	if channels < 1 {
		shapePanicf("batchnorm: invalid channel count %d", channels)
	}
	return &BatchNorm2D{
		Channels:    channels,
		Epsilon:     1e-5,
		Gamma:       Full(1, channels),
		Beta:        NewTensor(channels),
		RunningMean: NewTensor(channels),
		RunningVar:  Full(1, channels),
	}
}

// Forward applies the normalization.
func (bn *BatchNorm2D) Forward(x *Tensor) *Tensor {
	n, c, h, w := x.dims4("batchnorm")
	if c != bn.Channels {
		shapePanicf("batchnorm: input has %d channels, layer has %d", c, bn.Channels)
	}
	plane := h * w
	out := NewTensor(x.Shape...)
	for ch := 0; ch < c; ch++ {
		scale := bn.Gamma.Data[ch] / float32(math.Sqrt(float64(bn.RunningVar.Data[ch]+bn.Epsilon)))
		shift := bn.Beta.Data[ch] - bn.RunningMean.Data[ch]*scale
		for b := 0; b < n; b++ {
			off := (b*c + ch) * plane
			src := x.Data[off : off+plane]
			dst := out.Data[off : off+plane]
			for i, v := range src {
				dst[i] = v*scale + shift
			}
		}
	}
	return out
}

// RegisterParams adds gamma, beta and the running statistics under prefix.
func (bn *BatchNorm2D) RegisterParams(prefix string, ps *ParamSet) {
	ps.Add(prefix+".weight", bn.Gamma)
	ps.Add(prefix+".bias", bn.Beta)
	ps.Add(prefix+".running_mean", bn.RunningMean)
	ps.Add(prefix+".running_var", bn.RunningVar)
}
