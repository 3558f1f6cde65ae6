package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Conv2D convolves an NCHW input with weight [cout, cin, k, k] using the
// active ConvBackend. bias may be nil.
func Conv2D(x, weight, bias *Tensor, stride, padding int) *Tensor {
	checkConv2D(x, weight, bias, stride, padding)
	return CurrentConvBackend().Conv2D(x, weight, bias, stride, padding)
}

// Conv2DOutputSize returns the spatial output size of a convolution.
func Conv2DOutputSize(inH, inW, kernel, stride, padding int) (int, int) {
	outH := (inH+2*padding-kernel)/stride + 1
	outW := (inW+2*padding-kernel)/stride + 1
	return outH, outW
}

func checkConv2D(x, weight, bias *Tensor, stride, padding int) {
	_, c, h, w := x.dims4("conv2d")
	if weight.Rank() != 4 {
		shapePanicf("conv2d: weight must be [cout cin k k], got %v", weight.Shape)
	}
	if weight.Shape[1] != c {
		shapePanicf("conv2d: input has %d channels, kernel expects %d (input %v, kernel %v)",
			c, weight.Shape[1], x.Shape, weight.Shape)
	}
	if bias != nil && bias.Size() != weight.Shape[0] {
		shapePanicf("conv2d: bias has %d values for %d filters", bias.Size(), weight.Shape[0])
	}
	if stride < 1 {
		shapePanicf("conv2d: stride %d", stride)
	}
	outH, outW := Conv2DOutputSize(h, w, weight.Shape[2], stride, padding)
	if outH < 1 || outW < 1 {
		shapePanicf("conv2d: input %v too small for kernel %v", x.Shape, weight.Shape)
	}
}

// conv2DForwardCPU performs 2D convolution on CPU
// input shape: [batch][inChannels][height][width] (flattened)
// kernel shape: [filters][inChannels][kernelH][kernelW]
// output shape: [batch][filters][outHeight][outWidth]
func conv2DForwardCPU(x, weight, bias *Tensor, stride, padding int) *Tensor {
	batch, inC, inH, inW := x.dims4("conv2d")
	filters, kH, kW := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := Conv2DOutputSize(inH, inW, kH, stride, padding)

	out := NewTensor(batch, filters, outH, outW)
	outPlane := outH * outW
	inPlane := inH * inW

	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			dst := out.Data[(b*filters+f)*outPlane : (b*filters+f+1)*outPlane]
			if bias != nil {
				bv := bias.Data[f]
				for i := range dst {
					dst[i] = bv
				}
			}

			for ic := 0; ic < inC; ic++ {
				src := x.Data[(b*inC+ic)*inPlane : (b*inC+ic+1)*inPlane]
				kernel := weight.Data[(f*inC+ic)*kH*kW : (f*inC+ic+1)*kH*kW]

				for kh := 0; kh < kH; kh++ {
					for kw := 0; kw < kW; kw++ {
						wv := kernel[kh*kW+kw]
						for oh := 0; oh < outH; oh++ {
							ih := oh*stride + kh - padding
							if ih < 0 || ih >= inH {
								continue
							}
							srow := src[ih*inW : (ih+1)*inW]
							drow := dst[oh*outW : (oh+1)*outW]
							for ow := 0; ow < outW; ow++ {
								iw := ow*stride + kw - padding
								if iw < 0 || iw >= inW {
									continue
								}
								drow[ow] += wv * srow[iw]
							}
						}
					}
				}
			}
		}
	}

	return out
}

// Conv2DLayer is a square-kernel convolution with learned weight and bias.
type Conv2DLayer struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Activation  ActivationType

	Weight *Tensor // [OutChannels, InChannels, KernelSize, KernelSize]
	Bias   *Tensor // [OutChannels], nil for a bias-free convolution
}

// InitConv2DLayer initializes a Conv2D layer with He-normal weights and zero
// bias. Padding is chosen to preserve spatial size for odd kernels.
func InitConv2DLayer(inChannels, outChannels, kernelSize int, activation ActivationType, rng *rand.Rand) *Conv2DLayer {
	if inChannels < 1 || outChannels < 1 || kernelSize < 1 {
		shapePanicf("conv2d layer: invalid dims in=%d out=%d k=%d", inChannels, outChannels, kernelSize)
	}

	// Initialize kernel weights (He initialization)
	weight := NewTensor(outChannels, inChannels, kernelSize, kernelSize)
	stddev := math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize))
	for i := range weight.Data {
		weight.Data[i] = float32(rng.NormFloat64() * stddev)
	}

	return &Conv2DLayer{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      1,
		Padding:     kernelSize / 2,
		Activation:  activation,
		Weight:      weight,
		Bias:        NewTensor(outChannels),
	}
}

// Forward applies the convolution and activation.
func (l *Conv2DLayer) Forward(x *Tensor) *Tensor {
	out := Conv2D(x, l.Weight, l.Bias, l.Stride, l.Padding)
	if l.Activation != ActivationNone {
		for i, v := range out.Data {
			out.Data[i] = activateCPU(v, l.Activation)
		}
	}
	return out
}

// RegisterParams adds weight and bias under prefix.
func (l *Conv2DLayer) RegisterParams(prefix string, ps *ParamSet) {
	ps.Add(prefix+".weight", l.Weight)
	if l.Bias != nil {
		ps.Add(prefix+".bias", l.Bias)
	}
}

func (l *Conv2DLayer) String() string {
	return fmt.Sprintf("Conv2D(%d->%d, k=%d)", l.InChannels, l.OutChannels, l.KernelSize)
}
