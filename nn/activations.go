package nn

import (
	"math"
)

// ActivationType defines the activation function applied after a layer
type ActivationType int

const (
	ActivationNone    ActivationType = 0 // identity
	ActivationReLU    ActivationType = 1 // max(0, v)
	ActivationSigmoid ActivationType = 2 // 1 / (1 + exp(-v))
	ActivationTanh    ActivationType = 3 // tanh(v)
)

// activateCPU applies the activation function to a single value
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	default:
		return v
	}
}

// Activate returns a new tensor with the activation applied element-wise.
func Activate(x *Tensor, activation ActivationType) *Tensor {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = activateCPU(v, activation)
	}
	return out
}

// ReLU returns max(0, x) element-wise.
func ReLU(x *Tensor) *Tensor {
	return Activate(x, ActivationReLU)
}

// Sigmoid returns the logistic function of x element-wise.
func Sigmoid(x *Tensor) *Tensor {
	return Activate(x, ActivationSigmoid)
}

