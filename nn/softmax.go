package nn

import (
	"math"
)

// softmaxStandard computes a numerically stable softmax of logits into probs.
func softmaxStandard(logits, probs []float32) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	// Numerical stability: subtract max
	sum := float32(0.0)
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}
}

// SoftmaxRows applies softmax independently to each row of a [m, n] tensor.
func SoftmaxRows(x *Tensor) *Tensor {
	if x.Rank() != 2 {
		shapePanicf("softmax rows: expected rank 2, got %v", x.Shape)
	}
	m, n := x.Shape[0], x.Shape[1]
	out := NewTensor(m, n)
	for i := 0; i < m; i++ {
		softmaxStandard(x.Data[i*n:(i+1)*n], out.Data[i*n:(i+1)*n])
	}
	return out
}
