package nn

import "math"

// Stats summarises the finite values of a tensor.
type Stats struct {
	Min  float32
	Max  float32
	Mean float32
	// NonFinite counts NaN and ±Inf values, which the other fields skip.
	NonFinite int
}

// Summarize computes Stats over t. An empty or all non-finite tensor has
// zero Min, Max and Mean.
func Summarize(t *Tensor) Stats {
	var s Stats
	var sum float64
	n := 0
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			s.NonFinite++
			continue
		}
		if n == 0 || v < s.Min {
			s.Min = v
		}
		if n == 0 || v > s.Max {
			s.Max = v
		}
		sum += f
		n++
	}
	if n > 0 {
		s.Mean = float32(sum / float64(n))
	}
	return s
}

// MaxAbsDiff returns the largest elementwise |a-b|. The tensors must have
// the same shape.
func MaxAbsDiff(a, b *Tensor) float64 {
	sameShape("max abs diff", a, b)
	maxDiff := 0.0
	for i := range a.Data {
		maxDiff = math.Max(maxDiff, math.Abs(float64(a.Data[i])-float64(b.Data[i])))
	}
	return maxDiff
}
