package nn

import (
	"sync/atomic"
)

// ConvBackend defines the convolution kernel used by every Conv2D call.
// This abstraction allows swapping implementations (CPU, GPU) without
// changing layer code.
type ConvBackend interface {
	// Name identifies the backend in logs and model info.
	Name() string

	// Conv2D convolves x [n, cin, h, w] with weight [cout, cin, k, k] and
	// adds bias [cout] (bias may be nil).
	Conv2D(x, weight, bias *Tensor, stride, padding int) *Tensor
}

// =============================================================================
// CPUBackend Implementation
// =============================================================================

// CPUBackend runs convolutions on the calling goroutine.
type CPUBackend struct{}

// NewCPUBackend creates a new CPU backend.
func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

// Name returns "cpu".
func (b *CPUBackend) Name() string { return "cpu" }

// Conv2D performs 2D convolution on CPU.
func (b *CPUBackend) Conv2D(x, weight, bias *Tensor, stride, padding int) *Tensor {
	return conv2DForwardCPU(x, weight, bias, stride, padding)
}

type backendHolder struct {
	b ConvBackend
}

var activeBackend atomic.Pointer[backendHolder]

func init() {
	activeBackend.Store(&backendHolder{b: NewCPUBackend()})
}

// SetConvBackend installs the backend used by subsequent Conv2D calls.
// Passing nil restores the CPU backend.
func SetConvBackend(b ConvBackend) {
	if b == nil {
		b = NewCPUBackend()
	}
	activeBackend.Store(&backendHolder{b: b})
}

// CurrentConvBackend returns the backend used by Conv2D.
func CurrentConvBackend() ConvBackend {
	return activeBackend.Load().b
}
