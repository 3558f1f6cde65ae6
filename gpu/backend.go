package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/nn"
)

// Backend runs nn convolutions on the GPU. Any GPU failure falls back to the
// CPU kernel for that call; the first failure is logged.
type Backend struct {
	ctx      *Context
	cpu      *nn.CPUBackend
	cache    pipelineCache
	dispatch sync.Mutex // one submission at a time on the shared queue

	warnOnce sync.Once
}

var _ nn.ConvBackend = (*Backend)(nil)

// NewBackend initializes the GPU context and returns a backend.
func NewBackend() (*Backend, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	if rep := c.Report(); !rep.ConvSupported {
		return nil, fmt.Errorf("adapter %s allows %d invocations per workgroup, convolution needs %d",
			rep.Name, rep.Limits.MaxComputeInvocationsPerWorkgroup, convWorkgroupSize)
	}
	return &Backend{ctx: c, cpu: nn.NewCPUBackend()}, nil
}

// Name returns "webgpu:<adapter>".
func (b *Backend) Name() string {
	return "webgpu:" + b.ctx.AdapterName
}

// Conv2D implements nn.ConvBackend.
func (b *Backend) Conv2D(x, weight, bias *nn.Tensor, stride, padding int) *nn.Tensor {
	spec := Conv2DSpec{
		Batch:       x.Shape[0],
		InChannels:  x.Shape[1],
		InputHeight: x.Shape[2],
		InputWidth:  x.Shape[3],
		OutChannels: weight.Shape[0],
		KernelSize:  weight.Shape[2],
		Stride:      stride,
		Padding:     padding,
	}

	biasData := make([]float32, spec.OutChannels)
	if bias != nil {
		copy(biasData, bias.Data)
	}

	layer, err := b.cache.get(b.ctx, spec)
	if err == nil {
		var out []float32
		b.dispatch.Lock()
		out, err = layer.Forward(b.ctx, x.Data, weight.Data, biasData)
		b.dispatch.Unlock()
		if err == nil {
			h, w := spec.OutputSize()
			return nn.FromSlice(out, spec.Batch, spec.OutChannels, h, w)
		}
	}

	b.warnOnce.Do(func() {
		logging.Warn().Err(err).Str("backend", b.Name()).Msg("gpu convolution failed, using cpu")
	})
	return b.cpu.Conv2D(x, weight, bias, stride, padding)
}

// Close releases compiled pipelines.
func (b *Backend) Close() {
	b.cache.release()
}
