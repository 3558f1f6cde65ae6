package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv2DSpec defines the shape of one NCHW convolution dispatch. The compiled
// pipeline depends only on these values, so specs are used as cache keys.
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	InputHeight int
	InputWidth  int
}

// OutputSize returns the spatial output size.
func (s Conv2DSpec) OutputSize() (int, int) {
	stride := s.Stride
	if stride < 1 {
		stride = 1
	}
	h := (s.InputHeight+2*s.Padding-s.KernelSize)/stride + 1
	w := (s.InputWidth+2*s.Padding-s.KernelSize)/stride + 1
	return h, w
}

func (s Conv2DSpec) inputSize() int  { return s.Batch * s.InChannels * s.InputHeight * s.InputWidth }
func (s Conv2DSpec) kernelSize() int { return s.OutChannels * s.InChannels * s.KernelSize * s.KernelSize }
func (s Conv2DSpec) outputSize() int {
	h, w := s.OutputSize()
	return s.Batch * s.OutChannels * h * w
}

// GenerateShader creates the WGSL forward shader for the spec.
func (s Conv2DSpec) GenerateShader() string {
	stride := s.Stride
	if stride < 1 {
		stride = 1
	}
	outH, outW := s.OutputSize()

	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> input: array<f32>;        // [batch][inC][inH][inW]
@group(0) @binding(1) var<storage, read> kernel: array<f32>;       // [outC][inC][k][k]
@group(0) @binding(2) var<storage, read> bias: array<f32>;         // [outC]
@group(0) @binding(3) var<storage, read_write> output: array<f32>; // [batch][outC][outH][outW]

const BATCH: u32 = %du;
const IN_C: u32 = %du;
const OUT_C: u32 = %du;
const IN_H: u32 = %du;
const IN_W: u32 = %du;
const OUT_H: u32 = %du;
const OUT_W: u32 = %du;
const K_SIZE: u32 = %du;
const STRIDE: u32 = %du;
const PADDING: i32 = %d;

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    let total = BATCH * OUT_C * OUT_H * OUT_W;
    if (idx >= total) { return; }

    let b = idx / (OUT_C * OUT_H * OUT_W);
    let r1 = idx %% (OUT_C * OUT_H * OUT_W);
    let oc = r1 / (OUT_H * OUT_W);
    let r2 = r1 %% (OUT_H * OUT_W);
    let oh = r2 / OUT_W;
    let ow = r2 %% OUT_W;

    var sum = bias[oc];
    for (var ic: u32 = 0u; ic < IN_C; ic = ic + 1u) {
        for (var kh: u32 = 0u; kh < K_SIZE; kh = kh + 1u) {
            let ih = i32(oh * STRIDE) + i32(kh) - PADDING;
            if (ih < 0 || ih >= i32(IN_H)) { continue; }
            for (var kw: u32 = 0u; kw < K_SIZE; kw = kw + 1u) {
                let iw = i32(ow * STRIDE) + i32(kw) - PADDING;
                if (iw < 0 || iw >= i32(IN_W)) { continue; }
                let input_idx = ((b * IN_C + ic) * IN_H + u32(ih)) * IN_W + u32(iw);
                let kernel_idx = ((oc * IN_C + ic) * K_SIZE + kh) * K_SIZE + kw;
                sum = sum + input[input_idx] * kernel[kernel_idx];
            }
        }
    }
    output[idx] = sum;
}
`, s.Batch, s.InChannels, s.OutChannels, s.InputHeight, s.InputWidth, outH, outW, s.KernelSize, stride, s.Padding,
		convWorkgroupSize)
}

// Conv2DLayer holds the compiled pipeline for one Conv2DSpec.
type Conv2DLayer struct {
	Spec Conv2DSpec

	bgl      *wgpu.BindGroupLayout
	layout   *wgpu.PipelineLayout
	pipeline *wgpu.ComputePipeline
}

// Compile builds the shader module and compute pipeline.
func (l *Conv2DLayer) Compile(c *Context) error {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "conv2d_fwd_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.Spec.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("CreateShaderModule: %w", err)
	}
	defer module.Release()

	l.bgl, err = c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "conv2d_fwd_bgl",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return err
	}

	l.layout, err = c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "conv2d_fwd_pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{l.bgl},
	})
	if err != nil {
		return err
	}

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "conv2d_fwd_pipeline",
		Layout: l.layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	return err
}

// Forward runs the convolution. bias must hold OutChannels values.
func (l *Conv2DLayer) Forward(c *Context, input, kernel, bias []float32) ([]float32, error) {
	s := l.Spec
	if len(input) != s.inputSize() {
		return nil, fmt.Errorf("input size mismatch: got %d, expected %d", len(input), s.inputSize())
	}
	if len(kernel) != s.kernelSize() {
		return nil, fmt.Errorf("kernel size mismatch: got %d, expected %d", len(kernel), s.kernelSize())
	}
	if len(bias) != s.OutChannels {
		return nil, fmt.Errorf("bias size mismatch: got %d, expected %d", len(bias), s.OutChannels)
	}

	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	inputBuf, err := NewFloatBuffer(input, storage)
	if err != nil {
		return nil, err
	}
	defer inputBuf.Release()

	kernelBuf, err := NewFloatBuffer(kernel, storage)
	if err != nil {
		return nil, err
	}
	defer kernelBuf.Release()

	biasBuf, err := NewFloatBuffer(bias, storage)
	if err != nil {
		return nil, err
	}
	defer biasBuf.Release()

	outputSize := s.outputSize()
	outputBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "conv2d_output",
		Size:  uint64(outputSize * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	defer outputBuf.Release()

	readbackBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "conv2d_readback",
		Size:  uint64(outputSize * 4),
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, err
	}
	defer readbackBuf.Release()

	bg, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "conv2d_fwd_bg",
		Layout: l.bgl,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: inputBuf, Size: inputBuf.GetSize()},
			{Binding: 1, Buffer: kernelBuf, Size: kernelBuf.GetSize()},
			{Binding: 2, Buffer: biasBuf, Size: biasBuf.GetSize()},
			{Binding: 3, Buffer: outputBuf, Size: outputBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bg.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(uint32((outputSize+convWorkgroupSize-1)/convWorkgroupSize), 1, 1)
	pass.End()

	enc.CopyBufferToBuffer(outputBuf, 0, readbackBuf, 0, uint64(outputSize*4))
	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cb)
	cb.Release()

	return mapAndCopy(c, readbackBuf, outputSize)
}

// Cleanup releases the pipeline resources.
func (l *Conv2DLayer) Cleanup() {
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.layout != nil {
		l.layout.Release()
	}
	if l.bgl != nil {
		l.bgl.Release()
	}
}

// pipelineCache compiles each Conv2DSpec once.
type pipelineCache struct {
	mu     sync.Mutex
	layers map[Conv2DSpec]*Conv2DLayer
}

func (pc *pipelineCache) get(c *Context, spec Conv2DSpec) (*Conv2DLayer, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if l, ok := pc.layers[spec]; ok {
		return l, nil
	}
	l := &Conv2DLayer{Spec: spec}
	if err := l.Compile(c); err != nil {
		l.Cleanup()
		return nil, err
	}
	if pc.layers == nil {
		pc.layers = make(map[Conv2DSpec]*Conv2DLayer)
	}
	pc.layers[spec] = l
	return l, nil
}

func (pc *pipelineCache) release() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, l := range pc.layers {
		l.Cleanup()
	}
	pc.layers = nil
}
