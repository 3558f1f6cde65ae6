package gpu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConv2DSpecOutputSize(t *testing.T) {
	s := Conv2DSpec{Batch: 2, InChannels: 3, OutChannels: 4, KernelSize: 3, Stride: 1, Padding: 1, InputHeight: 8, InputWidth: 6}
	h, w := s.OutputSize()
	assert.Equal(t, 8, h)
	assert.Equal(t, 6, w)
	assert.Equal(t, 2*4*8*6, s.outputSize())
	assert.Equal(t, 4*3*3*3, s.kernelSize())

	s.Stride = 2
	s.Padding = 0
	h, w = s.OutputSize()
	assert.Equal(t, 3, h)
	assert.Equal(t, 2, w)
}

func TestGenerateShaderEmbedsShape(t *testing.T) {
	s := Conv2DSpec{Batch: 1, InChannels: 5, OutChannels: 7, KernelSize: 3, Stride: 1, Padding: 1, InputHeight: 16, InputWidth: 12}
	src := s.GenerateShader()
	assert.Contains(t, src, "const IN_C: u32 = 5u;")
	assert.Contains(t, src, "const OUT_C: u32 = 7u;")
	assert.Contains(t, src, "const IN_W: u32 = 12u;")
	assert.Contains(t, src, "const PADDING: i32 = 1;")
	// %% must render as the WGSL modulo operator
	assert.True(t, strings.Contains(src, "idx % (OUT_C"))
	assert.NotContains(t, src, "%!")
}

func TestShaderWorkgroupMatchesDispatch(t *testing.T) {
	src := Conv2DSpec{Batch: 1, InChannels: 1, OutChannels: 1, KernelSize: 1, Stride: 1, InputHeight: 4, InputWidth: 4}.GenerateShader()
	assert.Contains(t, src, "@workgroup_size(256, 1, 1)")
}

func TestLimitsSupportConv(t *testing.T) {
	assert.True(t, Limits{MaxComputeWorkgroupSizeX: 256, MaxComputeInvocationsPerWorkgroup: 256}.supportsConv())
	assert.False(t, Limits{MaxComputeWorkgroupSizeX: 256, MaxComputeInvocationsPerWorkgroup: 128}.supportsConv())
	assert.False(t, Limits{MaxComputeWorkgroupSizeX: 64, MaxComputeInvocationsPerWorkgroup: 1024}.supportsConv())
}
