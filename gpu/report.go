package gpu

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// convWorkgroupSize is the x dimension of the convolution shader workgroup.
const convWorkgroupSize = 256

// Report summarises the selected adapter and its compute limits.
type Report struct {
	Runtime     string   `json:"runtime"`
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	VendorID    string   `json:"vendor_id_hex"`
	DeviceID    string   `json:"device_id_hex"`
	Name        string   `json:"name"`
	Vendor      string   `json:"vendor"`
	Driver      string   `json:"driver"`
	Limits      Limits   `json:"limits"`
	Features    []string `json:"features"`
	// ConvSupported is false when the adapter cannot run the convolution
	// shader; the CPU kernel is used instead.
	ConvSupported bool `json:"conv_supported"`
}

// Limits are the adapter limits that bound convolution dispatches.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// supportsConv reports whether one convolution workgroup fits the limits.
func (l Limits) supportsConv() bool {
	return l.MaxComputeWorkgroupSizeX >= convWorkgroupSize &&
		l.MaxComputeInvocationsPerWorkgroup >= convWorkgroupSize
}

// Probe initialises the shared context and reports on its adapter.
func Probe() (*Report, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return c.Report(), nil
}

// Report describes the context's adapter.
func (c *Context) Report() *Report {
	info := c.Adapter.GetInfo()
	supported := c.Adapter.GetLimits().Limits

	var feats []string
	for _, f := range c.Adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	limits := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  supported.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.MaxStorageBufferBindingSize,
		MaxBufferSize:                     supported.MaxBufferSize,
	}
	return &Report{
		Runtime:       runtimeName(),
		Backend:       info.BackendType.String(),
		AdapterType:   info.AdapterType.String(),
		VendorID:      fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:      fmt.Sprintf("0x%04x", info.DeviceId),
		Name:          strings.TrimSpace(info.Name),
		Vendor:        strings.TrimSpace(info.VendorName),
		Driver:        strings.TrimSpace(info.DriverDescription),
		Limits:        limits,
		Features:      feats,
		ConvSupported: limits.supportsConv(),
	}
}

func runtimeName() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}
