package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/nowcast/internal/logging"
)

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// AdapterName is the name reported by the selected adapter.
	AdapterName string

	once    sync.Once
	initErr error
}

var ctx Context

// PreferredVendor is matched case-insensitively against adapter and vendor
// names before falling back to power-preference selection. It must be set
// before the first call to GetContext.
var PreferredVendor = "nvidia"

// GetContext returns the singleton GPU context, initializing it if necessary
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.initErr = ctx.init()
	})

	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	// Try the preferred vendor explicitly via EnumerateAdapters
	if PreferredVendor != "" {
		want := strings.ToLower(PreferredVendor)
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			logging.Debug().
				Str("adapter", info.Name).
				Str("vendor", info.VendorName).
				Str("device_id", fmt.Sprintf("0x%X", info.DeviceId)).
				Msg("gpu adapter found")
			if strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want) {
				c.Adapter = a
				break
			}
		}
	}

	tryInit := func(opts *wgpu.RequestAdapterOptions) error {
		if c.Adapter != nil {
			return nil
		}
		var err error
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		return err
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if err = tryInit(opts); err == nil && c.Adapter != nil {
			break
		}
		logging.Debug().Err(err).Msg("gpu adapter request failed, falling back")
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", err)
	}

	info := c.Adapter.GetInfo()
	c.AdapterName = info.Name
	logging.Info().Str("adapter", info.Name).Str("vendor", info.VendorName).Msg("using gpu adapter")

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return err
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
