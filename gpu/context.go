package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/loomgpu/detector"
)

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Report   *detector.Report

	once    sync.Once
	initErr error
}

var ctx Context

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialization is remembered and returned on every call.
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

	// Prefer a discrete NVIDIA adapter when one is listed.
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if Debug {
			Log("adapter %s (vendor %s, device 0x%X, type %d)", info.Name, info.VendorName, info.DeviceId, info.AdapterType)
		}
		if strings.Contains(strings.ToLower(info.Name), "nvidia") || strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil && Debug {
			Log("adapter request %+v failed: %v, falling back", opts, err)
		}
	}
	if c.Adapter == nil {
		c.Instance.Release()
		return fmt.Errorf("all adapter attempts failed: %v", err)
	}

	c.Report = detector.Probe(c.Adapter)
	if Debug {
		Log("using GPU adapter:\n%s", c.Report.JSON())
	}

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
