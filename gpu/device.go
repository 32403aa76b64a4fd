// Package gpu owns GPU adapter acquisition, feature negotiation, and the
// pooled buffer allocator the kernel library allocates scratch and weight
// storage from. It is built on github.com/cogentcore/webgpu/wgpu, the one
// real WebGPU binding available to a browser-native Go engine.
package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/logutil"
)

// Features records which optional device features were negotiated at
// acquisition time. Kernel selection (kernel/dispatch) consults these to
// pick fused or subgroup variants.
type Features struct {
	ShaderF16       bool
	Subgroups       bool
	TimestampQuery  bool
}

// Device wraps an acquired wgpu adapter/device/queue triple plus the
// negotiated feature set and the buffer pool built on top of it.
type Device struct {
	Adapter  *wgpu.Adapter
	Raw      *wgpu.Device
	Queue    *wgpu.Queue
	Features Features

	Pool *Pool
}

// AcquireOptions controls adapter selection.
type AcquireOptions struct {
	// AdapterIndex is the enumerated adapter the caller asked for, -1
	// meaning no preference. Acquire does not read it: it always takes
	// the adapter the instance returns for PowerPreferenceHighPerformance.
	AdapterIndex int

	// RequireSubgroups forces acquisition to fail with
	// ErrFeatureUnsupported if subgroup operations are unavailable.
	RequireSubgroups bool
}

// Acquire requests a WebGPU adapter and logical device, negotiates
// optional features, and returns a Device with an empty buffer pool.
//
// Fails with engine.ErrNoGPU if no adapter could be obtained and with
// engine.ErrFeatureUnsupported if compute or storage-buffer support (the
// two features this engine cannot run without) are missing.
func Acquire(opts AcquireOptions) (*Device, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, fmt.Errorf("create wgpu instance: %w", engine.ErrNoGPU)
	}

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		return nil, fmt.Errorf("request adapter: %w: %v", engine.ErrNoGPU, err)
	}

	adapterFeatures := adapter.GetFeatures()
	want := []wgpu.FeatureName{}
	hasF16 := hasFeature(adapterFeatures, wgpu.FeatureShaderF16)
	hasTimestamp := hasFeature(adapterFeatures, wgpu.FeatureTimestampQuery)
	if hasF16 {
		want = append(want, wgpu.FeatureShaderF16)
	}
	if hasTimestamp {
		want = append(want, wgpu.FeatureTimestampQuery)
	}

	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		RequiredFeatures: want,
	})
	if err != nil || dev == nil {
		return nil, fmt.Errorf("request device: %w: %v", engine.ErrFeatureUnsupported, err)
	}

	subgroups := probeSubgroups(adapter)
	if opts.RequireSubgroups && !subgroups {
		return nil, fmt.Errorf("subgroup operations: %w", engine.ErrFeatureUnsupported)
	}

	d := &Device{
		Adapter: adapter,
		Raw:     dev,
		Queue:   dev.GetQueue(),
		Features: Features{
			ShaderF16:      hasF16,
			Subgroups:      subgroups,
			TimestampQuery: hasTimestamp,
		},
	}
	d.Pool = newPool(d)

	logutil.Trace("gpu device acquired", "f16", hasF16, "subgroups", subgroups, "timestamps", hasTimestamp)
	return d, nil
}

func hasFeature(features []wgpu.FeatureName, want wgpu.FeatureName) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

// probeSubgroups checks for subgroup support via the adapter's advertised
// feature list; wgpu does not yet standardize a FeatureSubgroups constant
// across all backends, so this probes the experimental name used by the
// native wgpu-native builds this binding wraps.
func probeSubgroups(adapter *wgpu.Adapter) bool {
	for _, f := range adapter.GetFeatures() {
		if string(f) == "subgroups" || string(f) == "experimental-subgroups" {
			return true
		}
	}
	return false
}

// Release tears down the device, queue, and every pooled buffer.
func (d *Device) Release() {
	if d.Pool != nil {
		d.Pool.releaseAll()
	}
	if d.Raw != nil {
		d.Raw.Release()
	}
	if d.Adapter != nil {
		d.Adapter.Release()
	}
}
