// Package wgpubackend implements kernel.Backend with real wgpu compute
// dispatch, built the way the teacher's gpu buffer manager builds a
// render pass: one shader module per op, a bind group layout sourced
// straight off the compiled pipeline, and a command encoder that
// dispatches workgroups and submits to the device queue.
//
// Only Matmul, RMSNorm, Softmax and ResidualAdd get real WGSL dispatch.
// The remaining ops (Gather, SiluFFN, RoPE, AttentionPrefill/Decode,
// Argmax, TopK, DequantizeQ4K) delegate to the embedded CPU backend.
// Every dispatched op uploads its operands and reads its result back to
// host memory, so no tensor stays resident on the GPU between ops.
package wgpubackend

import (
	"context"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/gpu"
	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/logutil"
)

// Backend dispatches the engine's compute-heavy kernels on a GPU device,
// falling back to an embedded CPU backend for the ops that don't justify
// their own shader.
type Backend struct {
	dev *gpu.Device
	cpu *kernel.CPUBackend

	matmul      *wgpu.ComputePipeline
	rmsNorm     *wgpu.ComputePipeline
	softmax     *wgpu.ComputePipeline
	residualAdd *wgpu.ComputePipeline
}

// New compiles the backend's shader modules against dev and returns a
// ready-to-dispatch Backend.
func New(dev *gpu.Device) (*Backend, error) {
	b := &Backend{dev: dev, cpu: kernel.NewCPUBackend()}

	var err error
	if b.matmul, err = compilePipeline(dev, "matmul", matmulShaderSrc); err != nil {
		return nil, err
	}
	if b.rmsNorm, err = compilePipeline(dev, "rms_norm", rmsNormShaderSrc); err != nil {
		return nil, err
	}
	if b.softmax, err = compilePipeline(dev, "softmax", softmaxShaderSrc); err != nil {
		return nil, err
	}
	if b.residualAdd, err = compilePipeline(dev, "residual_add", residualAddShaderSrc); err != nil {
		return nil, err
	}
	return b, nil
}

func compilePipeline(dev *gpu.Device, label, src string) (*wgpu.ComputePipeline, error) {
	mod, err := dev.Raw.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return nil, fmt.Errorf("compile shader %s: %w", label, err)
	}
	defer mod.Release()

	pipeline, err := dev.Raw.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     mod,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline %s: %w", label, err)
	}
	return pipeline, nil
}

// uploadBuffer copies data into a freshly pooled StorageRO buffer.
func (b *Backend) uploadBuffer(data []float32) (*gpu.Buffer, error) {
	raw := float32SliceToBytes(data)
	buf, err := b.dev.Pool.Alloc(uint64(len(raw)), gpu.StorageRO)
	if err != nil {
		return nil, err
	}
	b.dev.Queue.WriteBuffer(buf.Native(), 0, raw)
	return buf, nil
}

// scratchBuffer allocates a StorageRW buffer of the given element count
// for a kernel's output, without an initial upload.
func (b *Backend) scratchBuffer(elems int) (*gpu.Buffer, error) {
	return b.dev.Pool.Alloc(uint64(elems)*4, gpu.StorageRW)
}

// uniformBuffer uploads a kernel.UniformDescriptor as a Uniform buffer.
func (b *Backend) uniformBuffer(u kernel.UniformDescriptor) (*gpu.Buffer, error) {
	buf, err := b.dev.Pool.Alloc(uint64(kernel.UniformDescriptorSize), gpu.Uniform)
	if err != nil {
		return nil, err
	}
	b.dev.Queue.WriteBuffer(buf.Native(), 0, u.Encode())
	return buf, nil
}

// dispatchCompute records and submits a single-pass compute dispatch
// against pipeline, with group 0 bound to dataEntries and group 1 bound
// to the uniform descriptor buffer, then submits it and returns without
// waiting for completion; readback is where the host waits for results.
func (b *Backend) dispatchCompute(ctx context.Context, pipeline *wgpu.ComputePipeline, dataEntries []wgpu.BindGroupEntry, uniformBuf *gpu.Buffer, workgroupsX uint32) error {
	if err := b.dev.Pool.AcquireSubmitSlot(ctx); err != nil {
		return fmt.Errorf("acquire submit slot: %w", err)
	}
	defer b.dev.Pool.ReleaseSubmitSlot()

	dataGroup, err := b.dev.Raw.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  pipeline.GetBindGroupLayout(0),
		Entries: dataEntries,
	})
	if err != nil {
		return fmt.Errorf("create data bind group: %w", err)
	}
	defer dataGroup.Release()

	uniformGroup, err := b.dev.Raw.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: pipeline.GetBindGroupLayout(1),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: uniformBuf.Native(), Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		return fmt.Errorf("create uniform bind group: %w", err)
	}
	defer uniformGroup.Release()

	encoder, err := b.dev.Raw.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, dataGroup, nil)
	pass.SetBindGroup(1, uniformGroup, nil)
	pass.DispatchWorkgroups(workgroupsX, 1, 1)
	pass.End()

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command buffer: %w", err)
	}
	b.dev.Queue.Submit(cmd)

	logutil.Trace("wgpu dispatch submitted", "workgroups_x", workgroupsX)
	return nil
}

// readback maps a StorageRW result buffer for host read and returns its
// contents as float32. There is no retrieved example in this codebase's
// corpus that exercises MapAsync/GetMappedRange/Unmap directly; this
// follows the standard wgpu binding convention rather than a grounded
// example.
func (b *Backend) readback(ctx context.Context, buf *gpu.Buffer, elems int) ([]float32, error) {
	staging, err := b.dev.Pool.Alloc(buf.Size, gpu.Staging)
	if err != nil {
		return nil, err
	}
	defer staging.Release()

	encoder, err := b.dev.Raw.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create readback encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buf.Native(), 0, staging.Native(), 0, buf.Size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish readback command buffer: %w", err)
	}
	b.dev.Queue.Submit(cmd)

	done := make(chan error, 1)
	staging.Native().MapAsync(wgpu.MapModeRead, 0, staging.Size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("map status %v: %w", status, engine.ErrDeviceLost)
			return
		}
		done <- nil
	})

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	view := staging.Native().GetMappedRange(0, uint(elems)*4)
	out := bytesToFloat32Slice(view, elems)
	result := make([]float32, elems)
	copy(result, out)
	staging.Native().Unmap()

	return result, nil
}
