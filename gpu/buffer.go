package gpu

import "github.com/cogentcore/webgpu/wgpu"

// Usage classifies a buffer's intended access pattern. The pool keys its
// free lists on (sizeClass, Usage) so a storage-read-write buffer is never
// handed out where a uniform buffer was requested.
type Usage int

const (
	// StorageRW is a read-write storage buffer (kernel scratch, activations).
	StorageRW Usage = iota
	// StorageRO is a read-only storage buffer (weights, KV cache reads).
	StorageRO
	// Uniform is a small uniform buffer (kernel descriptors).
	Uniform
	// Staging is a host-visible buffer used for upload or readback.
	Staging
)

func (u Usage) wgpuUsage() wgpu.BufferUsage {
	switch u {
	case StorageRW:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	case StorageRO:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	case Uniform:
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	case Staging:
		return wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	default:
		return wgpu.BufferUsageStorage
	}
}

// Buffer is a pooled GPU allocation. Callers must call Release instead of
// destroying the underlying wgpu.Buffer; the pool reclaims it onto the
// matching size-class free list.
type Buffer struct {
	Raw   *wgpu.Buffer
	Size  uint64
	Usage Usage

	class int
	pool  *Pool
}

// Native exposes the underlying wgpu buffer for kernel bind-group wiring.
func (b *Buffer) Native() *wgpu.Buffer { return b.Raw }

// Release returns the buffer to its owning pool's free list. It is a no-op
// if the buffer was not obtained from a pool (e.g. a CPU-backend stand-in).
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.release(b)
}
