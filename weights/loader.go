// Package weights turns a manifest's tensor table into GPU-resident
// buffers, reading shard bytes through a caller-supplied ShardReader,
// widening any bf16 storage to f32 on the way in, and bounding both
// read concurrency and per-shard retries the way the teacher's
// registry client bounds blob pulls.
package weights

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/envconfig"
	"github.com/doppler/engine/gpu"
	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/manifest"
)

// ShardReader reads raw tensor bytes out of one weight shard. *os.File
// satisfies it, and is what cmd/dopplerctl passes for a local gguf file.
type ShardReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Tensor is one loaded weight: its descriptor, the GPU buffer its bytes
// were uploaded into, and the same bytes kept host-side. Every kernel
// call in this engine re-uploads its operands on dispatch (see
// kernel/wgpubackend), so the host copy — not Buf — is the one the
// layer package actually reads from; Buf exists for kernels that grow a
// persistent-residency path later.
type Tensor struct {
	Desc manifest.TensorDescriptor
	Buf  *gpu.Buffer
	host []byte
}

// AsKernel builds the kernel.Tensor view a Backend call expects, either
// an f32 data slice or, for Q4_K/Q8 operands, the packed raw bytes.
func (t *Tensor) AsKernel() (kernel.Tensor, error) {
	kd, err := kernelDType(t.Desc.DType)
	if err != nil {
		return kernel.Tensor{}, err
	}
	if kd == kernel.Q4K || kd == kernel.Q8 {
		return kernel.NewRawTensor(kd, t.Desc.Shape, t.host), nil
	}
	data := bytesToFloat32Slice(t.host)
	return kernel.NewTensor(kd, t.Desc.Shape, data), nil
}

func kernelDType(d manifest.DType) (kernel.DType, error) {
	switch d {
	case manifest.DTypeF32:
		return kernel.F32, nil
	case manifest.DTypeF16:
		return kernel.F16, nil
	case manifest.DTypeQ4K:
		return kernel.Q4K, nil
	case manifest.DTypeQ8:
		return kernel.Q8, nil
	default:
		return 0, fmt.Errorf("weights: dtype %v has no kernel equivalent: %w", d, engine.ErrDtypeMismatch)
	}
}

func bytesToFloat32Slice(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Weights is the full set of a model's loaded tensors, keyed by name.
type Weights struct {
	tensors map[string]*Tensor
}

// NewHostTensor builds a Tensor directly from host bytes, with no GPU
// buffer behind it. Load always fills Buf too, but a Backend only ever
// reads a Tensor's host side (see AsKernel's doc comment), so a harness
// that never dispatches to the GPU backend can assemble Weights this
// way without a gpu.Device.
func NewHostTensor(desc manifest.TensorDescriptor, host []byte) *Tensor {
	return &Tensor{Desc: desc, host: host}
}

// NewLoaded assembles a Weights from an already-built tensor set,
// the counterpart to NewHostTensor for tests and CPU-only harnesses
// that build weights without going through Load.
func NewLoaded(tensors map[string]*Tensor) *Weights {
	return &Weights{tensors: tensors}
}

// Get returns the loaded tensor for name, wrapping engine.ErrManifestInvalid
// if it was never loaded.
func (w *Weights) Get(name string) (*Tensor, error) {
	t, ok := w.tensors[name]
	if !ok {
		return nil, fmt.Errorf("weights: tensor %q not loaded: %w", name, engine.ErrManifestInvalid)
	}
	return t, nil
}

// Release returns every tensor's buffer to its owning pool.
func (w *Weights) Release() {
	for _, t := range w.tensors {
		t.Buf.Release()
	}
}

const (
	maxAttempts  = 4
	baseBackoff  = 100 * time.Millisecond
	readStallTTL = 30 * time.Second
)

// Load reads every tensor named in m's table from the shard named by
// its ShardID, uploads it into a pooled GPU buffer, and returns the
// assembled Weights. Shard reads are bounded to
// envconfig.ShardFetchConcurrency() in flight and retried with
// exponential backoff on engine.ErrIOFailure, mirroring the registry
// client's chunked-pull posture without its HTTP-specific chunksum
// bookkeeping.
func Load(ctx context.Context, m *manifest.Manifest, shards map[string]ShardReader, dev *gpu.Device) (*Weights, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, envconfig.LoadTimeout())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(envconfig.ShardFetchConcurrency()))

	w := &Weights{tensors: make(map[string]*Tensor, len(m.Tensors))}
	var mu sync.Mutex

	for name, desc := range m.Tensors {
		name, desc := name, desc
		g.Go(func() error {
			reader, ok := shards[desc.ShardID]
			if !ok {
				return fmt.Errorf("weights: no shard reader for %q (shard %q): %w", name, desc.ShardID, engine.ErrIOFailure)
			}

			raw, err := readWithRetry(ctx, reader, desc)
			if err != nil {
				return err
			}

			data, dtype := widen(raw, desc.DType)

			buf, err := dev.Pool.Alloc(uint64(len(data)), gpu.StorageRO)
			if err != nil {
				return fmt.Errorf("weights: alloc buffer for %q: %w", name, err)
			}
			dev.Queue.WriteBuffer(buf.Native(), 0, data)

			mu.Lock()
			w.tensors[name] = &Tensor{Desc: withDType(desc, dtype), Buf: buf, host: data}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		w.Release()
		return nil, err
	}
	return w, nil
}

func withDType(desc manifest.TensorDescriptor, dtype manifest.DType) manifest.TensorDescriptor {
	desc.DType = dtype
	return desc
}

// readWithRetry reads exactly desc.Length bytes at desc.Offset,
// retrying transient failures with exponential backoff capped at
// maxAttempts. No attempt is timed: a ReadAt that blocks is not
// abandoned, and readStallTTL is not consulted here.
func readWithRetry(ctx context.Context, r ShardReader, desc manifest.TensorDescriptor) ([]byte, error) {
	buf := make([]byte, desc.Length)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		n, err := r.ReadAt(buf, desc.Offset)
		if err == nil && n == len(buf) {
			return buf, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("short read: got %d want %d", n, len(buf))
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return nil, fmt.Errorf("weights: read %q after %d attempts: %v: %w", desc.Name, maxAttempts, lastErr, engine.ErrIOFailure)
}
