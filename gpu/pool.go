package gpu

import (
	"container/list"
	"context"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"golang.org/x/sync/semaphore"

	"github.com/doppler/engine/envconfig"
)

// sizeClass buckets a requested byte size up to the next power of two, the
// same bucketing strategy the teacher's per-layer context reuse achieves
// implicitly by recreating same-shaped tensors every step.
func sizeClass(n uint64) int {
	class := 0
	size := uint64(1)
	for size < n {
		size <<= 1
		class++
	}
	return class
}

type freeEntry struct {
	buf     *Buffer
	elem    *list.Element // position in the LRU list
}

// Pool is a size-class free-list allocator over a single GPU device. Freed
// buffers are never destroyed immediately; they are kept on a free list
// keyed by (sizeClass, Usage) until either reused or evicted by the LRU
// policy once the pool's soft cap is exceeded.
type Pool struct {
	mu    sync.Mutex
	dev   *Device
	free  map[key][]*freeEntry
	lru   *list.List // least-recently-freed at the front
	stats Stats

	submitSem *semaphore.Weighted
}

type key struct {
	class int
	usage Usage
}

// Stats reports the pool's current allocation footprint.
type Stats struct {
	BytesAllocated     uint64
	PeakBytesAllocated uint64
	LiveCount          int
}

func newPool(dev *Device) *Pool {
	return &Pool{
		dev:       dev,
		free:      make(map[key][]*freeEntry),
		lru:       list.New(),
		submitSem: semaphore.NewWeighted(int64(envconfig.MaxInflightSubmits())),
	}
}

// Alloc returns a buffer of at least size bytes for the given usage,
// reusing a free-list entry of the matching size class when available.
func (p *Pool) Alloc(size uint64, usage Usage) (*Buffer, error) {
	p.mu.Lock()
	class := sizeClass(size)
	k := key{class, usage}
	if entries := p.free[k]; len(entries) > 0 {
		e := entries[len(entries)-1]
		p.free[k] = entries[:len(entries)-1]
		p.lru.Remove(e.elem)
		p.mu.Unlock()
		return e.buf, nil
	}
	classSize := uint64(1) << uint(class)
	p.mu.Unlock()

	raw, err := p.dev.Raw.CreateBuffer(&wgpu.BufferDescriptor{
		Size:  classSize,
		Usage: usage.wgpuUsage(),
	})
	if err != nil {
		return nil, err
	}

	buf := &Buffer{Raw: raw, Size: classSize, Usage: usage, class: class, pool: p}

	p.mu.Lock()
	p.stats.BytesAllocated += classSize
	p.stats.LiveCount++
	if p.stats.BytesAllocated > p.stats.PeakBytesAllocated {
		p.stats.PeakBytesAllocated = p.stats.BytesAllocated
	}
	p.mu.Unlock()

	return buf, nil
}

func (p *Pool) release(buf *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{buf.class, buf.Usage}
	e := &freeEntry{buf: buf}
	e.elem = p.lru.PushBack(e)
	p.free[k] = append(p.free[k], e)

	p.evictIfOverCapLocked()
}

// evictIfOverCapLocked reclaims the least-recently-freed buffers while
// total allocated bytes (live plus free) exceed the soft cap, which is
// (100 - PoolEvictionHeadroom) percent of the peak allocation.
// Must be called with p.mu held.
func (p *Pool) evictIfOverCapLocked() {
	headroomPct := uint64(envconfig.PoolEvictionHeadroom())
	softCap := p.stats.PeakBytesAllocated * (100 - headroomPct) / 100
	if softCap == 0 || p.stats.BytesAllocated <= softCap {
		return
	}

	for p.stats.BytesAllocated > softCap && p.lru.Len() > 0 {
		front := p.lru.Front()
		e := front.Value.(*freeEntry)
		p.lru.Remove(front)

		k := key{e.buf.class, e.buf.Usage}
		list := p.free[k]
		for i, cand := range list {
			if cand == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		p.free[k] = list

		p.stats.BytesAllocated -= e.buf.Size
		p.stats.LiveCount--
		e.buf.Raw.Release()
	}
}

// Stats returns a snapshot of the pool's allocation counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// AcquireSubmitSlot bounds the number of in-flight command submissions,
// mirroring the teacher's single-queue serialization while still allowing
// a small window of overlap between submit and readback.
func (p *Pool) AcquireSubmitSlot(ctx context.Context) error {
	return p.submitSem.Acquire(ctx, 1)
}

// ReleaseSubmitSlot releases a slot acquired via AcquireSubmitSlot.
func (p *Pool) ReleaseSubmitSlot() {
	p.submitSem.Release(1)
}

func (p *Pool) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entries := range p.free {
		for _, e := range entries {
			e.buf.Raw.Release()
		}
	}
	p.free = make(map[key][]*freeEntry)
	p.lru.Init()
	p.stats = Stats{}
}
