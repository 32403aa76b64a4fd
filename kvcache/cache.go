// Package kvcache stores the key/value projections of previously
// processed tokens for a single in-flight generation. It keeps the
// teacher's ring-of-cells bookkeeping and sliding-window eviction idiom
// but drops everything keyed by sequence id: this engine ever runs one
// sequence per Cache, so there is no cellRanges map, no CopyPrefix, and
// no cross-sequence cell sharing to reason about.
package kvcache

import (
	"fmt"

	"github.com/doppler/engine/engine"
)

// cell records which position (if any) occupies a physical cache slot.
type cell struct {
	pos      int32
	occupied bool
}

// Cache holds K/V history for every layer that shares it. A model with
// both global and local attention (§3.1's sliding-window design note)
// instantiates two Caches — see NewPair — rather than teaching one
// Cache to vary its window per layer, mirroring how the teacher gives
// SWA and non-SWA attention their own kvcache.Causal instances. Window
// restriction is not a storage property: both the global and local
// caches a Pair builds keep every appended position up to capacity;
// what a windowed layer can attend to is decided solely by the mask
// layer.Block builds per call (see kvcache.BuildMask).
type Cache struct {
	capacity  int // physical ring size
	headDim   int
	numKVHeads int

	cells []cell

	// keys/values are one flat row-major [capacity, numKVHeads, headDim]
	// buffer per layer, addressed by layer index.
	keys   map[int][]float32
	values map[int][]float32

	// curRange is the inclusive [min,max] slot range Appends have touched
	// since the last Reset (min starts at slot 0), after the teacher's
	// curCellRange bookkeeping.
	curRange cellRange
}

type cellRange struct {
	min, max int
}

// NewCache builds a Cache ring of the given physical capacity for
// tensors shaped [numKVHeads, headDim] per token.
func NewCache(capacity, numKVHeads, headDim int) *Cache {
	return &Cache{
		capacity:   capacity,
		headDim:    headDim,
		numKVHeads: numKVHeads,
		cells:      make([]cell, capacity),
		keys:       make(map[int][]float32),
		values:     make(map[int][]float32),
	}
}

// Pair bundles the global and local-window caches a sliding-window
// model needs, plus the manifest's layer→window decision so callers
// never have to re-derive it.
type Pair struct {
	Global *Cache
	Local  *Cache

	isLocalLayer func(layer int) bool
}

// NewPair builds the global/local cache pair for a model whose manifest
// declares a sliding-window pattern. When the manifest has no local
// window (SlidingWindowPattern == 0), Local equals Global so callers
// that always route through For(layer) still work uniformly.
//
// Both caches are sized to the full maxPosition ring, matching the
// teacher's kvcache.Causal: a local/windowed layer keeps every key and
// value it has ever appended and restricts what attention can see
// through BuildMask's window term, rather than shrinking physical
// storage to localWindow. Physically capping a windowed cache's ring
// at localWindow would, for any prompt longer than the window, start
// overwriting the earliest cells mid-prefill — by the time attention
// runs, View could no longer return the in-window keys an early query
// row needs, masking the row to all -inf and producing NaN softmax
// output. localWindow is accepted for symmetry with the manifest's
// sliding-window fields but no longer sizes Local; the window is
// enforced purely by the mask layer.Block builds per call.
func NewPair(maxPosition, localWindow, numKVHeads, headDim int, isLocalLayer func(layer int) bool) *Pair {
	global := NewCache(maxPosition, numKVHeads, headDim)
	local := global
	if localWindow > 0 {
		local = NewCache(maxPosition, numKVHeads, headDim)
	}
	return &Pair{Global: global, Local: local, isLocalLayer: isLocalLayer}
}

// For returns the cache backing layer's attention.
func (p *Pair) For(layer int) *Cache {
	if p.isLocalLayer(layer) {
		return p.Local
	}
	return p.Global
}

// row returns the per-token slice of a layer's flat key/value buffer,
// allocating the buffer on first touch the way the teacher's Put lazily
// zero-allocates c.keys[c.curLayer].
func (c *Cache) row(store map[int][]float32, layer, slot int) []float32 {
	buf, ok := store[layer]
	if !ok {
		buf = make([]float32, c.capacity*c.numKVHeads*c.headDim)
		store[layer] = buf
	}
	rowLen := c.numKVHeads * c.headDim
	return buf[slot*rowLen : (slot+1)*rowLen]
}

// Append writes one token's key/value projection for layer at absolute
// sequence position pos, returning engine.ErrOutOfSeq once pos reaches
// the cache's physical capacity. A Pair-constructed cache (global or
// local) is always sized to max_position, so this only fires once a
// generation genuinely exhausts the model's position budget, never as
// a side effect of a window being narrower than the prompt.
func (c *Cache) Append(layer int, pos int32, key, value []float32) error {
	slot := c.slotFor(pos)
	if slot < 0 {
		return fmt.Errorf("layer %d pos %d: %w", layer, pos, engine.ErrOutOfSeq)
	}

	copy(c.row(c.keys, layer, slot), key)
	copy(c.row(c.values, layer, slot), value)
	c.cells[slot] = cell{pos: pos, occupied: true}

	if slot < c.curRange.min {
		c.curRange.min = slot
	}
	if slot > c.curRange.max {
		c.curRange.max = slot
	}
	return nil
}

// slotFor picks the physical ring slot for an append at pos. A windowed
// cache reuses pos % capacity (the classic ring-buffer mapping); an
// unbounded cache (capacity == maxPosition) places pos directly and
// reports exhaustion once that would overflow capacity.
func (c *Cache) slotFor(pos int32) int {
	if int(pos) < c.capacity {
		return int(pos) % c.capacity
	}
	if c.windowed() {
		return int(pos) % c.capacity
	}
	return -1
}

func (c *Cache) windowed() bool {
	// NewPair sizes both the global and the local cache to max_position,
	// so a position at or past capacity is exhaustion, never a ring wrap.
	return false
}

// View returns the key/value rows and positions for every occupied
// slot up to and including maxPos, in ring order starting from the
// oldest occupied slot — the data layer.Block needs to run attention
// for the current token.
func (c *Cache) View(layer int, maxPos int32) (keys, values []float32, positions []int32) {
	rowLen := c.numKVHeads * c.headDim
	keyBuf := c.keys[layer]
	valBuf := c.values[layer]

	for slot, cl := range c.cells {
		if !cl.occupied || cl.pos > maxPos {
			continue
		}
		positions = append(positions, cl.pos)
		if keyBuf != nil {
			keys = append(keys, keyBuf[slot*rowLen:(slot+1)*rowLen]...)
		}
		if valBuf != nil {
			values = append(values, valBuf[slot*rowLen:(slot+1)*rowLen]...)
		}
	}
	return keys, values, positions
}

// Reset clears all cache state, for starting a fresh generation.
func (c *Cache) Reset() {
	for i := range c.cells {
		c.cells[i] = cell{}
	}
	c.keys = make(map[int][]float32)
	c.values = make(map[int][]float32)
	c.curRange = cellRange{}
}

// Len reports how many positions are currently occupied.
func (c *Cache) Len() int {
	n := 0
	for _, cl := range c.cells {
		if cl.occupied {
			n++
		}
	}
	return n
}
