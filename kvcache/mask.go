package kvcache

import "math"

// BuildMask returns a flattened (len(queryPositions) x len(kvPositions))
// additive attention mask: 0 where query row q may attend to kv column
// k, negInf where causality or the sliding window suppresses it. Every
// row gets its own causal frontier, so a batched prefill's earlier
// query rows cannot see keys that a later row in the same batch
// appended (§4.2.6, §8 property 5). kvPositions must be the positions
// slice View returned for the same call — the mask is addressed by
// index into that slice, not by the cache's physical slot order.
func BuildMask(queryPositions, kvPositions []int32, window int32) []float32 {
	mask := make([]float32, len(queryPositions)*len(kvPositions))
	for qi, qp := range queryPositions {
		row := mask[qi*len(kvPositions) : (qi+1)*len(kvPositions)]
		for ki, kp := range kvPositions {
			allowed := kp <= qp
			if allowed && window > 0 && kp < qp-window+1 {
				allowed = false
			}
			if !allowed {
				row[ki] = negInf
			}
		}
	}
	return mask
}

// Evict drops any occupied slot whose position is below keepFrom,
// keeping positions keepFrom and later, freeing slots the way the
// teacher's updateSlidingWindow deletes sequence membership for cells
// that have aged out of swaMemorySize.
func (c *Cache) Evict(keepFrom int32) {
	for i, cl := range c.cells {
		if cl.occupied && cl.pos < keepFrom {
			c.cells[i] = cell{}
		}
	}
}

// negInf is the mask value applied where attention is fully blocked;
// kept as a named constant so layer/attention code can share it rather
// than hand-rolling math.Inf(-1) at each call site.
var negInf = float32(math.Inf(-1))
