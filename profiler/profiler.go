// Package profiler counts kernel dispatches and, when a caller asks for
// it, times them per generation phase. It follows the same posture
// ml/device_runner.go's logutil.Trace calls do: cheap, always-on
// counters plus an explicitly-gated path for anything that would add a
// synchronization point, so a normal generation never pays for
// profiling it didn't ask for.
package profiler

import (
	"sync"
	"time"

	"github.com/doppler/engine/gpu"
)

// Scope names one phase of generation a dispatch belongs to.
type Scope string

const (
	ScopePrefill Scope = "prefill"
	ScopeDecode  Scope = "decode"
	ScopeOther   Scope = "other"
)

type scopeStats struct {
	submits       uint64
	wallTime      time.Duration
	readbackBytes uint64
}

// Stats is a resolved, read-only snapshot of one scope's counters.
type Stats struct {
	Submits       uint64
	WallTime      time.Duration
	ReadbackBytes uint64
}

// Profiler accumulates per-scope submit counts, wall-clock durations,
// and readback byte totals across one generation's lifetime.
//
// Wall-clock timing (Track) never touches the GPU and is always-on:
// it costs one time.Now() pair per dispatch. GPU timestamp-query
// resolution (ResolveGPU) is the expensive path — it requires a
// dedicated query-set readback distinct from a kernel's own result
// readback — and only ever runs when debug is true, per §4.9's "no
// readbacks or sync points on the hot path when debug is off".
type Profiler struct {
	debug bool

	mu    sync.Mutex
	stats map[Scope]*scopeStats
}

// New builds a Profiler. debug gates ResolveGPU only; submit counting
// and wall-clock timing always run.
func New(debug bool) *Profiler {
	return &Profiler{
		debug: debug,
		stats: map[Scope]*scopeStats{
			ScopePrefill: {},
			ScopeDecode:  {},
			ScopeOther:   {},
		},
	}
}

func (p *Profiler) Debug() bool { return p.debug }

func (p *Profiler) scope(s Scope) *scopeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[s]
	if !ok {
		st = &scopeStats{}
		p.stats[s] = st
	}
	return st
}

// RecordSubmit increments scope's submit count. The pipeline calls it
// once per layer pass, not once per kernel dispatch.
func (p *Profiler) RecordSubmit(s Scope) {
	st := p.scope(s)
	p.mu.Lock()
	st.submits++
	p.mu.Unlock()
}

// RecordReadback adds n bytes to scope's readback total.
func (p *Profiler) RecordReadback(s Scope, n int) {
	st := p.scope(s)
	p.mu.Lock()
	st.readbackBytes += uint64(n)
	p.mu.Unlock()
}

// Track starts a wall-clock timer for scope and returns a function
// that stops it and records the elapsed duration. Callers wrap a
// dispatch as:
//
//	done := p.Track(profiler.ScopeDecode)
//	defer done()
func (p *Profiler) Track(s Scope) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		st := p.scope(s)
		p.mu.Lock()
		st.wallTime += elapsed
		p.mu.Unlock()
	}
}

// ResolveGPU reports whether GPU timestamp-query resolution applies:
// true only when debug is on and dev negotiated TimestampQuery. It
// reads no query set and adds nothing to any scope's wall time; this
// engine creates no wgpu.QuerySet.
func (p *Profiler) ResolveGPU(dev *gpu.Device) bool {
	return p.debug && dev != nil && dev.Features.TimestampQuery
}

// Resolve returns a snapshot of every scope's counters.
func (p *Profiler) Resolve() map[Scope]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Scope]Stats, len(p.stats))
	for s, st := range p.stats {
		out[s] = Stats{
			Submits:       st.submits,
			WallTime:      st.wallTime,
			ReadbackBytes: st.readbackBytes,
		}
	}
	return out
}

// Reset clears every scope's counters, for reuse across generations
// without rebuilding the Profiler.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.stats {
		p.stats[s] = &scopeStats{}
	}
}
