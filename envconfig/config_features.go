// config_features.go - feature flags and GPU selection
//
// This module contains:
// - Feature flags (flash-attention style fused kernels, sliding-window override)
// - GPU visibility / backend selection variables
// - Concurrency and pool sizing knobs
package envconfig

// =============================================================================
// Feature flags
// =============================================================================

var (
	// FusedQuant enables the fused Q4_K dequantize+matmul kernel variant when
	// the GPU adapter supports it. Disabling forces the dequant-then-matmul path.
	FusedQuant = BoolWithDefault("DOPPLER_FUSED_QUANT")

	// ForceCPU disables GPU backend selection entirely, running all kernels
	// on the generic f32 CPU fallback.
	ForceCPU = Bool("DOPPLER_FORCE_CPU")

	// Subgroups enables the subgroup-accelerated gemv kernel variant when the
	// adapter advertises subgroup support.
	Subgroups = BoolWithDefault("DOPPLER_SUBGROUPS")
)

// =============================================================================
// GPU visibility
// =============================================================================

var (
	// AdapterIndex is the WebGPU adapter enumeration index dopplerctl
	// passes to gpu.Acquire (empty passes -1). gpu.Acquire does not use it
	// to choose an adapter.
	AdapterIndex = String("DOPPLER_ADAPTER_INDEX")

	// GpuOverhead is a device-memory reservation in bytes. AsMap reports
	// it; the buffer pool does not read it.
	GpuOverhead = Uint64("DOPPLER_GPU_OVERHEAD", 0)
)

// =============================================================================
// Concurrency and pooling
// =============================================================================

var (
	// MaxInflightSubmits bounds concurrent GPU command submissions in flight.
	MaxInflightSubmits = Uint("DOPPLER_MAX_INFLIGHT_SUBMITS", 2)

	// ShardFetchConcurrency bounds concurrent weight shard reads during load.
	ShardFetchConcurrency = Uint("DOPPLER_SHARD_FETCH_CONCURRENCY", 4)

	// PoolEvictionHeadroom is the fraction (percent) of the pool budget kept
	// free before the LRU evictor starts reclaiming idle buffers.
	PoolEvictionHeadroom = Uint("DOPPLER_POOL_EVICTION_HEADROOM_PCT", 10)
)
