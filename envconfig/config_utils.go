// config_utils.go - generic getter helpers and introspection
//
// This module contains:
// - BoolWithDefault/Bool: boolean getters with default value
// - String: string getter
// - Uint/Uint64: integer getters with default value
// - EnvVar: structure describing a single environment variable
// - AsMap/Values: introspection over all known configuration
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean getters
// =============================================================================

// BoolWithDefault returns a function reading a bool with an explicit default.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading a bool (default: false).
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String getter
// =============================================================================

// String returns a function reading a raw string value.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer getters
// =============================================================================

// Uint returns a function reading a uint with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a function reading a uint64 with a default value.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Introspection
// =============================================================================

// EnvVar describes a single environment variable and its resolved value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns all known configuration variables with their current values.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DOPPLER_DEBUG":                    {"DOPPLER_DEBUG", LogLevel(), "Log verbosity (0=info, 1=debug, 2=trace)"},
		"DOPPLER_MODELS":                   {"DOPPLER_MODELS", ModelsDir(), "Directory used to cache manifests and weight shards"},
		"DOPPLER_LOAD_TIMEOUT":             {"DOPPLER_LOAD_TIMEOUT", LoadTimeout(), "Maximum time to allow weight loading to stall"},
		"DOPPLER_REMOTES":                  {"DOPPLER_REMOTES", RemoteHosts(), "Hosts configured for remote manifest fetch (not checked by the fetch path)"},
		"DOPPLER_FUSED_QUANT":              {"DOPPLER_FUSED_QUANT", FusedQuant(true), "Enable fused Q4_K dequant+matmul kernel"},
		"DOPPLER_FORCE_CPU":                {"DOPPLER_FORCE_CPU", ForceCPU(), "Disable GPU backend selection"},
		"DOPPLER_SUBGROUPS":                {"DOPPLER_SUBGROUPS", Subgroups(true), "Enable subgroup gemv kernel variant"},
		"DOPPLER_ADAPTER_INDEX":            {"DOPPLER_ADAPTER_INDEX", AdapterIndex(), "WebGPU adapter index passed to gpu.Acquire (not used to choose the adapter)"},
		"DOPPLER_GPU_OVERHEAD":             {"DOPPLER_GPU_OVERHEAD", GpuOverhead(), "Device memory reservation in bytes (reported only; the buffer pool does not read it)"},
		"DOPPLER_MAX_INFLIGHT_SUBMITS":     {"DOPPLER_MAX_INFLIGHT_SUBMITS", MaxInflightSubmits(), "Bound concurrent GPU command submissions"},
		"DOPPLER_SHARD_FETCH_CONCURRENCY":  {"DOPPLER_SHARD_FETCH_CONCURRENCY", ShardFetchConcurrency(), "Bound concurrent weight shard reads"},
		"DOPPLER_POOL_EVICTION_HEADROOM_PCT": {"DOPPLER_POOL_EVICTION_HEADROOM_PCT", PoolEvictionHeadroom(), "Free-pool headroom percent before LRU eviction"},
	}
}

// Values returns all configuration values rendered as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
