package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/gpu"
)

func TestRecordSubmitIncrementsScopeCount(t *testing.T) {
	p := New(false)
	p.RecordSubmit(ScopeDecode)
	p.RecordSubmit(ScopeDecode)
	p.RecordSubmit(ScopePrefill)

	stats := p.Resolve()
	require.Equal(t, uint64(2), stats[ScopeDecode].Submits)
	require.Equal(t, uint64(1), stats[ScopePrefill].Submits)
	require.Equal(t, uint64(0), stats[ScopeOther].Submits)
}

func TestTrackAccumulatesWallTime(t *testing.T) {
	p := New(false)
	done := p.Track(ScopePrefill)
	time.Sleep(time.Millisecond)
	done()

	stats := p.Resolve()
	require.Greater(t, stats[ScopePrefill].WallTime, time.Duration(0))
}

func TestResolveGPUNoopWhenDebugOff(t *testing.T) {
	p := New(false)
	require.False(t, p.ResolveGPU(&gpu.Device{Features: gpu.Features{TimestampQuery: true}}))
}

func TestResolveGPURequiresTimestampFeature(t *testing.T) {
	p := New(true)
	require.False(t, p.ResolveGPU(&gpu.Device{Features: gpu.Features{TimestampQuery: false}}))
	require.True(t, p.ResolveGPU(&gpu.Device{Features: gpu.Features{TimestampQuery: true}}))
}

func TestResetClearsCounters(t *testing.T) {
	p := New(false)
	p.RecordSubmit(ScopeDecode)
	p.RecordReadback(ScopeDecode, 128)
	p.Reset()

	stats := p.Resolve()
	require.Equal(t, uint64(0), stats[ScopeDecode].Submits)
	require.Equal(t, uint64(0), stats[ScopeDecode].ReadbackBytes)
}
