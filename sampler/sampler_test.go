package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/kernel"
)

func TestSampleGreedyPicksArgmaxWithLowestIndexTieBreak(t *testing.T) {
	s := New(Options{Temp: 0})
	backend := kernel.NewCPUBackend()
	logits := kernel.NewTensor(kernel.F32, []int{4}, []float32{1, 3, 3, 0})

	id, err := s.Sample(context.Background(), backend, logits)
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestSampleIsDeterministicForFixedSeed(t *testing.T) {
	backend := kernel.NewCPUBackend()
	logits := kernel.NewTensor(kernel.F32, []int{5}, []float32{0.1, 0.2, 5, 0.05, 0.3})

	s1 := New(Options{Temp: 1, Seed: 42})
	s2 := New(Options{Temp: 1, Seed: 42})

	for i := 0; i < 10; i++ {
		id1, err := s1.Sample(context.Background(), backend, logits)
		require.NoError(t, err)
		id2, err := s2.Sample(context.Background(), backend, logits)
		require.NoError(t, err)
		require.Equal(t, id1, id2)
	}
}

func TestSampleTopKNarrowsToKCandidates(t *testing.T) {
	s := New(Options{Temp: 1, TopK: 1, Seed: 1})
	backend := kernel.NewCPUBackend()
	logits := kernel.NewTensor(kernel.F32, []int{4}, []float32{0, 10, 0, 0})

	for i := 0; i < 5; i++ {
		id, err := s.Sample(context.Background(), backend, logits)
		require.NoError(t, err)
		require.Equal(t, 1, id)
	}
}

func TestSampleLowTemperaturePromotesToGreedy(t *testing.T) {
	s := New(Options{Temp: 0.001})
	backend := kernel.NewCPUBackend()
	logits := kernel.NewTensor(kernel.F32, []int{3}, []float32{0, 9, 1})

	id, err := s.Sample(context.Background(), backend, logits)
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestSampleRejectsMultiRowLogits(t *testing.T) {
	s := New(Options{Temp: 1})
	backend := kernel.NewCPUBackend()
	logits := kernel.NewTensor(kernel.F32, []int{2, 3}, make([]float32, 6))

	_, err := s.Sample(context.Background(), backend, logits)
	require.Error(t, err)
}
