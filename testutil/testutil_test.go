package testutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

func TestRNGReset(t *testing.T) {
	rng := NewRNG(42)

	first := rng.UniformVectors(5, 8)
	rng.Reset()
	second := rng.UniformVectors(5, 8)

	assert.Equal(t, first, second)
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(7)

	for _, v := range rng.UnitVectors(10, 16) {
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}
}

func TestExactTopK(t *testing.T) {
	dataset := [][]float32{
		{0, 0},
		{3, 4},
		{1, 0},
	}

	got := ExactTopK([]float32{0, 0}, dataset, 2, metric.MetricL2)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(0), got[0].Position)
	assert.Equal(t, float32(0), got[0].Distance)
	assert.Equal(t, uint32(2), got[1].Position)
	assert.InDelta(t, 1.0, got[1].Distance, 1e-6)

	// k beyond the dataset returns everything.
	got = ExactTopK([]float32{0, 0}, dataset, 10, metric.MetricL2)
	assert.Len(t, got, 3)
}

func TestComputeRecall(t *testing.T) {
	exact := []SearchResult{{Position: 1}, {Position: 2}, {Position: 3}, {Position: 4}}
	approx := []SearchResult{{Position: 1}, {Position: 2}, {Position: 9}, {Position: 4}}

	assert.InDelta(t, 0.75, ComputeRecall(approx, exact), 1e-9)
	assert.Equal(t, 1.0, ComputeRecall(nil, nil))
}
