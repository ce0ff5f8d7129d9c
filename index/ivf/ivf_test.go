package ivf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
	"github.com/mariusxmarius-guzi/excel-search-rag/testutil"
)

func newTrained(t *testing.T, dim int, sample [][]float32, optFns ...func(o *Options)) *IVF {
	t.Helper()

	ix, err := New(dim, metric.MetricL2, optFns...)
	require.NoError(t, err)
	require.NoError(t, ix.Train(sample))
	return ix
}

func TestAddBeforeTrain(t *testing.T) {
	ix, err := New(4, metric.MetricL2)
	require.NoError(t, err)
	assert.False(t, ix.Trained())

	err = ix.Add([][]float32{{1, 0, 0, 0}})
	assert.ErrorIs(t, err, index.ErrUntrained)
}

func TestTrainEmptySample(t *testing.T) {
	ix, err := New(4, metric.MetricL2)
	require.NoError(t, err)

	assert.ErrorIs(t, ix.Train(nil), ErrEmptyTrainingSet)
}

func TestTrainIdempotent(t *testing.T) {
	rng := testutil.NewRNG(3)
	sample := rng.UniformVectors(32, 8)

	ix := newTrained(t, 8, sample, func(o *Options) { o.NList = 4 })
	require.True(t, ix.Trained())

	// A second Train is a no-op, even with an empty sample.
	assert.NoError(t, ix.Train(nil))
	assert.True(t, ix.Trained())
}

func TestTrainClampsPartitions(t *testing.T) {
	rng := testutil.NewRNG(9)
	sample := rng.UniformVectors(3, 4)

	// NList larger than the sample clamps to the sample size.
	ix := newTrained(t, 4, sample, func(o *Options) { o.NList = 100 })
	require.NoError(t, ix.Add(sample))

	results, err := ix.Search(sample[0], 3)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSearchEmpty(t *testing.T) {
	rng := testutil.NewRNG(5)
	ix := newTrained(t, 4, rng.UniformVectors(10, 4), func(o *Options) { o.NList = 2 })

	results, err := ix.Search([]float32{0, 0, 0, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFullProbeMatchesExact(t *testing.T) {
	const dim, n, k = 8, 120, 10

	rng := testutil.NewRNG(21)
	vectors := rng.ClusteredVectors(n, dim, 6, 0.05)

	// Probing every partition turns the scan exhaustive, so results must
	// equal the exact ground truth.
	ix := newTrained(t, dim, vectors, func(o *Options) {
		o.NList = 6
		o.NProbe = 6
	})
	require.NoError(t, ix.Add(vectors))

	query := rng.UnitVector(dim)
	results, err := ix.Search(query, k)
	require.NoError(t, err)

	exact := testutil.ExactTopK(query, vectors, k, metric.MetricL2)
	require.Len(t, results, len(exact))
	for i := range exact {
		assert.Equal(t, exact[i].Position, results[i].Position)
		assert.InDelta(t, exact[i].Distance, results[i].Distance, 1e-5)
	}
}

func TestPartialProbeRecall(t *testing.T) {
	const dim, n, k = 8, 500, 10

	rng := testutil.NewRNG(33)
	vectors := rng.ClusteredVectors(n, dim, 10, 0.05)

	ix := newTrained(t, dim, vectors, func(o *Options) {
		o.NList = 10
		o.NProbe = 4
	})
	require.NoError(t, ix.Add(vectors))

	query := vectors[0]
	results, err := ix.Search(query, k)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The query vector itself lives in a probed partition.
	assert.Equal(t, uint32(0), results[0].Position)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-5)

	approx := make([]testutil.SearchResult, len(results))
	for i, r := range results {
		approx[i] = testutil.SearchResult{Position: r.Position, Distance: r.Distance}
	}
	exact := testutil.ExactTopK(query, vectors, k, metric.MetricL2)
	assert.GreaterOrEqual(t, testutil.ComputeRecall(approx, exact), 0.5)
}

func TestStateRoundTrip(t *testing.T) {
	const dim, n, k = 8, 100, 5

	rng := testutil.NewRNG(17)
	vectors := rng.UniformVectors(n, dim)

	ix := newTrained(t, dim, vectors, func(o *Options) {
		o.NList = 8
		o.NProbe = 3
	})
	require.NoError(t, ix.Add(vectors))

	state, err := ix.MarshalState()
	require.NoError(t, err)

	restored, err := New(dim, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalState(state))
	assert.True(t, restored.Trained())
	require.NoError(t, restored.Add(vectors))

	query := rng.UnitVector(dim)
	want, err := ix.Search(query, k)
	require.NoError(t, err)
	got, err := restored.Search(query, k)
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestUnmarshalStateRejectsNonEmpty(t *testing.T) {
	rng := testutil.NewRNG(2)
	vectors := rng.UniformVectors(10, 4)

	ix := newTrained(t, 4, vectors, func(o *Options) { o.NList = 2 })
	require.NoError(t, ix.Add(vectors))

	state, err := ix.MarshalState()
	require.NoError(t, err)

	assert.Error(t, ix.UnmarshalState(state))
}

func TestUnmarshalStateCorrupt(t *testing.T) {
	ix, err := New(4, metric.MetricL2)
	require.NoError(t, err)

	assert.Error(t, ix.UnmarshalState([]byte{}))
	assert.Error(t, ix.UnmarshalState([]byte{99}))
}
