// Package testutil provides testing utilities: deterministic random vector
// generation, exact ground-truth search and recall computation.
//
// This package is intended for use in tests and benchmarks only.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/mariusxmarius-guzi/excel-search-rag/internal/math32"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// SearchResult is a ground-truth search result.
type SearchResult struct {
	Position uint32
	Distance float32
}

// RNG encapsulates a seeded random number generator.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}

	return vectors
}

// GaussianVectors generates random vectors with values from a standard
// normal distribution.
func (r *RNG) GaussianVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = float32(r.rand.NormFloat64())
		}
		vectors[i] = vec
	}

	return vectors
}

// UnitVectors generates L2-normalized random vectors on the hypersphere.
// Required for InnerProduct indexes, where normalization is a caller
// precondition.
func (r *RNG) UnitVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vectors[i] = r.unitVectorLocked(data[i*dimensions : (i+1)*dimensions])
	}

	return vectors
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(make([]float32, dimensions))
}

func (r *RNG) unitVectorLocked(vec []float32) []float32 {
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}

	if norm == 0 {
		norm = 1
	}

	math32.ScaleInPlace(vec, float32(1.0/math.Sqrt(norm)))
	return vec
}

// ClusteredVectors generates vectors grouped around random unit centroids
// with Gaussian noise. Useful for exercising partitioned indexes on
// non-uniform data.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)

	for i := range num {
		centroid := centroids[i%clusters]
		vec := data[i*dim : (i+1)*dim]
		for j := range dim {
			vec[j] = centroid[j] + float32(r.rand.NormFloat64())*spread
		}
		vectors[i] = vec
	}

	return vectors
}

// ExactTopK computes the exact k nearest neighbors of query over dataset
// using the given metric, as ground truth for recall checks. Distances are
// the reported form (Euclidean for L2, raw dot product for InnerProduct).
func ExactTopK(query []float32, dataset [][]float32, k int, m metric.Metric) []SearchResult {
	distFunc, err := metric.Provider(m)
	if err != nil {
		panic(err)
	}

	results := make([]SearchResult, 0, len(dataset))
	for i, vec := range dataset {
		results = append(results, SearchResult{
			Position: uint32(i),
			Distance: distFunc(query, vec),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Position < results[j].Position
	})

	if k < len(results) {
		results = results[:k]
	}
	for i := range results {
		results[i].Distance = metric.FinalizeDistance(m, results[i].Distance)
	}

	return results
}

// ComputeRecall returns the fraction of exact results present in the
// approximate results, in [0, 1].
func ComputeRecall(approx, exact []SearchResult) float64 {
	if len(exact) == 0 {
		return 1.0
	}

	found := make(map[uint32]struct{}, len(approx))
	for _, r := range approx {
		found[r.Position] = struct{}{}
	}

	hits := 0
	for _, r := range exact {
		if _, ok := found[r.Position]; ok {
			hits++
		}
	}

	return float64(hits) / float64(len(exact))
}
