// Package kmeans implements Lloyd's algorithm for partition training.
package kmeans

import (
	"math"
	"math/rand"
	"sort"
)

// DistanceFunc computes a comparison distance between two vectors of equal length.
type DistanceFunc func(a, b []float32) float32

// Train trains k centroids from the given flattened vectors (n * dim) using
// Lloyd's algorithm. It returns the flattened centroids (k * dim).
// Returns nil if there are fewer vectors than requested centroids.
func Train(vectors []float32, dim, k, maxIter int, distFunc DistanceFunc, rng *rand.Rand) []float32 {
	n := len(vectors) / dim
	if n < k {
		return nil // Not enough vectors to cluster
	}

	centroids := make([]float32, k*dim)

	// Initialize centroids randomly from data points
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := nearest(vec, centroids, dim, distFunc)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		// Update step
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-initialize empty cluster with a random point
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids
}

// nearest finds the closest centroid index for a vector.
func nearest(vec, centroids []float32, dim int, distFunc DistanceFunc) int {
	k := len(centroids) / dim
	best := -1
	minDist := float32(math.MaxFloat32)

	for j := 0; j < k; j++ {
		center := centroids[j*dim : (j+1)*dim]
		d := distFunc(vec, center)
		if d < minDist {
			minDist = d
			best = j
		}
	}

	return best
}

// Assign finds the closest centroid for a vector.
func Assign(vec, centroids []float32, dim int, distFunc DistanceFunc) int {
	return nearest(vec, centroids, dim, distFunc)
}

type centroidDist struct {
	id   int
	dist float32
}

// Closest returns the indices of the n closest centroids to the query vector.
func Closest(query, centroids []float32, dim, n int, distFunc DistanceFunc) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		center := centroids[i*dim : (i+1)*dim]
		dists[i] = centroidDist{id: i, dist: distFunc(query, center)}
	}

	sort.Slice(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result
}
