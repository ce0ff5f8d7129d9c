// Package metric provides distance metrics, similarity scoring and vector
// normalization helpers for the retrieval engine.
package metric

import (
	"fmt"
	"slices"

	"github.com/mariusxmarius-guzi/excel-search-rag/internal/math32"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	// MetricL2 is the Euclidean distance metric.
	MetricL2 Metric = iota
	// MetricInnerProduct is the dot-product similarity metric.
	//
	// Both stored and query vectors must be L2-normalized by the caller so
	// that the raw value behaves as cosine similarity. The index does not
	// normalize internally and does not check this precondition.
	MetricInnerProduct
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricInnerProduct:
		return "InnerProduct"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Valid reports whether m is a recognized metric.
func (m Metric) Valid() bool {
	return m == MetricL2 || m == MetricInnerProduct
}

// Func is a function type for ranking-distance calculation.
//
// The returned value orders candidates ascending: squared L2 for MetricL2,
// negated dot product for MetricInnerProduct.
type Func func(a, b []float32) float32

// Provider returns the ranking-distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return math32.SquaredL2, nil
	case MetricInnerProduct:
		return negatedDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

func negatedDot(a, b []float32) float32 {
	return -math32.Dot(a, b)
}

// FinalizeDistance converts an internal ranking distance into the distance
// reported to callers: true Euclidean distance for MetricL2, the raw dot
// product for MetricInnerProduct.
func FinalizeDistance(m Metric, d float32) float32 {
	switch m {
	case MetricInnerProduct:
		return -d
	default:
		return math32.Sqrt(d)
	}
}

// Score converts a reported distance into a bounded similarity score.
//
// For MetricL2 the score is 1/(1+distance), in (0, 1] with 1.0 only at
// distance 0. For MetricInnerProduct the raw value is the score, read as
// cosine similarity in [-1, 1] on normalized vectors.
func Score(m Metric, distance float32) float32 {
	if m == MetricInnerProduct {
		return distance
	}
	return 1.0 / (1.0 + distance)
}

// Magnitude calculates the magnitude (length) of a float32 slice.
func Magnitude(v []float32) float32 {
	return math32.Sqrt(math32.Dot(v, v))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := math32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / math32.Sqrt(norm2)
	math32.ScaleInPlace(v, inv)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
