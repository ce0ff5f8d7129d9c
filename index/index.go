// Package index provides interfaces and types for vector search indexes.
package index

import (
	"errors"
	"fmt"

	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// Variant identifies the index implementation behind the Index interface.
// A variant is chosen at construction and is fixed for the index's lifetime.
type Variant uint8

const (
	// VariantFlat is an exact brute-force index.
	VariantFlat Variant = iota + 1
	// VariantClustered is an approximate inverted-file index that requires
	// a training phase before the first add.
	VariantClustered
	// VariantGraph is an approximate proximity-graph index with no
	// training phase.
	VariantGraph
)

func (v Variant) String() string {
	switch v {
	case VariantFlat:
		return "Flat"
	case VariantClustered:
		return "Clustered"
	case VariantGraph:
		return "Graph"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(v))
	}
}

// Valid reports whether v is a recognized variant.
func (v Variant) Valid() bool {
	return v >= VariantFlat && v <= VariantGraph
}

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("k must be positive")

// ErrUntrained is returned when vectors are added to a Clustered index
// before training has completed.
var ErrUntrained = errors.New("index is not trained")

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ValidateDimension validates a configured index dimension.
func ValidateDimension(dimension int) error {
	if dimension <= 0 {
		return &ErrInvalidDimension{Dimension: dimension}
	}
	return nil
}

// SearchResult represents a single nearest-neighbor candidate.
type SearchResult struct {
	// Position is the dense, insertion-ordered identifier of the vector.
	Position uint32

	// Distance is the reported distance: Euclidean distance for L2, the
	// raw dot product for InnerProduct.
	Distance float32
}

// Index represents a vector search index.
//
// Positions are dense, zero-based and assigned in insertion order; they are
// never reused and remain stable across persistence round-trips.
type Index interface {
	// Variant returns the index variant tag.
	Variant() Variant

	// Metric returns the distance metric.
	Metric() metric.Metric

	// Dimension returns the fixed vector dimensionality.
	Dimension() int

	// Len returns the number of stored vectors.
	Len() int

	// Trained reports whether the index is ready to accept vectors.
	// Always true for variants without a training phase.
	Trained() bool

	// Train builds the partitioning structure from a representative
	// sample. Repeat calls and calls on variants without a training
	// phase are no-ops.
	Train(vectors [][]float32) error

	// Add appends vectors in order, assigning the next dense positions.
	// The call is all-or-nothing: on error no vector is added.
	Add(vectors [][]float32) error

	// Search returns up to k candidates ordered best-first. Searching an
	// empty index returns an empty result, not an error.
	Search(query []float32, k int) ([]SearchResult, error)

	// Vector returns the stored vector at the given position.
	Vector(position uint32) ([]float32, bool)

	// MarshalState returns the variant-specific state needed to restore
	// the index beyond its raw vectors (e.g. centroids, graph seeds).
	MarshalState() ([]byte, error)

	// UnmarshalState restores variant-specific state. It must be called
	// on an empty index, before vectors are re-added.
	UnmarshalState(data []byte) error
}
