package searchrag

import (
	"errors"
	"fmt"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/persistence"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrUntrainedIndex is returned when a Clustered index is used before
	// training has completed.
	ErrUntrainedIndex = errors.New("index is not trained")

	// ErrInvalidVariant is returned when an unrecognized index variant is
	// requested at construction.
	ErrInvalidVariant = errors.New("invalid index variant")
)

// ErrArityMismatch indicates that Add was called with differing vector and
// record counts.
type ErrArityMismatch struct {
	Vectors int
	Records int
}

func (e *ErrArityMismatch) Error() string {
	return fmt.Sprintf("arity mismatch: %d vectors, %d records", e.Vectors, e.Records)
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidDimension struct {
	Dimension int
	cause     error
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func (e *ErrInvalidDimension) Unwrap() error { return e.cause }

// IsCorruption reports whether err indicates an invalid persisted snapshot,
// as opposed to an IO failure reading a valid one. A corrupt snapshot has no
// partial-recovery path; the index must be rebuilt from source data.
func IsCorruption(err error) bool {
	return persistence.IsCorruption(err)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	var id *index.ErrInvalidDimension
	if errors.As(err, &id) {
		return &ErrInvalidDimension{Dimension: id.Dimension, cause: err}
	}
	if errors.Is(err, index.ErrUntrained) {
		return fmt.Errorf("%w: %w", ErrUntrainedIndex, err)
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	return err
}
