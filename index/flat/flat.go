// Package flat provides an exact brute-force index for vector storage and search.
package flat

import (
	"container/heap"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/internal/queue"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// Compile-time check to ensure Flat satisfies the index interface.
var _ index.Index = (*Flat)(nil)

// Options contains configuration options for the flat index.
type Options struct {
	// ParallelThreshold is the vector count above which searches scan the
	// index with one worker per CPU. Set to 0 to disable parallel scans.
	ParallelThreshold int
}

// DefaultOptions contains the default configuration options for the flat index.
var DefaultOptions = Options{
	ParallelThreshold: 4096,
}

// Flat represents an exact brute-force index. Every search computes the
// distance to every stored vector, so results are deterministic exact top-k.
type Flat struct {
	mu        sync.RWMutex
	dimension int
	m         metric.Metric
	distFunc  metric.Func
	data      []float32 // contiguous vectors, count * dimension
	count     int
	opts      Options
}

// New creates a new flat index with the given dimension and metric.
func New(dimension int, m metric.Metric, optFns ...func(o *Options)) (*Flat, error) {
	if err := index.ValidateDimension(dimension); err != nil {
		return nil, err
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	distFunc, err := metric.Provider(m)
	if err != nil {
		return nil, err
	}

	return &Flat{
		dimension: dimension,
		m:         m,
		distFunc:  distFunc,
		opts:      opts,
	}, nil
}

// Variant returns the index variant tag.
func (f *Flat) Variant() index.Variant { return index.VariantFlat }

// Metric returns the distance metric.
func (f *Flat) Metric() metric.Metric { return f.m }

// Dimension returns the fixed vector dimensionality.
func (f *Flat) Dimension() int { return f.dimension }

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Trained always reports true; the flat index has no training phase.
func (f *Flat) Trained() bool { return true }

// Train is a no-op for the flat index.
func (f *Flat) Train([][]float32) error { return nil }

// Add appends vectors in order, assigning the next dense positions.
// The call is all-or-nothing: dimensions are validated before any append.
func (f *Flat) Add(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != f.dimension {
			return &index.ErrDimensionMismatch{Expected: f.dimension, Actual: len(v)}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	f.count += len(vectors)

	return nil
}

// Vector returns the stored vector at the given position.
// The returned slice aliases internal memory and must be treated as read-only.
func (f *Flat) Vector(position uint32) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if int(position) >= f.count {
		return nil, false
	}
	off := int(position) * f.dimension
	return f.data[off : off+f.dimension], true
}

// Search performs an exact K-nearest neighbor search.
func (f *Flat) Search(query []float32, k int) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return nil, nil
	}
	if len(query) != f.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: f.dimension, Actual: len(query)}
	}

	actualK := k
	if actualK > f.count {
		actualK = f.count
	}

	var items []queue.PriorityQueueItem
	if f.opts.ParallelThreshold > 0 && f.count >= f.opts.ParallelThreshold {
		items = f.scanParallel(query, actualK)
	} else {
		items = f.scanRange(query, 0, f.count, actualK)
	}

	// Deterministic ordering: ascending ranking distance, then position.
	sort.Slice(items, func(i, j int) bool {
		if items[i].Distance != items[j].Distance {
			return items[i].Distance < items[j].Distance
		}
		return items[i].Position < items[j].Position
	})
	if len(items) > actualK {
		items = items[:actualK]
	}

	results := make([]index.SearchResult, len(items))
	for i, item := range items {
		results[i] = index.SearchResult{
			Position: item.Position,
			Distance: metric.FinalizeDistance(f.m, item.Distance),
		}
	}
	return results, nil
}

// scanRange computes the top-k candidates within [lo, hi).
// Caller holds at least the read lock.
func (f *Flat) scanRange(query []float32, lo, hi, k int) []queue.PriorityQueueItem {
	top := queue.NewMax(k)
	heap.Init(top)

	for i := lo; i < hi; i++ {
		vec := f.data[i*f.dimension : (i+1)*f.dimension]
		dist := f.distFunc(query, vec)

		if top.Len() < k {
			heap.Push(top, queue.PriorityQueueItem{Position: uint32(i), Distance: dist})
			continue
		}
		if largest := top.Top().(queue.PriorityQueueItem); dist < largest.Distance {
			heap.Pop(top)
			heap.Push(top, queue.PriorityQueueItem{Position: uint32(i), Distance: dist})
		}
	}

	items := make([]queue.PriorityQueueItem, 0, top.Len())
	for top.Len() > 0 {
		items = append(items, heap.Pop(top).(queue.PriorityQueueItem))
	}
	return items
}

// scanParallel shards the scan across CPUs and merges the per-shard top-k.
func (f *Flat) scanParallel(query []float32, k int) []queue.PriorityQueueItem {
	workers := runtime.GOMAXPROCS(0)
	if workers > f.count {
		workers = f.count
	}

	shards := make([][]queue.PriorityQueueItem, workers)
	chunk := (f.count + workers - 1) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > f.count {
			hi = f.count
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			shards[lo/chunk] = f.scanRange(query, lo, hi, k)
			return nil
		})
	}
	_ = g.Wait() // scanRange never fails

	var merged []queue.PriorityQueueItem
	for _, shard := range shards {
		merged = append(merged, shard...)
	}
	return merged
}

// MarshalState returns nil; the flat index has no state beyond its vectors.
func (f *Flat) MarshalState() ([]byte, error) { return nil, nil }

// UnmarshalState is a no-op for the flat index.
func (f *Flat) UnmarshalState([]byte) error { return nil }
