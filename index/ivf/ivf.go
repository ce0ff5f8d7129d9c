// Package ivf provides a clustered (inverted-file) index for approximate
// vector search. The index must be trained on a representative sample
// before the first add; searches probe only the nearest partitions.
package ivf

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/internal/kmeans"
	"github.com/mariusxmarius-guzi/excel-search-rag/internal/queue"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// Compile-time check to ensure IVF satisfies the index interface.
var _ index.Index = (*IVF)(nil)

// ErrEmptyTrainingSet is returned when Train is called without vectors.
var ErrEmptyTrainingSet = errors.New("ivf: training requires at least one vector")

// Options contains configuration options for the clustered index.
type Options struct {
	// NList is the number of partitions built during training.
	// When the training sample is smaller than NList, the partition count
	// is clamped to the sample size.
	NList int

	// NProbe is the number of nearest partitions scanned per query.
	// Clamped to the trained partition count.
	NProbe int

	// MaxIter bounds the Lloyd's iterations during training.
	MaxIter int

	// Seed feeds centroid initialization. A fixed seed keeps training
	// deterministic for a given sample.
	Seed int64
}

// DefaultOptions contains the default configuration options for the clustered index.
var DefaultOptions = Options{
	NList:   100,
	NProbe:  10,
	MaxIter: 25,
	Seed:    1,
}

// IVF represents a clustered index: vectors are bucketed by their nearest
// trained centroid and queries scan only the closest NProbe buckets.
// The trade is recall for speed; the true top-k may be missed.
type IVF struct {
	mu        sync.RWMutex
	dimension int
	m         metric.Metric
	distFunc  metric.Func
	opts      Options

	trained   bool
	nlist     int       // effective partition count after training
	centroids []float32 // nlist * dimension
	lists     [][]uint32

	data  []float32
	count int
}

// New creates a new clustered index with the given dimension and metric.
func New(dimension int, m metric.Metric, optFns ...func(o *Options)) (*IVF, error) {
	if err := index.ValidateDimension(dimension); err != nil {
		return nil, err
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NList <= 0 {
		return nil, fmt.Errorf("ivf: invalid NList: %d", opts.NList)
	}
	if opts.NProbe <= 0 {
		return nil, fmt.Errorf("ivf: invalid NProbe: %d", opts.NProbe)
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultOptions.MaxIter
	}

	distFunc, err := metric.Provider(m)
	if err != nil {
		return nil, err
	}

	return &IVF{
		dimension: dimension,
		m:         m,
		distFunc:  distFunc,
		opts:      opts,
	}, nil
}

// Variant returns the index variant tag.
func (ix *IVF) Variant() index.Variant { return index.VariantClustered }

// Metric returns the distance metric.
func (ix *IVF) Metric() metric.Metric { return ix.m }

// Dimension returns the fixed vector dimensionality.
func (ix *IVF) Dimension() int { return ix.dimension }

// Len returns the number of stored vectors.
func (ix *IVF) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// Trained reports whether training has completed at least once.
func (ix *IVF) Trained() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.trained
}

// Train builds the partition centroids from a representative sample.
// Repeat calls after a successful training are no-ops.
func (ix *IVF) Train(vectors [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.trained {
		return nil
	}
	if len(vectors) == 0 {
		return ErrEmptyTrainingSet
	}
	for _, v := range vectors {
		if len(v) != ix.dimension {
			return &index.ErrDimensionMismatch{Expected: ix.dimension, Actual: len(v)}
		}
	}

	nlist := ix.opts.NList
	if len(vectors) < nlist {
		nlist = len(vectors)
	}

	flatSample := make([]float32, 0, len(vectors)*ix.dimension)
	for _, v := range vectors {
		flatSample = append(flatSample, v...)
	}

	rng := rand.New(rand.NewSource(ix.opts.Seed))
	centroids := kmeans.Train(flatSample, ix.dimension, nlist, ix.opts.MaxIter, kmeans.DistanceFunc(ix.distFunc), rng)
	if centroids == nil {
		return fmt.Errorf("ivf: training failed for %d vectors, %d partitions", len(vectors), nlist)
	}

	ix.centroids = centroids
	ix.nlist = nlist
	ix.lists = make([][]uint32, nlist)
	ix.trained = true

	return nil
}

// Add appends vectors in order, assigning the next dense positions and
// bucketing each vector by its nearest centroid.
// Fails with ErrUntrained before the first successful Train.
func (ix *IVF) Add(vectors [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.trained {
		return index.ErrUntrained
	}
	for _, v := range vectors {
		if len(v) != ix.dimension {
			return &index.ErrDimensionMismatch{Expected: ix.dimension, Actual: len(v)}
		}
	}

	for _, v := range vectors {
		position := uint32(ix.count)
		ix.data = append(ix.data, v...)
		ix.count++

		part := kmeans.Assign(v, ix.centroids, ix.dimension, kmeans.DistanceFunc(ix.distFunc))
		ix.lists[part] = append(ix.lists[part], position)
	}

	return nil
}

// Vector returns the stored vector at the given position.
// The returned slice aliases internal memory and must be treated as read-only.
func (ix *IVF) Vector(position uint32) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if int(position) >= ix.count {
		return nil, false
	}
	off := int(position) * ix.dimension
	return ix.data[off : off+ix.dimension], true
}

// Search performs an approximate K-nearest neighbor search over the NProbe
// partitions nearest to the query.
func (ix *IVF) Search(query []float32, k int) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.count == 0 {
		return nil, nil
	}
	if len(query) != ix.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: ix.dimension, Actual: len(query)}
	}

	nprobe := ix.opts.NProbe
	if nprobe > ix.nlist {
		nprobe = ix.nlist
	}
	parts := kmeans.Closest(query, ix.centroids, ix.dimension, nprobe, kmeans.DistanceFunc(ix.distFunc))

	actualK := k
	if actualK > ix.count {
		actualK = ix.count
	}

	top := queue.NewMax(actualK)
	heap.Init(top)

	for _, part := range parts {
		for _, position := range ix.lists[part] {
			off := int(position) * ix.dimension
			dist := ix.distFunc(query, ix.data[off:off+ix.dimension])

			if top.Len() < actualK {
				heap.Push(top, queue.PriorityQueueItem{Position: position, Distance: dist})
				continue
			}
			if largest := top.Top().(queue.PriorityQueueItem); dist < largest.Distance {
				heap.Pop(top)
				heap.Push(top, queue.PriorityQueueItem{Position: position, Distance: dist})
			}
		}
	}

	items := make([]queue.PriorityQueueItem, 0, top.Len())
	for top.Len() > 0 {
		items = append(items, heap.Pop(top).(queue.PriorityQueueItem))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Distance != items[j].Distance {
			return items[i].Distance < items[j].Distance
		}
		return items[i].Position < items[j].Position
	})

	results := make([]index.SearchResult, len(items))
	for i, item := range items {
		results[i] = index.SearchResult{
			Position: item.Position,
			Distance: metric.FinalizeDistance(ix.m, item.Distance),
		}
	}
	return results, nil
}

// stateVersion guards the MarshalState layout.
const stateVersion = 1

// MarshalState encodes the trained centroids and probe configuration.
func (ix *IVF) MarshalState() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var buf bytes.Buffer
	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	w(uint8(stateVersion))
	trained := uint8(0)
	if ix.trained {
		trained = 1
	}
	w(trained)
	w(uint32(ix.nlist))
	w(uint32(ix.opts.NProbe))
	for _, c := range ix.centroids {
		w(math.Float32bits(c))
	}

	return buf.Bytes(), nil
}

// UnmarshalState restores trained centroids into an empty index.
// Vectors must be re-added afterwards; bucket assignment is deterministic
// given the centroids.
func (ix *IVF) UnmarshalState(data []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.count != 0 {
		return errors.New("ivf: state restore requires an empty index")
	}

	r := bytes.NewReader(data)
	var version, trained uint8
	var nlist, nprobe uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("ivf: corrupt state: %w", err)
	}
	if version != stateVersion {
		return fmt.Errorf("ivf: unsupported state version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &trained); err != nil {
		return fmt.Errorf("ivf: corrupt state: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nlist); err != nil {
		return fmt.Errorf("ivf: corrupt state: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nprobe); err != nil {
		return fmt.Errorf("ivf: corrupt state: %w", err)
	}

	if trained == 0 {
		return nil
	}

	centroids := make([]float32, int(nlist)*ix.dimension)
	if err := binary.Read(r, binary.LittleEndian, centroids); err != nil {
		return fmt.Errorf("ivf: corrupt centroid block: %w", err)
	}

	ix.trained = true
	ix.nlist = int(nlist)
	ix.opts.NProbe = int(nprobe)
	ix.centroids = centroids
	ix.lists = make([][]uint32, nlist)

	return nil
}
