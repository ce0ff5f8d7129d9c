// Package hnsw provides a graph index for approximate vector search based on
// Hierarchical Navigable Small World graphs. Insertion builds a layered
// proximity graph; searches greedily descend from the top layer and run a
// bounded best-first traversal on the bottom layer.
package hnsw

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

	"github.com/bits-and-blooms/bitset"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/internal/queue"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// Compile-time check to ensure HNSW satisfies the index interface.
var _ index.Index = (*HNSW)(nil)

// Options represents the options for configuring the graph index.
type Options struct {
	// M specifies the number of established connections for every new element
	// during construction. The range M=12-48 is ok for most use cases; higher
	// M works better on datasets with high intrinsic dimensionality.
	M int

	// EFConstruction specifies the size of the dynamic candidate list while
	// building the graph. Larger values improve graph quality at the cost of
	// slower inserts.
	EFConstruction int

	// EFSearch specifies the size of the dynamic candidate list during
	// searches. Larger values improve recall at the cost of search time.
	// Searches always use at least k candidates.
	EFSearch int

	// Heuristic selects the neighbour-selection strategy: the diversity
	// heuristic (true) or plain nearest-M (false).
	Heuristic bool

	// Seed feeds layer assignment. Rebuilding a graph from the same vectors
	// in the same order with the same seed reproduces it exactly.
	Seed int64
}

// DefaultOptions contains the default configuration options for the graph index.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	Heuristic:      true,
	Seed:           1,
}

// node is a single element of the graph. Its position in HNSW.nodes is the
// dense identifier exposed through the index interface.
type node struct {
	vector      []float32
	connections [][]uint32 // per-layer neighbour lists
	layer       int
}

// HNSW represents the hierarchical navigable small world graph.
type HNSW struct {
	mu        sync.RWMutex
	dimension int
	m         metric.Metric
	distFunc  metric.Func

	mmax     int     // max connections per element per layer
	mmax0    int     // max for layer 0
	ml       float64 // normalization factor for layer generation
	ep       uint32  // entry point
	maxLayer int

	nodes []*node
	rng   *rand.Rand

	opts Options
}

// New creates a new graph index with the given dimension and metric.
func New(dimension int, m metric.Metric, optFns ...func(o *Options)) (*HNSW, error) {
	if err := index.ValidateDimension(dimension); err != nil {
		return nil, err
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M <= 1 {
		// M == 1 would make the layer normalization 1/log(1) blow up.
		opts.M = 2
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultOptions.EFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultOptions.EFSearch
	}

	distFunc, err := metric.Provider(m)
	if err != nil {
		return nil, err
	}

	return &HNSW{
		dimension: dimension,
		m:         m,
		distFunc:  distFunc,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		rng:       rand.New(rand.NewSource(opts.Seed)),
		opts:      opts,
	}, nil
}

// Variant returns the index variant tag.
func (h *HNSW) Variant() index.Variant { return index.VariantGraph }

// Metric returns the distance metric.
func (h *HNSW) Metric() metric.Metric { return h.m }

// Dimension returns the fixed vector dimensionality.
func (h *HNSW) Dimension() int { return h.dimension }

// Len returns the number of stored vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Trained always reports true; the graph index has no training phase.
func (h *HNSW) Trained() bool { return true }

// Train is a no-op for the graph index.
func (h *HNSW) Train([][]float32) error { return nil }

// Add appends vectors in order, assigning the next dense positions.
// The call is all-or-nothing: dimensions are validated before any insert.
func (h *HNSW) Add(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != h.dimension {
			return &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, v := range vectors {
		h.insert(v)
	}

	return nil
}

// Vector returns the stored vector at the given position.
// The returned slice aliases internal memory and must be treated as read-only.
func (h *HNSW) Vector(position uint32) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if int(position) >= len(h.nodes) {
		return nil, false
	}
	return h.nodes[position].vector, true
}

// insert adds a single element to the graph. Caller holds the write lock.
func (h *HNSW) insert(v []float32) {
	vec := make([]float32, len(v))
	copy(vec, v)

	id := uint32(len(h.nodes))
	layer := int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))

	nd := &node{
		vector:      vec,
		layer:       layer,
		connections: make([][]uint32, layer+1),
	}

	if len(h.nodes) == 0 {
		h.nodes = append(h.nodes, nd)
		h.ep = id
		h.maxLayer = layer
		return
	}

	// Greedy descent through the layers above the new element's layer.
	currID, currDist := h.descend(vec, h.ep, h.maxLayer, layer+1)

	for level := min(layer, h.maxLayer); level >= 0; level-- {
		candidates := h.searchLayer(vec, currID, currDist, h.opts.EFConstruction, level)

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(candidates, h.opts.M)
		} else {
			selectNeighboursSimple(candidates, h.opts.M)
		}

		nd.connections[level] = make([]uint32, candidates.Len())
		for i := candidates.Len() - 1; i >= 0; i-- {
			item := heap.Pop(candidates).(queue.PriorityQueueItem)
			nd.connections[level][i] = item.Position
			if i == 0 {
				// Best candidate becomes the entry point for the next layer down.
				currID, currDist = item.Position, item.Distance
			}
		}
	}

	h.nodes = append(h.nodes, nd)

	// Back-link the neighbours, making the new element visible.
	for level := min(layer, h.maxLayer); level >= 0; level-- {
		for _, neighbour := range nd.connections[level] {
			h.link(neighbour, id, level)
		}
	}

	if layer > h.maxLayer {
		h.ep = id
		h.maxLayer = layer
	}
}

// descend greedily walks from the entry point down to targetLevel, following
// strictly improving edges, and returns the closest element found.
func (h *HNSW) descend(q []float32, epID uint32, fromLevel, targetLevel int) (uint32, float32) {
	currID := epID
	currDist := h.distFunc(q, h.nodes[currID].vector)

	for level := fromLevel; level >= targetLevel; level-- {
		changed := true
		for changed {
			changed = false

			curr := h.nodes[currID]
			if level >= len(curr.connections) {
				continue
			}
			for _, nid := range curr.connections[level] {
				if d := h.distFunc(q, h.nodes[nid].vector); d < currDist {
					currID = nid
					currDist = d
					changed = true
				}
			}
		}
	}

	return currID, currDist
}

// searchLayer runs a bounded best-first traversal on one layer and returns a
// max-heap of up to ef candidates.
func (h *HNSW) searchLayer(q []float32, epID uint32, epDist float32, ef, level int) *queue.PriorityQueue {
	var visited bitset.BitSet
	visited.Set(uint(epID))

	candidates := queue.NewMin(ef)
	heap.Init(candidates)
	heap.Push(candidates, queue.PriorityQueueItem{Position: epID, Distance: epDist})

	top := queue.NewMax(ef)
	heap.Init(top)
	heap.Push(top, queue.PriorityQueueItem{Position: epID, Distance: epDist})

	for candidates.Len() > 0 {
		lowerBound := top.Top().(queue.PriorityQueueItem).Distance

		candidate := heap.Pop(candidates).(queue.PriorityQueueItem)
		if candidate.Distance > lowerBound {
			break
		}

		nd := h.nodes[candidate.Position]
		if level >= len(nd.connections) {
			continue
		}

		for _, nid := range nd.connections[level] {
			if visited.Test(uint(nid)) {
				continue
			}
			visited.Set(uint(nid))

			distance := h.distFunc(q, h.nodes[nid].vector)
			item := queue.PriorityQueueItem{Position: nid, Distance: distance}

			if top.Len() < ef {
				heap.Push(top, item)
				heap.Push(candidates, item)
			} else if top.Top().(queue.PriorityQueueItem).Distance > distance {
				heap.Pop(top)
				heap.Push(top, item)
				heap.Push(candidates, item)
			}
		}
	}

	return top
}

// link connects first -> second on the given level, pruning back to the
// connection budget when the neighbour list overflows.
func (h *HNSW) link(first, second uint32, level int) {
	maxConnections := h.mmax
	// The bottom layer allows double the connections.
	if level == 0 {
		maxConnections = h.mmax0
	}

	nd := h.nodes[first]
	if level >= len(nd.connections) {
		return
	}
	nd.connections[level] = append(nd.connections[level], second)

	if len(nd.connections[level]) <= maxConnections {
		return
	}

	top := queue.NewMax(len(nd.connections[level]))
	heap.Init(top)
	for _, nid := range nd.connections[level] {
		heap.Push(top, queue.PriorityQueueItem{
			Position: nid,
			Distance: h.distFunc(nd.vector, h.nodes[nid].vector),
		})
	}

	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(top, maxConnections)
	} else {
		selectNeighboursSimple(top, maxConnections)
	}

	nd.connections[level] = make([]uint32, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item := heap.Pop(top).(queue.PriorityQueueItem)
		nd.connections[level][i] = item.Position
	}
}

// selectNeighboursSimple keeps the nearest M candidates.
func selectNeighboursSimple(top *queue.PriorityQueue, m int) {
	for top.Len() > m {
		_ = heap.Pop(top)
	}
}

// selectNeighboursHeuristic keeps up to M candidates favouring diversity: a
// candidate is skipped when it sits closer to an already selected neighbour
// than to the base element. top must be a max-heap; it is refilled with the
// selection.
func (h *HNSW) selectNeighboursHeuristic(top *queue.PriorityQueue, m int) {
	if top.Len() < m {
		return
	}

	// Re-heap into ascending order so the closest candidates are
	// considered first.
	working := queue.NewMin(top.Len())
	heap.Init(working)
	for top.Len() > 0 {
		heap.Push(working, heap.Pop(top).(queue.PriorityQueueItem))
	}

	spill := queue.NewMin(m)
	heap.Init(spill)

	selected := make([]queue.PriorityQueueItem, 0, m)

	for working.Len() > 0 && len(selected) < m {
		item := heap.Pop(working).(queue.PriorityQueueItem)

		keep := true
		for _, s := range selected {
			if h.distFunc(h.nodes[s.Position].vector, h.nodes[item.Position].vector) < item.Distance {
				keep = false
				break
			}
		}

		if keep {
			selected = append(selected, item)
		} else {
			heap.Push(spill, item)
		}
	}

	for len(selected) < m && spill.Len() > 0 {
		selected = append(selected, heap.Pop(spill).(queue.PriorityQueueItem))
	}

	for _, item := range selected {
		heap.Push(top, item)
	}
}

// Search performs an approximate K-nearest neighbor search via greedy descent
// and a bounded bottom-layer traversal.
func (h *HNSW) Search(query []float32, k int) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil, nil
	}
	if len(query) != h.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(query)}
	}

	ef := h.opts.EFSearch
	if ef < k {
		ef = k
	}

	epID, epDist := h.descend(query, h.ep, h.maxLayer, 1)
	top := h.searchLayer(query, epID, epDist, ef, 0)

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
	if len(items) > k {
		items = items[:k]
	}

	results := make([]index.SearchResult, len(items))
	for i, item := range items {
		results[i] = index.SearchResult{
			Position: item.Position,
			Distance: metric.FinalizeDistance(h.m, item.Distance),
		}
	}
	return results, nil
}

// stateVersion guards the MarshalState layout.
const stateVersion = 1

// MarshalState encodes the construction parameters and layer seed. The graph
// itself is not stored: re-adding the same vectors in the same order with the
// same seed rebuilds it exactly.
func (h *HNSW) MarshalState() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	w(uint8(stateVersion))
	w(uint32(h.opts.M))
	w(uint32(h.opts.EFConstruction))
	w(uint32(h.opts.EFSearch))
	heuristic := uint8(0)
	if h.opts.Heuristic {
		heuristic = 1
	}
	w(heuristic)
	w(h.opts.Seed)

	return buf.Bytes(), nil
}

// UnmarshalState restores the construction parameters into an empty index and
// re-seeds layer assignment so the subsequent re-adds rebuild the same graph.
func (h *HNSW) UnmarshalState(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) != 0 {
		return errors.New("hnsw: state restore requires an empty index")
	}

	r := bytes.NewReader(data)
	var version, heuristic uint8
	var m, efConstruction, efSearch uint32
	var seed int64

	for _, v := range []any{&version} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("hnsw: corrupt state: %w", err)
		}
	}
	if version != stateVersion {
		return fmt.Errorf("hnsw: unsupported state version %d", version)
	}
	for _, v := range []any{&m, &efConstruction, &efSearch, &heuristic, &seed} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("hnsw: corrupt state: %w", err)
		}
	}

	h.opts.M = int(m)
	h.opts.EFConstruction = int(efConstruction)
	h.opts.EFSearch = int(efSearch)
	h.opts.Heuristic = heuristic == 1
	h.opts.Seed = seed

	h.mmax = h.opts.M
	h.mmax0 = 2 * h.opts.M
	h.ml = 1 / math.Log(float64(h.opts.M))
	h.rng = rand.New(rand.NewSource(seed))

	return nil
}
