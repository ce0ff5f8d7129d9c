package searchrag

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/index/flat"
	"github.com/mariusxmarius-guzi/excel-search-rag/index/hnsw"
	"github.com/mariusxmarius-guzi/excel-search-rag/index/ivf"
	"github.com/mariusxmarius-guzi/excel-search-rag/metadata"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// overFetchFactor is the fixed over-fetch multiplier for filtered searches,
// chosen to absorb expected filter attrition. There is no adaptive retry: a
// low-selectivity filter legitimately returns fewer than k results.
const overFetchFactor = 3

// SearchResult pairs a nearest-neighbor candidate with its resolved record
// and similarity score.
type SearchResult struct {
	// Record is the metadata record stored at Position.
	Record metadata.Record

	// Score is the bounded similarity score: 1/(1+distance) for L2,
	// the raw dot product for InnerProduct.
	Score float64

	// BoostedScore is the score after Rerank applied its boosts. It is
	// zero until Rerank runs; Score always keeps the raw similarity.
	BoostedScore float64

	// Distance is the reported index distance.
	Distance float32

	// Position is the stable vector/record position.
	Position uint32
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// Threshold drops results whose score is below it. Zero keeps
	// everything for L2; for InnerProduct it drops negative similarities.
	Threshold float64
}

// BoostSpec maps field names to positive score multipliers for Rerank.
type BoostSpec map[string]float64

// Retriever composes a vector index, a metadata record store and the
// similarity scorer. It is the single mutation boundary for the pair:
// vectors and records enter only together through Add, so position p in the
// index always pairs with record p in the store.
//
// The Retriever is safe for concurrent use under a single-writer,
// multiple-reader discipline enforced internally: Add and Train take the
// write lock, searches take the read lock.
type Retriever struct {
	mu    sync.RWMutex
	index index.Index
	store *metadata.Store

	opts    options
	logger  *Logger
	metrics MetricsCollector
}

// New creates a Retriever with a fresh index of the given dimension,
// variant and metric.
func New(dimension int, variant index.Variant, m metric.Metric, optFns ...Option) (*Retriever, error) {
	o := applyOptions(optFns)

	idx, err := newIndex(dimension, variant, m, o)
	if err != nil {
		return nil, translateError(err)
	}

	return &Retriever{
		index:   idx,
		store:   metadata.NewStore(),
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}, nil
}

func newIndex(dimension int, variant index.Variant, m metric.Metric, o options) (index.Index, error) {
	switch variant {
	case index.VariantFlat:
		return flat.New(dimension, m, o.flatOptions...)
	case index.VariantClustered:
		return ivf.New(dimension, m, o.clusteredOptions...)
	case index.VariantGraph:
		return hnsw.New(dimension, m, o.graphOptions...)
	default:
		return nil, ErrInvalidVariant
	}
}

// Add appends vector/record pairs in lockstep. It fails with
// ErrArityMismatch when the counts differ and is all-or-nothing: on any
// error neither the index nor the store advances.
func (r *Retriever) Add(ctx context.Context, vectors [][]float32, records []metadata.Record) error {
	start := time.Now()
	err := r.add(vectors, records)
	r.metrics.RecordAdd(len(vectors), time.Since(start), err)
	r.logger.LogAdd(ctx, len(vectors), err)
	return err
}

func (r *Retriever) add(vectors [][]float32, records []metadata.Record) error {
	if len(vectors) != len(records) {
		return &ErrArityMismatch{Vectors: len(vectors), Records: len(records)}
	}
	if len(vectors) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Index.Add is all-or-nothing and the store append cannot fail, so the
	// two stay in lockstep without a rollback path.
	if err := r.index.Add(vectors); err != nil {
		return translateError(err)
	}
	r.store.Add(records)

	return nil
}

// Train builds the partitioning structure of a Clustered index from a
// representative sample. It is a no-op for Flat and Graph indexes and for
// repeat calls.
func (r *Retriever) Train(ctx context.Context, sample [][]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := translateError(r.index.Train(sample))
	r.logger.LogTrain(ctx, len(sample), err)
	return err
}

// Search returns up to k results for the query, ordered by non-increasing
// score. Searching an empty retriever returns an empty list.
func (r *Retriever) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()
	results, err := r.search(query, k, nil, optFns)
	r.metrics.RecordSearch(k, time.Since(start), err)
	r.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

// SearchWithFilters returns up to k results matching every filter field,
// ordered by non-increasing score. It over-fetches a fixed multiple of k
// from the index to absorb filter attrition and performs exactly one index
// query: when fewer than k candidates survive filtering, the result list is
// simply shorter.
func (r *Retriever) SearchWithFilters(ctx context.Context, query []float32, k int, filters metadata.FilterSpec, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()
	results, err := r.search(query, k, filters, optFns)
	r.metrics.RecordSearch(k, time.Since(start), err)
	r.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

func (r *Retriever) search(query []float32, k int, filters metadata.FilterSpec, optFns []func(o *SearchOptions)) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	var so SearchOptions
	for _, fn := range optFns {
		fn(&so)
	}

	initialK := k
	if len(filters) > 0 {
		initialK = k * overFetchFactor
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates, err := r.index.Search(query, initialK)
	if err != nil {
		return nil, translateError(err)
	}

	// Postings narrow the candidate list to a superset of the matching
	// positions; each survivor is still checked against the full spec.
	postings, usePostings := r.store.Candidates(filters)

	m := r.index.Metric()
	results := make([]SearchResult, 0, min(k, len(candidates)))
	for _, c := range candidates {
		if usePostings && !postings.Contains(c.Position) {
			continue
		}

		record, ok := r.store.Get(c.Position)
		if !ok {
			continue
		}
		if len(filters) > 0 && !filters.Matches(record) {
			continue
		}

		score := float64(metric.Score(m, c.Distance))
		if score < so.Threshold {
			continue
		}

		results = append(results, SearchResult{
			Record:   record,
			Score:    score,
			Distance: c.Distance,
			Position: c.Position,
		})
		if len(results) == k {
			break
		}
	}

	return results, nil
}

// Rerank computes each result's BoostedScore as its raw score multiplied
// by the boost of every boost field present and truthy in its record, then
// re-sorts descending by the boosted score. Score keeps the raw
// similarity, so aggregating reranked results still averages the real
// scores. The sort is stable: equal boosted scores keep their pre-rerank
// relative order. An empty boost spec returns the results unchanged.
func (r *Retriever) Rerank(results []SearchResult, boosts BoostSpec) []SearchResult {
	reranked := make([]SearchResult, len(results))
	copy(reranked, results)

	if len(boosts) == 0 {
		return reranked
	}

	for i := range reranked {
		boosted := reranked[i].Score
		for field, factor := range boosts {
			if v, ok := reranked[i].Record.Get(field); ok && v.Truthy() {
				boosted *= factor
			}
		}
		reranked[i].BoostedScore = boosted
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].BoostedScore > reranked[j].BoostedScore
	})

	return reranked
}

// UnknownGroup is the bucket label for records missing the grouping field.
const UnknownGroup = "Unknown"

// Group holds per-bucket aggregation state.
type Group struct {
	// Count is the number of member results, at least 1.
	Count int

	// Sum accumulates the numeric sum field over members that carry it.
	Sum float64

	// MeanScore is the arithmetic mean of member scores.
	MeanScore float64

	// Results holds the member results in their input order.
	Results []SearchResult
}

// Aggregate groups results by the value of groupBy in each record, using
// UnknownGroup for records missing that field. Per group it accumulates the
// member count, the sum of the numeric sumField and the mean score. Groups
// are created lazily on first member, so every returned group has at least
// one result.
func (r *Retriever) Aggregate(results []SearchResult, groupBy, sumField string) map[string]*Group {
	groups := make(map[string]*Group)

	for _, res := range results {
		label := UnknownGroup
		if v, ok := res.Record.Get(groupBy); ok {
			label = v.Display()
		}

		g, ok := groups[label]
		if !ok {
			g = &Group{}
			groups[label] = g
		}

		g.Count++
		g.Results = append(g.Results, res)
		if v, ok := res.Record.Get(sumField); ok {
			if n, ok := v.Number(); ok {
				g.Sum += n
			}
		}
		// Running mean, never divides by zero: count >= 1 here.
		g.MeanScore += (res.Score - g.MeanScore) / float64(g.Count)
	}

	return groups
}

// Stats describes the current index and store state.
type Stats struct {
	Variant     index.Variant
	Metric      metric.Metric
	Dimension   int
	VectorCount int
	RecordCount int
	Trained     bool
}

// Stats returns statistics about the retriever.
func (r *Retriever) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Variant:     r.index.Variant(),
		Metric:      r.index.Metric(),
		Dimension:   r.index.Dimension(),
		VectorCount: r.index.Len(),
		RecordCount: r.store.Len(),
		Trained:     r.index.Trained(),
	}
}
