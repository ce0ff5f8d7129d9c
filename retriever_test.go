package searchrag

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusxmarius-guzi/excel-search-rag/blobstore"
	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/metadata"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
	"github.com/mariusxmarius-guzi/excel-search-rag/persistence"
)

// plantVectors and plantRecords form a small corpus of energy plants with
// axis-aligned embeddings, so exact distances are easy to reason about.
var plantVectors = [][]float32{
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
	{0.9, 0.1, 0, 0},
}

func plantRecords() []metadata.Record {
	return []metadata.Record{
		{Source: "plants.xlsx", Sheet: "2024", Row: 0, Fields: metadata.Document{
			"type": metadata.String("solar"), "power": metadata.Float(10), "certified": metadata.Bool(true),
		}},
		{Source: "plants.xlsx", Sheet: "2024", Row: 1, Fields: metadata.Document{
			"type": metadata.String("wind"), "power": metadata.Float(12),
		}},
		{Source: "plants.xlsx", Sheet: "2024", Row: 2, Fields: metadata.Document{
			"type": metadata.String("hydro"), "power": metadata.Float(30),
		}},
		{Source: "plants.xlsx", Sheet: "2024", Row: 3, Fields: metadata.Document{
			"type": metadata.String("coal"), "power": metadata.Float(100),
		}},
		{Source: "plants.xlsx", Sheet: "2024", Row: 4, Fields: metadata.Document{
			"type": metadata.String("solar"), "power": metadata.Float(20), "certified": metadata.Bool(true),
		}},
	}
}

func newPlantRetriever(t *testing.T) *Retriever {
	t.Helper()

	r, err := New(4, index.VariantFlat, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, r.Add(context.Background(), plantVectors, plantRecords()))
	return r
}

func TestNewInvalidVariant(t *testing.T) {
	_, err := New(4, index.Variant(99), metric.MetricL2)
	assert.ErrorIs(t, err, ErrInvalidVariant)
}

func TestNewInvalidDimension(t *testing.T) {
	_, err := New(0, index.VariantFlat, metric.MetricL2)
	require.Error(t, err)

	var dimErr *ErrInvalidDimension
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 0, dimErr.Dimension)
}

func TestAddArityMismatch(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantFlat, metric.MetricL2)
	require.NoError(t, err)

	err = r.Add(ctx, plantVectors[:3], plantRecords()[:2])
	require.Error(t, err)

	var arityErr *ErrArityMismatch
	require.ErrorAs(t, err, &arityErr)
	assert.Equal(t, 3, arityErr.Vectors)
	assert.Equal(t, 2, arityErr.Records)

	// Nothing advanced.
	assert.Equal(t, 0, r.Stats().VectorCount)
	assert.Equal(t, 0, r.Stats().RecordCount)
}

func TestAddDimensionMismatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantFlat, metric.MetricL2)
	require.NoError(t, err)

	vectors := [][]float32{{1, 0, 0, 0}, {1, 2, 3}}
	err = r.Add(ctx, vectors, plantRecords()[:2])
	require.Error(t, err)

	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Actual)

	// The valid leading vector must not have slipped in.
	stats := r.Stats()
	assert.Equal(t, 0, stats.VectorCount)
	assert.Equal(t, 0, stats.RecordCount)
}

func TestSearchSelfMatch(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantFlat, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, plantVectors[:3], plantRecords()[:3]))

	results, err := r.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Exact match scores 1.0.
	assert.Equal(t, uint32(0), results[0].Position)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "solar", results[0].Record.Fields["type"].Display())

	// The runner-up sits at distance sqrt(2), score 1/(1+sqrt(2)).
	assert.Equal(t, uint32(1), results[1].Position)
	assert.InDelta(t, 0.41421356, results[1].Score, 1e-6)
}

func TestSearchEmptyRetriever(t *testing.T) {
	r, err := New(4, index.VariantFlat, metric.MetricL2)
	require.NoError(t, err)

	results, err := r.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchInvalidK(t *testing.T) {
	r := newPlantRetriever(t)

	for _, k := range []int{0, -1} {
		_, err := r.Search(context.Background(), []float32{1, 0, 0, 0}, k)
		assert.ErrorIs(t, err, ErrInvalidK, "k=%d", k)
	}
}

func TestSearchQueryDimensionMismatch(t *testing.T) {
	r := newPlantRetriever(t)

	_, err := r.Search(context.Background(), []float32{1, 0}, 2)
	var dimErr *ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
}

func TestSearchThreshold(t *testing.T) {
	r := newPlantRetriever(t)

	// Only the exact match clears a 0.9 score bar.
	results, err := r.Search(context.Background(), []float32{0, 1, 0, 0}, 5, func(o *SearchOptions) {
		o.Threshold = 0.9
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(1), results[0].Position)
}

func TestSearchScoresNonIncreasing(t *testing.T) {
	r := newPlantRetriever(t)

	results, err := r.Search(context.Background(), []float32{0.5, 0.5, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchWithFilters(t *testing.T) {
	r := newPlantRetriever(t)

	filters := metadata.FilterSpec{
		"type": metadata.OneOf(metadata.String("solar"), metadata.String("wind")),
	}
	results, err := r.SearchWithFilters(context.Background(), []float32{1, 0, 0, 0}, 5, filters)
	require.NoError(t, err)

	// Exactly the solar and wind rows survive, still in score order.
	require.Len(t, results, 3)
	for _, res := range results {
		typ := res.Record.Fields["type"].Display()
		assert.Contains(t, []string{"solar", "wind"}, typ)
	}
	assert.Equal(t, uint32(0), results[0].Position)
}

func TestSearchWithFiltersRange(t *testing.T) {
	r := newPlantRetriever(t)

	filters := metadata.FilterSpec{"power": metadata.Between(12, 30)}
	results, err := r.SearchWithFilters(context.Background(), []float32{0, 0, 1, 0}, 5, filters)
	require.NoError(t, err)

	require.Len(t, results, 3)
	for _, res := range results {
		power, ok := res.Record.Fields["power"].Number()
		require.True(t, ok)
		assert.GreaterOrEqual(t, power, 12.0)
		assert.LessOrEqual(t, power, 30.0)
	}
}

func TestSearchWithFiltersNoMatch(t *testing.T) {
	r := newPlantRetriever(t)

	filters := metadata.FilterSpec{"type": metadata.Equals(metadata.String("nuclear"))}
	results, err := r.SearchWithFilters(context.Background(), []float32{1, 0, 0, 0}, 3, filters)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchWithEmptyFiltersMatchesSearch(t *testing.T) {
	ctx := context.Background()
	r := newPlantRetriever(t)

	plain, err := r.Search(ctx, []float32{0.9, 0.1, 0, 0}, 3)
	require.NoError(t, err)
	filtered, err := r.SearchWithFilters(ctx, []float32{0.9, 0.1, 0, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, filtered)
}

func TestRerankEmptyBoostsIsNoop(t *testing.T) {
	r := newPlantRetriever(t)

	results, err := r.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)

	reranked := r.Rerank(results, nil)
	assert.Equal(t, results, reranked)

	// Rerank works on a copy: the input keeps its original scores.
	reranked = r.Rerank(results, BoostSpec{"certified": 100})
	assert.Greater(t, reranked[0].BoostedScore, reranked[0].Score)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestRerankBoostsTruthyFields(t *testing.T) {
	r := newPlantRetriever(t)

	results, err := r.Search(context.Background(), []float32{0, 0, 1, 0}, 5)
	require.NoError(t, err)
	require.Equal(t, uint32(2), results[0].Position) // hydro ranks first unboosted

	reranked := r.Rerank(results, BoostSpec{"certified": 10})

	// Both certified solar rows jump ahead of everything uncertified.
	assert.Equal(t, "solar", reranked[0].Record.Fields["type"].Display())
	assert.Equal(t, "solar", reranked[1].Record.Fields["type"].Display())
}

func TestRerankPreservesRawScores(t *testing.T) {
	r := newPlantRetriever(t)

	results, err := r.Search(context.Background(), []float32{0, 0, 1, 0}, 5)
	require.NoError(t, err)

	reranked := r.Rerank(results, BoostSpec{"certified": 10})
	for _, res := range reranked {
		assert.Greater(t, res.BoostedScore, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
	}

	// Aggregating reranked results still averages the raw similarity.
	before := r.Aggregate(results, "type", "power")
	after := r.Aggregate(reranked, "type", "power")
	require.Len(t, after, len(before))
	for label, g := range before {
		require.Contains(t, after, label)
		assert.InDelta(t, g.MeanScore, after[label].MeanScore, 1e-9, label)
		assert.InDelta(t, g.Sum, after[label].Sum, 1e-9, label)
	}
}

func TestRerankStable(t *testing.T) {
	r := newPlantRetriever(t)

	// Hand-built results with equal scores; a boost that hits none of them
	// must preserve the input order.
	results := []SearchResult{
		{Position: 3, Score: 0.5, Record: plantRecords()[3]},
		{Position: 1, Score: 0.5, Record: plantRecords()[1]},
		{Position: 2, Score: 0.5, Record: plantRecords()[2]},
	}
	reranked := r.Rerank(results, BoostSpec{"missing": 2})
	assert.Equal(t, []uint32{3, 1, 2}, []uint32{reranked[0].Position, reranked[1].Position, reranked[2].Position})
}

func TestAggregate(t *testing.T) {
	r := newPlantRetriever(t)

	records := []metadata.Record{
		{Fields: metadata.Document{"type": metadata.String("solar"), "power": metadata.Float(10)}},
		{Fields: metadata.Document{"type": metadata.String("solar"), "power": metadata.Float(20)}},
		{Fields: metadata.Document{"type": metadata.String("wind"), "power": metadata.Float(5)}},
		{Fields: metadata.Document{"type": metadata.String("wind"), "power": metadata.Float(15)}},
	}
	results := make([]SearchResult, len(records))
	for i, rec := range records {
		results[i] = SearchResult{Record: rec, Score: 0.5, Position: uint32(i)}
	}

	groups := r.Aggregate(results, "type", "power")
	require.Len(t, groups, 2)

	solar := groups["solar"]
	require.NotNil(t, solar)
	assert.Equal(t, 2, solar.Count)
	assert.InDelta(t, 30.0, solar.Sum, 1e-9)
	assert.InDelta(t, 0.5, solar.MeanScore, 1e-9)
	assert.Len(t, solar.Results, 2)

	wind := groups["wind"]
	require.NotNil(t, wind)
	assert.Equal(t, 2, wind.Count)
	assert.InDelta(t, 20.0, wind.Sum, 1e-9)

	// Every result lands in exactly one group.
	total := 0
	for _, g := range groups {
		total += g.Count
	}
	assert.Equal(t, len(results), total)
}

func TestAggregateUnknownGroup(t *testing.T) {
	r := newPlantRetriever(t)

	results := []SearchResult{
		{Record: metadata.Record{Fields: metadata.Document{"type": metadata.String("solar")}}, Score: 0.8},
		{Record: metadata.Record{Fields: metadata.Document{"power": metadata.Float(7)}}, Score: 0.4},
		{Record: metadata.Record{}, Score: 0.2},
	}
	groups := r.Aggregate(results, "type", "power")

	require.Contains(t, groups, UnknownGroup)
	unknown := groups[UnknownGroup]
	assert.Equal(t, 2, unknown.Count)
	assert.InDelta(t, 7.0, unknown.Sum, 1e-9)
	assert.InDelta(t, 0.3, unknown.MeanScore, 1e-9)
}

func TestAggregateMeanScore(t *testing.T) {
	r := newPlantRetriever(t)

	results := []SearchResult{
		{Record: metadata.Record{Fields: metadata.Document{"type": metadata.String("solar")}}, Score: 1.0},
		{Record: metadata.Record{Fields: metadata.Document{"type": metadata.String("solar")}}, Score: 0.5},
		{Record: metadata.Record{Fields: metadata.Document{"type": metadata.String("solar")}}, Score: 0.3},
	}
	groups := r.Aggregate(results, "type", "power")
	assert.InDelta(t, 0.6, groups["solar"].MeanScore, 1e-9)
}

func TestStats(t *testing.T) {
	r := newPlantRetriever(t)

	stats := r.Stats()
	assert.Equal(t, index.VariantFlat, stats.Variant)
	assert.Equal(t, metric.MetricL2, stats.Metric)
	assert.Equal(t, 4, stats.Dimension)
	assert.Equal(t, 5, stats.VectorCount)
	assert.Equal(t, 5, stats.RecordCount)
	assert.True(t, stats.Trained)
}

func TestClusteredTrainBeforeAdd(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantClustered, metric.MetricL2)
	require.NoError(t, err)

	err = r.Add(ctx, plantVectors, plantRecords())
	assert.ErrorIs(t, err, ErrUntrainedIndex)

	require.NoError(t, r.Train(ctx, plantVectors))
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	results, err := r.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(0), results[0].Position)
}

func TestGraphRetriever(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantGraph, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	results, err := r.Search(ctx, []float32{0, 0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(3), results[0].Position)
	assert.Equal(t, "coal", results[0].Record.Fields["type"].Display())
}

func TestInnerProductRetriever(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantFlat, metric.MetricInnerProduct)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	results, err := r.Search(ctx, []float32{2, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Inner product reports the raw dot product as the score.
	assert.Equal(t, uint32(0), results[0].Position)
	assert.InDelta(t, 2.0, results[0].Score, 1e-6)
	assert.Equal(t, uint32(4), results[1].Position)
	assert.InDelta(t, 1.8, results[1].Score, 1e-6)
}

func assertSameResults(t *testing.T, original, restored *Retriever, queries [][]float32, k int) {
	t.Helper()
	ctx := context.Background()

	for i, q := range queries {
		want, err := original.Search(ctx, q, k)
		require.NoError(t, err)
		got, err := restored.Search(ctx, q, k)
		require.NoError(t, err)
		assert.Equal(t, want, got, "query %d", i)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := newPlantRetriever(t)

	var buf bytes.Buffer
	require.NoError(t, r.SaveTo(&buf))

	restored, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, r.Stats(), restored.Stats())
	assertSameResults(t, r, restored, plantVectors, 3)
}

func TestSaveLoadFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/retriever.snap"
	r := newPlantRetriever(t)

	require.NoError(t, r.SaveToFile(path))
	restored, err := LoadFromFile(path)
	require.NoError(t, err)

	assertSameResults(t, r, restored, plantVectors, 2)
}

func TestLoadCorruptData(t *testing.T) {
	r := newPlantRetriever(t)

	var buf bytes.Buffer
	require.NoError(t, r.SaveTo(&buf))

	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	_, err := Load(bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, IsCorruption(err))
}

func TestManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, err := persistence.NewManager(persistence.ManagerOptions{Store: blobstore.NewMemoryStore()})
	require.NoError(t, err)

	_, _, err = LoadLatest(ctx, mgr)
	assert.ErrorIs(t, err, persistence.ErrNoSnapshot)

	r := newPlantRetriever(t)
	name, err := r.Save(ctx, mgr)
	require.NoError(t, err)

	restored, loadedName, err := LoadLatest(ctx, mgr)
	require.NoError(t, err)
	assert.Equal(t, name, loadedName)
	assertSameResults(t, r, restored, plantVectors, 3)
}

func TestClusteredSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantClustered, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, r.Train(ctx, plantVectors))
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	var buf bytes.Buffer
	require.NoError(t, r.SaveTo(&buf))
	restored, err := Load(&buf)
	require.NoError(t, err)

	assert.True(t, restored.Stats().Trained)
	assertSameResults(t, r, restored, plantVectors, 2)
}

func TestGraphSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, err := New(4, index.VariantGraph, metric.MetricL2)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	var buf bytes.Buffer
	require.NoError(t, r.SaveTo(&buf))
	restored, err := Load(&buf)
	require.NoError(t, err)

	// The rebuilt graph is deterministic, so results match exactly.
	assertSameResults(t, r, restored, plantVectors, 3)
}

func TestRestoreRecordsSnapshotMetric(t *testing.T) {
	r := newPlantRetriever(t)

	var buf bytes.Buffer
	require.NoError(t, r.SaveTo(&buf))

	collector := &BasicMetricsCollector{}
	_, err := Load(&buf, WithMetricsCollector(collector))
	require.NoError(t, err)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.SnapshotCount)
	assert.Equal(t, int64(0), stats.SnapshotErrors)

	// A corrupt stream still counts, as an error.
	_, err = Load(bytes.NewReader([]byte("junk")), WithMetricsCollector(collector))
	require.Error(t, err)
	stats = collector.GetStats()
	assert.Equal(t, int64(2), stats.SnapshotCount)
	assert.Equal(t, int64(1), stats.SnapshotErrors)
}

func TestBasicMetricsCollector(t *testing.T) {
	ctx := context.Background()
	collector := &BasicMetricsCollector{}

	r, err := New(4, index.VariantFlat, metric.MetricL2, WithMetricsCollector(collector))
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, plantVectors, plantRecords()))

	_, err = r.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	_, err = r.Search(ctx, []float32{1, 0}, 2)
	require.Error(t, err)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.AddCount)
	assert.Equal(t, int64(5), stats.AddItems)
	assert.Equal(t, int64(2), stats.SearchCount)
	assert.Equal(t, int64(1), stats.SearchErrors)
}
