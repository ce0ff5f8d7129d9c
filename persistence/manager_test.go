package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusxmarius-guzi/excel-search-rag/blobstore"
	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/metadata"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
	"github.com/mariusxmarius-guzi/excel-search-rag/resource"
)

func managerSnapshot(row int) *Snapshot {
	return &Snapshot{
		Variant:   index.VariantFlat,
		Metric:    metric.MetricL2,
		Dimension: 2,
		Trained:   true,
		Vectors:   []float32{1, 0},
		Records: []metadata.Record{
			{Source: "a.xlsx", Row: row, Fields: metadata.Document{"type": metadata.String("solar")}},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, blobstore.Store) {
	t.Helper()

	store := blobstore.NewMemoryStore()
	clockSeq := 0
	mgr, err := NewManager(ManagerOptions{
		Store: store,
		Clock: func() time.Time {
			clockSeq++
			return time.Date(2024, 6, 1, 12, 0, 0, clockSeq, time.UTC)
		},
	})
	require.NoError(t, err)
	return mgr, store
}

func TestManagerRequiresStore(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)
}

func TestManagerSaveLoadLatest(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, _, err := mgr.LoadLatest(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	name1, err := mgr.Save(ctx, managerSnapshot(1))
	require.NoError(t, err)
	name2, err := mgr.Save(ctx, managerSnapshot(2))
	require.NoError(t, err)
	assert.NotEqual(t, name1, name2)

	snap, name, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, name2, name)
	assert.Equal(t, 2, snap.Records[0].Row)

	// Older snapshots stay loadable by name.
	old, err := mgr.Load(ctx, name1)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Records[0].Row)
}

func TestManagerList(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	names := make([]string, 3)
	for i := range names {
		var err error
		names[i], err = mgr.Save(ctx, managerSnapshot(i))
		require.NoError(t, err)
	}

	listed, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, names, listed)
}

func TestManagerPrune(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	for i := range 5 {
		_, err := mgr.Save(ctx, managerSnapshot(i))
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Prune(ctx, 2))

	listed, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	// The latest pointer still resolves after pruning.
	snap, _, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Records[0].Row)
}

func TestManagerLoadMissing(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.Load(ctx, "snapshots/absent.snap")
	require.Error(t, err)
	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestManagerClosed(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Close())

	_, err := mgr.Save(ctx, managerSnapshot(0))
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = mgr.List(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerBackgroundSlot(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})
	mgr, err := NewManager(ManagerOptions{
		Store:     blobstore.NewMemoryStore(),
		Resources: rc,
	})
	require.NoError(t, err)

	// With the only slot held, Save waits for it and times out.
	require.NoError(t, rc.AcquireBackground(ctx))
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = mgr.Save(timeoutCtx, managerSnapshot(1))
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rc.ReleaseBackground()
	_, err = mgr.Save(ctx, managerSnapshot(1))
	require.NoError(t, err)

	// Prune competes for the same budget.
	require.NoError(t, rc.AcquireBackground(ctx))
	timeoutCtx, cancel = context.WithTimeout(ctx, 20*time.Millisecond)
	err = mgr.Prune(timeoutCtx, 1)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	rc.ReleaseBackground()
}

func TestManagerRateLimitedSave(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	// A generous limit keeps the test fast while still exercising the
	// rate-limited writer path end to end.
	mgr, err := NewManager(ManagerOptions{
		Store:     store,
		Resources: resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20}),
	})
	require.NoError(t, err)

	name, err := mgr.Save(ctx, managerSnapshot(7))
	require.NoError(t, err)

	snap, err := mgr.Load(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Records[0].Row)
}
