package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behavior every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	// Put then Open.
	require.NoError(t, s.Put(ctx, "snapshots/a", []byte("alpha")))
	data, err := ReadAll(ctx, s, "snapshots/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	// Streaming create.
	wb, err := s.Create(ctx, "snapshots/b")
	require.NoError(t, err)
	_, err = wb.Write([]byte("be"))
	require.NoError(t, err)
	_, err = wb.Write([]byte("ta"))
	require.NoError(t, err)
	require.NoError(t, wb.Sync())
	require.NoError(t, wb.Close())

	blob, err := s.Open(ctx, "snapshots/b")
	require.NoError(t, err)
	assert.Equal(t, int64(4), blob.Size())

	// Ranged read.
	p := make([]byte, 2)
	n, err := blob.ReadAt(p, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("ta"), p)

	// Read past the end.
	n, err = blob.ReadAt(p, 4)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, blob.Close())

	// Overwrite.
	require.NoError(t, s.Put(ctx, "snapshots/a", []byte("alpha2")))
	data, err = ReadAll(ctx, s, "snapshots/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha2"), data)

	// List with prefix, sorted.
	require.NoError(t, s.Put(ctx, "other/c", []byte("c")))
	names, err := s.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a", "snapshots/b"}, names)

	// Delete, including a repeat delete.
	require.NoError(t, s.Delete(ctx, "snapshots/a"))
	require.NoError(t, s.Delete(ctx, "snapshots/a"))
	_, err = s.Open(ctx, "snapshots/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	storeContract(t, s)
}

func TestCompressingStore(t *testing.T) {
	storeContract(t, NewCompressingStore(NewMemoryStore()))
}

func TestCachingStore(t *testing.T) {
	storeContract(t, NewCachingStore(NewMemoryStore(), 1<<20))
}

func TestMemoryStoreOpenIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "a", []byte("one")))
	blob, err := s.Open(ctx, "a")
	require.NoError(t, err)
	defer blob.Close()

	// Overwriting must not mutate the already-open blob.
	require.NoError(t, s.Put(ctx, "a", []byte("two")))

	p := make([]byte, 3)
	_, err = blob.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), p)
}

func TestCompressingStoreShrinksRepetitiveData(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewCompressingStore(inner)

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 7)
	}
	require.NoError(t, s.Put(ctx, "blob", data))

	// The wrapped store round-trips the original bytes.
	got, err := ReadAll(ctx, s, "blob")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The backend holds the compressed frame.
	raw, err := ReadAll(ctx, inner, "blob")
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))
}

func TestCachingStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewCachingStore(inner, 1<<20)

	require.NoError(t, inner.Put(ctx, "a", []byte("cached")))

	data, err := ReadAll(ctx, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), data)

	// Mutating the backend directly leaves the cached copy visible until an
	// invalidating write goes through the caching store.
	require.NoError(t, inner.Put(ctx, "a", []byte("stale?")))
	data, err = ReadAll(ctx, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), data)

	require.NoError(t, s.Put(ctx, "a", []byte("fresh")))
	data, err = ReadAll(ctx, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

// ctxCheckingStore fails Open when the caller's context is already done,
// standing in for backends that honor cancellation.
type ctxCheckingStore struct {
	Store
}

func (s ctxCheckingStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Open(ctx, name)
}

func TestCachingStoreDetachesFetchContext(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(ctx, "a", []byte("payload")))

	s := NewCachingStore(ctxCheckingStore{inner}, 1<<20)

	// A caller arriving with a dead context must not poison the shared
	// fetch for everyone collapsed onto it.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	blob, err := s.Open(cancelled, "a")
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	data, err := ReadAll(ctx, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestLocalStoreIgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "keep", []byte("x")))

	// An abandoned writable blob must not surface in listings.
	wb, err := s.Create(ctx, "abandoned")
	require.NoError(t, err)
	_, err = wb.Write([]byte("partial"))
	require.NoError(t, err)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, names)

	_, err = s.Open(ctx, "abandoned")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, wb.Close())
}
