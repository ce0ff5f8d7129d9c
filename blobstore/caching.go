package blobstore

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/mariusxmarius-guzi/excel-search-rag/internal/cache"
)

// CachingStore wraps a Store and keeps whole blobs in an in-memory LRU.
// Concurrent opens of the same uncached blob are collapsed into a single
// backend fetch. Intended for snapshot blobs on slow object storage;
// writes invalidate and pass through.
type CachingStore struct {
	inner Store
	cache *cache.LRU
	group singleflight.Group
}

// NewCachingStore wraps inner with an LRU of capacity bytes.
func NewCachingStore(inner Store, capacity int64) *CachingStore {
	return &CachingStore{
		inner: inner,
		cache: cache.NewLRU(capacity),
	}
}

// Open returns the cached blob, fetching it from the backend at most once
// per cache miss regardless of concurrent callers.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	if data, ok := s.cache.Get(name); ok {
		return &memoryBlob{data: data}, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		if data, ok := s.cache.Get(name); ok {
			return data, nil
		}
		// The fetch is shared by every waiter, so it must not die with
		// the first caller's context.
		data, err := ReadAll(context.WithoutCancel(ctx), s.inner, name)
		if err != nil {
			return nil, err
		}
		s.cache.Set(name, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return &memoryBlob{data: v.([]byte)}, nil
}

// Create passes through; the cache entry is dropped so the next Open sees
// the new contents.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.cache.Delete(name)
	return s.inner.Create(ctx, name)
}

// Put writes through and invalidates.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.cache.Delete(name)
	return s.inner.Put(ctx, name, data)
}

// Delete removes the blob and its cache entry.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.Delete(name)
	return s.inner.Delete(ctx, name)
}

// List passes through to the backend.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
