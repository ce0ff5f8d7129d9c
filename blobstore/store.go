// Package blobstore provides storage abstraction for immutable snapshot
// blobs. Implementations must be safe for concurrent use.
//
// Built-in implementations:
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem with mmap reads
//   - s3.Store: Amazon S3 with range reads and streaming uploads
//   - minio.Store: MinIO and other S3-compatible endpoints
//   - CompressingStore: lz4 frame compression wrapper
//   - CachingStore: in-memory LRU wrapper with request collapsing
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is the interface for reading and writing immutable blobs.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a new blob for streaming writes. The blob becomes
	// visible when Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a blob.
type Blob interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a streaming write handle. Writes are not visible until
// Close returns nil.
type WritableBlob interface {
	io.WriteCloser

	// Sync flushes buffered data to durable storage where the backend
	// supports it.
	Sync() error
}

// Reader returns a sequential reader over the whole blob.
func Reader(b Blob) io.Reader {
	return io.NewSectionReader(b, 0, b.Size())
}

// ReadAll reads the full contents of the named blob.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data := make([]byte, b.Size())
	if _, err := io.ReadFull(Reader(b), data); err != nil {
		return nil, err
	}
	return data, nil
}
