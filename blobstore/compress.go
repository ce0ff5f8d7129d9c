package blobstore

import (
	"bytes"
	"context"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressingStore wraps a Store and transparently lz4-frames every blob.
// Snapshots compress well (vectors less so, record blocks strongly), and
// lz4 keeps the decompression cost negligible next to network IO.
//
// Blobs written through this wrapper can only be read back through it.
type CompressingStore struct {
	inner Store
}

// NewCompressingStore wraps inner with lz4 compression.
func NewCompressingStore(inner Store) *CompressingStore {
	return &CompressingStore{inner: inner}
}

// Open opens a blob and decompresses it into memory.
func (s *CompressingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data, err := io.ReadAll(lz4.NewReader(Reader(b)))
	if err != nil {
		return nil, err
	}
	return &memoryBlob{data: data}, nil
}

// Create creates a blob whose writes are lz4-framed on the way down.
func (s *CompressingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	w, err := s.inner.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	return &compressingBlob{inner: w, zw: lz4.NewWriter(w)}, nil
}

// Put writes a compressed blob atomically.
func (s *CompressingStore) Put(ctx context.Context, name string, data []byte) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return s.inner.Put(ctx, name, buf.Bytes())
}

// Delete removes a blob.
func (s *CompressingStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// List returns all blob names with the given prefix, sorted.
func (s *CompressingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type compressingBlob struct {
	inner WritableBlob
	zw    *lz4.Writer
}

func (w *compressingBlob) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

func (w *compressingBlob) Sync() error {
	if err := w.zw.Flush(); err != nil {
		return err
	}
	return w.inner.Sync()
}

func (w *compressingBlob) Close() error {
	if err := w.zw.Close(); err != nil {
		_ = w.inner.Close()
		return err
	}
	return w.inner.Close()
}
