// Package persistence serializes the vector index and its record store as
// one consistent snapshot: a fixed binary header, a raw vector block, a
// variant state blob and a zstd-compressed record block, guarded by a CRC32
// checksum. Loading validates every header field before trusting the blocks;
// a snapshot that fails validation is corrupt, never silently repaired.
package persistence

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/klauspost/compress/zstd"

	"github.com/mariusxmarius-guzi/excel-search-rag/index"
	"github.com/mariusxmarius-guzi/excel-search-rag/metadata"
	"github.com/mariusxmarius-guzi/excel-search-rag/metric"
)

// maxBlockSize bounds the state and record blocks a header may announce,
// so a corrupt header cannot trigger an absurd allocation.
const maxBlockSize = 1 << 38 // 256 GiB

// Snapshot is the in-memory form of one persisted unit: everything needed
// to rebuild an index/store pair with identical search behavior.
type Snapshot struct {
	Variant   index.Variant
	Metric    metric.Metric
	Dimension int
	Trained   bool

	// Vectors holds Count()*Dimension floats in position order.
	Vectors []float32

	// State is the variant-specific blob (centroids, graph parameters).
	State []byte

	// Records holds one record per position, in position order.
	Records []metadata.Record
}

// Count returns the number of vector/record pairs.
func (s *Snapshot) Count() int { return len(s.Records) }

// Write serializes the snapshot to w.
func (s *Snapshot) Write(w io.Writer) error {
	if !s.Variant.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidVariant, uint8(s.Variant))
	}
	if !s.Metric.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMetric, int(s.Metric))
	}
	if err := index.ValidateDimension(s.Dimension); err != nil {
		return err
	}
	count := s.Count()
	if len(s.Vectors) != count*s.Dimension {
		return fmt.Errorf("persistence: %d vectors for %d records", len(s.Vectors)/s.Dimension, count)
	}

	block, err := compressRecords(s.Records)
	if err != nil {
		return err
	}

	vectorBytes := float32Bytes(s.Vectors)

	crc := NewChecksumWriter(io.Discard)
	_, _ = crc.Write(vectorBytes)
	_, _ = crc.Write(s.State)
	_, _ = crc.Write(block)

	header := FileHeader{
		Magic:     MagicNumber,
		Version:   Version,
		Variant:   uint8(s.Variant),
		Metric:    uint8(s.Metric),
		Dimension: uint32(s.Dimension),
		Count:     uint64(count),
		StateSize: uint32(len(s.State)),
		BlockSize: uint64(len(block)),
		Checksum:  crc.Sum(),
	}
	if s.Trained {
		header.Trained = 1
	}

	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	for _, chunk := range [][]byte{vectorBytes, s.State, block} {
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			return &IOError{Op: "write", Err: err}
		}
	}

	return nil
}

// Read deserializes one snapshot from r, validating header fields, block
// sizes and the checksum before returning.
func Read(r io.Reader) (*Snapshot, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, corruptf(err, "short header")
	}

	if header.Magic != MagicNumber {
		return nil, corruptf(nil, "%v: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != Version {
		return nil, corruptf(nil, "%v: got 0x%08x", ErrInvalidVersion, header.Version)
	}
	variant := index.Variant(header.Variant)
	if !variant.Valid() {
		return nil, corruptf(nil, "%v: got %d", ErrInvalidVariant, header.Variant)
	}
	m := metric.Metric(header.Metric)
	if !m.Valid() {
		return nil, corruptf(nil, "%v: got %d", ErrInvalidMetric, header.Metric)
	}
	if header.Dimension == 0 {
		return nil, corruptf(nil, "zero dimension")
	}
	if uint64(header.StateSize) > maxBlockSize || header.BlockSize > maxBlockSize {
		return nil, corruptf(nil, "implausible block sizes (state=%d, records=%d)", header.StateSize, header.BlockSize)
	}
	floats := header.Count * uint64(header.Dimension)
	if floats > maxBlockSize/4 {
		return nil, corruptf(nil, "implausible vector count %d", header.Count)
	}

	cr := NewChecksumReader(r)

	vectors := make([]float32, floats)
	if floats > 0 {
		if _, err := io.ReadFull(cr, float32Bytes(vectors)); err != nil {
			return nil, corruptf(err, "short vector block")
		}
	}

	var state []byte
	if header.StateSize > 0 {
		state = make([]byte, header.StateSize)
		if _, err := io.ReadFull(cr, state); err != nil {
			return nil, corruptf(err, "short state blob")
		}
	}

	var block []byte
	if header.BlockSize > 0 {
		block = make([]byte, header.BlockSize)
		if _, err := io.ReadFull(cr, block); err != nil {
			return nil, corruptf(err, "short record block")
		}
	}

	if sum := cr.Sum(); sum != header.Checksum {
		return nil, corruptf(nil, "checksum mismatch: expected 0x%08x, got 0x%08x", header.Checksum, sum)
	}

	records, err := decompressRecords(block, int(header.Count))
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Variant:   variant,
		Metric:    m,
		Dimension: int(header.Dimension),
		Trained:   header.Trained == 1,
		Vectors:   vectors,
		State:     state,
		Records:   records,
	}, nil
}

func compressRecords(records []metadata.Record) ([]byte, error) {
	var raw []byte
	for _, r := range records {
		raw = metadata.AppendRecord(raw, r)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

func decompressRecords(block []byte, count int) ([]metadata.Record, error) {
	var raw []byte
	if len(block) > 0 {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()

		raw, err = dec.DecodeAll(block, nil)
		if err != nil {
			return nil, corruptf(err, "record block decompression failed")
		}
	}

	records := make([]metadata.Record, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		r, n, err := metadata.DecodeRecord(raw[off:])
		if err != nil {
			return nil, corruptf(err, "record %d", i)
		}
		records = append(records, r)
		off += n
	}
	if off != len(raw) {
		return nil, corruptf(nil, "%d trailing bytes after %d records", len(raw)-off, count)
	}

	return records, nil
}

// float32Bytes reinterprets a float32 slice as raw little-endian bytes.
// Safe on the supported platforms: float32 slices are 4-byte aligned.
func float32Bytes(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vec[0])), len(vec)*4)
}
