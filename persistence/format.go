package persistence

import (
	"errors"
	"fmt"
)

const (
	// MagicNumber identifies snapshot files (ASCII: "ESR1").
	MagicNumber = 0x45535231
	// Version is the current file format version (v1.0.0).
	Version = 0x00010000
)

var (
	// ErrInvalidMagic indicates the blob does not start with the snapshot magic.
	ErrInvalidMagic = errors.New("invalid magic number")
	// ErrInvalidVersion indicates an unsupported format version.
	ErrInvalidVersion = errors.New("unsupported version")
	// ErrInvalidVariant indicates an unrecognized index variant tag.
	ErrInvalidVariant = errors.New("invalid index variant")
	// ErrInvalidMetric indicates an unrecognized metric tag.
	ErrInvalidMetric = errors.New("invalid metric")
)

// FileHeader is the fixed 64-byte header at the start of every snapshot.
// Little-endian on disk; layout must remain stable.
type FileHeader struct {
	Magic     uint32 // 0x45535231 ("ESR1")
	Version   uint32 // File format version
	Variant   uint8  // 1=Flat, 2=Clustered, 3=Graph
	Metric    uint8  // 0=L2, 1=InnerProduct
	Trained   uint8  // 1 when the index completed training
	Padding1  [1]byte
	Dimension uint32 // Vector dimensionality
	Count     uint64 // Number of vector/record pairs
	StateSize uint32 // Length of the variant state blob
	Padding2  [4]byte
	BlockSize uint64 // Length of the compressed record block
	Checksum  uint32 // CRC32 over all blocks after the header
	Padding3  [4]byte
	Reserved  [16]byte
}

// CorruptionError reports a snapshot that is present but fails validation:
// bad header fields, block mismatches, checksum failures, undecodable
// records. There is no partial-recovery path; the caller must rebuild
// from source data.
type CorruptionError struct {
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot corrupt: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("snapshot corrupt: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func corruptf(err error, format string, args ...any) error {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IOError reports a failure to reach or move snapshot bytes (missing file,
// permissions, short device). Distinct from CorruptionError: the snapshot
// itself may be fine.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsCorruption reports whether err stems from snapshot validation.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
