package persistence

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// SaveToFile writes a snapshot through writeFunc to a temp file in the
// target directory and atomically renames it into place, so readers never
// observe a half-written snapshot.
func SaveToFile(filename string, writeFunc func(w io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return &IOError{Op: "create", Path: filename, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return &IOError{Op: "write", Path: filename, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &IOError{Op: "sync", Path: filename, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: filename, Err: err}
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return &IOError{Op: "rename", Path: filename, Err: err}
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = "" // keep the renamed file
	return nil
}

// LoadFromFile reads a snapshot through readFunc with buffered IO.
// Open failures are IO errors; validation failures inside readFunc keep
// their own error type.
func LoadFromFile(filename string, readFunc func(r io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return &IOError{Op: "open", Path: filename, Err: err}
	}
	defer f.Close()

	buf := bufio.NewReaderSize(f, 256*1024)
	return readFunc(buf)
}
