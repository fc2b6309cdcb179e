package filestore

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"flowids/internal/errors"
)

// WriteAtomic writes path through a temp file in the same directory and
// renames it into place, so readers never observe a partial file.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.StorageError("failed to create directory "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errors.StorageError("failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return errors.StorageError("failed to flush "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.StorageError("failed to sync "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.StorageError("failed to close temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.StorageError("failed to move "+path+" into place", err)
	}
	return nil
}

// WriteFileAtomic is WriteAtomic for an in-memory payload
func WriteFileAtomic(path string, data []byte) error {
	return WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
