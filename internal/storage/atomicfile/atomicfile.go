// Package atomicfile writes files via a same-directory temp file and rename so
// readers only ever observe complete content.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempFile is the subset of *os.File used while writing.
type TempFile interface {
	io.Writer
	Name() string
	Sync() error
	Close() error
}

// Writer performs atomic replacements. The zero value uses os.CreateTemp.
type Writer struct {
	CreateTemp func(dir, pattern string) (TempFile, error)
	Perm       os.FileMode
}

// WriteFile atomically replaces path with the output of write.
func (w Writer) WriteFile(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	create := w.CreateTemp
	if create == nil {
		create = func(dir, pattern string) (TempFile, error) {
			return os.CreateTemp(dir, pattern)
		}
	}
	tmp, err := create(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = fmt.Errorf("%w (remove temp: %v)", err, rmErr)
			}
		}
	}()

	if err = write(tmp); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteFile atomically replaces path with data using the default Writer.
func WriteFile(path string, data []byte) error {
	return Writer{}.WriteFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
