package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// tmpPattern names temporary siblings; the random part keeps concurrent
// writers of the same path apart.
const tmpPattern = ".*.tmp"

// Directory and file permissions for persisted state.
const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// WriteFileAtomic writes data to a temporary sibling and renames it over path,
// so readers observe either the old or the new content, never a partial one.
func WriteFileAtomic(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tmpPattern)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	tmp := f.Name()

	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(filePerm)
	}

	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("write state file: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

// Persister handles atomic I/O of one state file using a Codec.
type Persister[T any] struct {
	path  string
	codec Codec
}

// NewPersister creates a persister for the file at path.
func NewPersister[T any](path string, codec Codec) *Persister[T] {
	return &Persister[T]{
		path:  path,
		codec: codec,
	}
}

// Path returns the state file location.
func (p *Persister[T]) Path() string {
	return p.path
}

// Save encodes state and atomically replaces the state file.
func (p *Persister[T]) Save(state *T) error {
	data, err := Marshal(p.codec, state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	return WriteFileAtomic(p.path, data)
}

// Load decodes the state file into a new value. A missing file yields
// the zero value and found == false.
func (p *Persister[T]) Load() (state *T, found bool, err error) {
	state = new(T)

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, false, nil
		}

		return nil, false, fmt.Errorf("read state file: %w", err)
	}

	err = Unmarshal(p.codec, data, state)
	if err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}

	return state, true, nil
}
