package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

// dirPerm is the permission used when creating state directories.
const dirPerm = 0o750

// SaveState writes state to dir/basename+ext. The file is written to a temporary
// name first and renamed, so readers never observe a partial file.
func SaveState(dir, basename string, codec Codec, state any) error {
	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, basename+codec.Extension())

	file, err := os.CreateTemp(dir, basename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}

	tmp := file.Name()

	err = codec.Encode(file, state)
	if err != nil {
		file.Close()
		os.Remove(tmp)

		return fmt.Errorf("encode state: %w", err)
	}

	err = file.Close()
	if err != nil {
		os.Remove(tmp)

		return fmt.Errorf("close state file: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)

		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// LoadState reads dir/basename+ext into state, which must be a pointer.
func LoadState(dir, basename string, codec Codec, state any) error {
	file, err := os.Open(filepath.Join(dir, basename+codec.Extension()))
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	err = codec.Decode(file, state)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	return nil
}

// Persister handles I/O for a specific state type using a Codec.
type Persister[T any] struct {
	codec Codec
}

// NewPersister creates a persister with the given codec.
func NewPersister[T any](codec Codec) *Persister[T] {
	return &Persister[T]{codec: codec}
}

// Path returns the file a state with basename is stored at.
func (p *Persister[T]) Path(dir, basename string) string {
	return filepath.Join(dir, basename+p.codec.Extension())
}

// Save writes state under basename in dir.
func (p *Persister[T]) Save(dir, basename string, state *T) error {
	return SaveState(dir, basename, p.codec, state)
}

// Load restores the state stored under basename in dir.
func (p *Persister[T]) Load(dir, basename string) (*T, error) {
	var state T

	err := LoadState(dir, basename, p.codec, &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}
