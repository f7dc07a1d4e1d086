package state

import "fmt"

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open builds the backend named by kind rooted at dir and loads a Store
// from it.
func Open(kind, dir string) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch kind {
	case KindMemory:
		backend = NewMemoryBackend()
	case "", KindFile:
		backend = NewFileBackend(dir)
	case KindSQLite:
		backend, err = OpenSQLite(dir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}

	store, err := NewStore(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}
