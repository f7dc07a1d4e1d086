package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// fileVersion is bumped when the on-disk layout changes.
	fileVersion = 1

	stateFileName = "state.json"
	appDirName    = "nsfeed"
)

// fileContents is the on-disk shape of state.json.
type fileContents struct {
	Version     int               `json:"version"`
	Records     map[string]Record `json:"records"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// FileBackend stores all records in a single JSON file under dir,
// rewritten atomically on every Put.
type FileBackend struct {
	dir     string
	records map[string]Record
}

// NewFileBackend creates a backend that reads/writes state.json in dir.
// The directory is created on the first Put if it does not exist. Pass
// an empty string to use the default XDG state path.
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileBackend{dir: dir, records: make(map[string]Record)}
}

// Path returns the full path to the state file.
func (b *FileBackend) Path() string {
	return filepath.Join(b.dir, stateFileName)
}

// Load reads the state file. A missing file yields an empty map.
func (b *FileBackend) Load() (map[string]Record, error) {
	data, err := os.ReadFile(b.Path())
	if err != nil {
		if os.IsNotExist(err) {
			b.records = make(map[string]Record)
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var fc fileContents
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if fc.Records == nil {
		fc.Records = make(map[string]Record)
	}
	b.records = fc.Records

	out := make(map[string]Record, len(fc.Records))
	for k, v := range fc.Records {
		out[k] = v
	}
	return out, nil
}

// Put records rec and rewrites the file. The in-memory map only changes
// once the write has succeeded.
func (b *FileBackend) Put(key string, rec Record) error {
	next := make(map[string]Record, len(b.records)+1)
	for k, v := range b.records {
		next[k] = v
	}
	next[key] = rec
	if err := b.save(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

func (b *FileBackend) Close() error { return nil }

// save writes the state file using a temp-file-then-rename pattern.
func (b *FileBackend) save(records map[string]Record) error {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	fc := fileContents{
		Version:     fileVersion,
		Records:     records,
		LastUpdated: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(b.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.Path()); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true
	return nil
}

// DefaultDir returns ~/.local/state/nsfeed, respecting XDG_STATE_HOME.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
