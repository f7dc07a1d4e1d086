// Package state is the key/value sink that feed facts are written to.
// A Store keeps every record in memory and writes through to a Backend
// (memory, JSON file or SQLite) so the last known value of each key
// survives restarts.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Store operations after Close.
var ErrClosed = errors.New("state store closed")

// Record is one timestamped fact. TS is epoch milliseconds. Ack marks
// facts that need no further action downstream.
type Record struct {
	TS  int64 `json:"ts"`
	Ack bool  `json:"ack"`
	Val any   `json:"val"`
}

// Time returns TS as a UTC time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.TS).UTC()
}

// Backend persists records. Store serialises all calls, so
// implementations need not be safe for concurrent use.
type Backend interface {
	Load() (map[string]Record, error)
	Put(key string, rec Record) error
	Close() error
}

// Listener is called after a record has been stored.
type Listener func(key string, rec Record)

type Store struct {
	mu        sync.RWMutex
	records   map[string]Record
	backend   Backend
	listeners []Listener
	closed    bool

	now func() time.Time
}

// NewStore loads every record from backend and returns a Store that
// writes through to it. A nil backend keeps records in memory only.
func NewStore(backend Backend) (*Store, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	records, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if records == nil {
		records = make(map[string]Record)
	}
	return &Store{
		records: records,
		backend: backend,
		now:     time.Now,
	}, nil
}

// Get returns the last record stored under key.
func (s *Store) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := s.records[key]
	return rec, ok, nil
}

// Set stores rec under key and notifies listeners.
func (s *Store) Set(ctx context.Context, key string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.backend.Put(key, rec); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	s.records[key] = rec
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key, rec)
	}
	return nil
}

// SetValue stores a bare value: the record is acknowledged and stamped
// with the store's own clock.
func (s *Store) SetValue(ctx context.Context, key string, val any) error {
	return s.Set(ctx, key, Record{TS: s.now().UnixMilli(), Ack: true, Val: val})
}

// All returns a copy of every stored record.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe registers fn to be called after every successful Set.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Close releases the backend. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

// MemoryBackend keeps nothing beyond the Store's own cache.
type MemoryBackend struct{}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (*MemoryBackend) Load() (map[string]Record, error) { return map[string]Record{}, nil }
func (*MemoryBackend) Put(string, Record) error         { return nil }
func (*MemoryBackend) Close() error                     { return nil }
