package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// MemCounterStore keeps token counters in memory. Test use.
type MemCounterStore struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{counters: make(map[string]uint64)}
}

func (s *MemCounterStore) Counter(tokenID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[tokenID], nil
}

func (s *MemCounterStore) SetCounter(tokenID string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[tokenID] = next
	return nil
}

// FileCounterStore persists counters as a JSON map. Writes go through a
// temp file and rename; a torn counter file would re-admit consumed codes.
type FileCounterStore struct {
	mu       sync.Mutex
	path     string
	counters map[string]uint64
}

func OpenFileCounterStore(path string) (*FileCounterStore, error) {
	s := &FileCounterStore{
		path:     path,
		counters: make(map[string]uint64),
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured state path.
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read counter file: %w", err)
	default:
		if err := json.Unmarshal(data, &s.counters); err != nil {
			return nil, fmt.Errorf("decode counter file %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileCounterStore) Counter(tokenID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[tokenID], nil
}

func (s *FileCounterStore) SetCounter(tokenID string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[tokenID] = next
	return s.flushLocked()
}

func (s *FileCounterStore) flushLocked() error {
	data, err := json.Marshal(s.counters)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
