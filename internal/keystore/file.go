package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists records to a single JSON file. Every write rewrites the
// whole file via a temp-file rename, so a crash never leaves a half-written
// store behind. Suited to single-node deployments with a small key count.
type FileStore struct {
	mu   sync.RWMutex
	path string
	recs map[string]Record
}

// NewFileStore opens (or creates) the store at path. The parent directory
// must exist.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, recs: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	for _, rec := range recs {
		s.recs[rec.ID] = rec
	}
	return s, nil
}

func (s *FileStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return s.flushLocked()
}

func (s *FileStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) Purge(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.recs {
		if purgeable(rec, cutoff) {
			delete(s.recs, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.flushLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked serialises all records and atomically replaces the store file.
// Caller must hold the write lock.
func (s *FileStore) flushLocked() error {
	recs := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		recs = append(recs, rec)
	}

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".keys-*.json")
	if err != nil {
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	return nil
}
