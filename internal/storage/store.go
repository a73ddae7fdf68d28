// Package storage provides the durable key-value store backing session
// state and the event log. Values are JSON blobs persisted to a single
// file; writes go through a temp file and rename so a crash mid-write
// never leaves a torn state file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a file-backed JSON key-value store. All persisted state the
// agent needs across a restart lives here.
type Store struct {
	mu     sync.Mutex
	path   string
	loaded bool
	data   map[string]json.RawMessage
}

// Open creates a store rooted at dir. The backing file is loaded lazily
// on first access so construction never fails on a missing directory.
func Open(dir string) *Store {
	return &Store{
		path: filepath.Join(dir, "state.json"),
		data: make(map[string]json.RawMessage),
	}
}

// ensureLoaded reads the backing file once before the first mutation or
// read. Callers must hold s.mu.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if data != nil {
		s.data = data
	}
	s.loaded = true
	return nil
}

// Get unmarshals the value stored under key into v. Returns false when
// the key is absent.
func (s *Store) Get(key string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return false, err
	}

	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal key %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key and persists synchronously. The write is
// durable once Set returns.
func (s *Store) Set(key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal key %s: %w", key, err)
	}
	s.data[key] = raw
	return s.persist()
}

// SetAll stores multiple keys in one durable write.
func (s *Store) SetAll(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal key %s: %w", key, err)
		}
		s.data[key] = raw
	}
	return s.persist()
}

// Delete removes a key and persists.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.persist()
}

// persist writes the full map via temp file + rename. Callers must hold s.mu.
func (s *Store) persist() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
