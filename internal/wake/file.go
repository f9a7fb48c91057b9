package wake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileDocument struct {
	Alarms      map[string]time.Time `json:"alarms"`
	Checkpoints map[string][]byte    `json:"checkpoints"`
}

// FileStore persists alarms and checkpoints in a single JSON document,
// rewritten atomically on every mutation.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
}

// NewFileStore opens (or creates) the document at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("wake file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create wake dir: %w", err)
	}
	s := &FileStore{
		path: path,
		doc: fileDocument{
			Alarms:      make(map[string]time.Time),
			Checkpoints: make(map[string][]byte),
		},
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read wake file: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, fmt.Errorf("decode wake file: %w", err)
		}
	}
	if s.doc.Alarms == nil {
		s.doc.Alarms = make(map[string]time.Time)
	}
	if s.doc.Checkpoints == nil {
		s.doc.Checkpoints = make(map[string][]byte)
	}
	return s, nil
}

// SetAlarm implements Store.
func (s *FileStore) SetAlarm(_ context.Context, name string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Alarms[name] = fireAt
	return s.flushLocked()
}

// ClearAlarm implements Store.
func (s *FileStore) ClearAlarm(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Alarms[name]; !ok {
		return false, nil
	}
	delete(s.doc.Alarms, name)
	return true, s.flushLocked()
}

// DueAlarms implements Store.
func (s *FileStore) DueAlarms(_ context.Context, now time.Time) ([]Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dueFrom(s.doc.Alarms, now), nil
}

// SaveCheckpoint implements Store.
func (s *FileStore) SaveCheckpoint(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Checkpoints[key] = append([]byte(nil), data...)
	return s.flushLocked()
}

// LoadCheckpoint implements Store.
func (s *FileStore) LoadCheckpoint(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.doc.Checkpoints[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// DeleteCheckpoint implements Store.
func (s *FileStore) DeleteCheckpoint(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Checkpoints[key]; !ok {
		return nil
	}
	delete(s.doc.Checkpoints, key)
	return s.flushLocked()
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) flushLocked() error {
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encode wake file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write wake file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace wake file: %w", err)
	}
	return nil
}
