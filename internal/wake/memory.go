package wake

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps alarms in process memory. Alarms do not survive restarts.
type MemoryStore struct {
	mu          sync.Mutex
	alarms      map[string]time.Time
	checkpoints map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alarms:      make(map[string]time.Time),
		checkpoints: make(map[string][]byte),
	}
}

// SetAlarm implements Store.
func (s *MemoryStore) SetAlarm(_ context.Context, name string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = fireAt
	return nil
}

// ClearAlarm implements Store.
func (s *MemoryStore) ClearAlarm(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alarms[name]
	delete(s.alarms, name)
	return ok, nil
}

// DueAlarms implements Store.
func (s *MemoryStore) DueAlarms(_ context.Context, now time.Time) ([]Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dueFrom(s.alarms, now), nil
}

// SaveCheckpoint implements Store.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = append([]byte(nil), data...)
	return nil
}

// LoadCheckpoint implements Store.
func (s *MemoryStore) LoadCheckpoint(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.checkpoints[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// DeleteCheckpoint implements Store.
func (s *MemoryStore) DeleteCheckpoint(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func dueFrom(alarms map[string]time.Time, now time.Time) []Alarm {
	var due []Alarm
	for name, at := range alarms {
		if !at.After(now) {
			due = append(due, Alarm{Name: name, FireAt: at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].Name < due[j].Name
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	return due
}
