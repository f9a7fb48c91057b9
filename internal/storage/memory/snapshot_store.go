package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Calendar projects timestamps onto trading dates.
type Calendar interface {
	TradingDate(now time.Time) string
	RetentionCutoff(now time.Time, days int) string
}

type snapshotKey struct {
	id string
	at int64
}

// SnapshotStore implements crawler.SnapshotStore in memory.
type SnapshotStore struct {
	calendar Calendar

	mu   sync.RWMutex
	rows map[snapshotKey]crawler.Snapshot
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore(calendar Calendar) *SnapshotStore {
	return &SnapshotStore{calendar: calendar, rows: make(map[snapshotKey]crawler.Snapshot)}
}

// Save validates and stores snap; duplicates of (id, captured_at) are ignored.
func (s *SnapshotStore) Save(_ context.Context, snap crawler.Snapshot) error {
	if err := crawler.ValidateSnapshot(snap); err != nil {
		return err
	}
	key := snapshotKey{id: snap.ID, at: snap.DateTime.UnixNano()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; !ok {
		s.rows[key] = snap
	}
	return nil
}

// Query returns snapshots for id captured within [from, to), oldest first.
func (s *SnapshotStore) Query(_ context.Context, id string, from, to time.Time) ([]crawler.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Snapshot
	for key, snap := range s.rows {
		if key.id != id || snap.DateTime.Before(from) || !snap.DateTime.Before(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

// Prune removes snapshots whose trading date precedes the retention window.
func (s *SnapshotStore) Prune(_ context.Context, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.calendar.RetentionCutoff(now, retentionDays)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, snap := range s.rows {
		if s.calendar.TradingDate(snap.DateTime) < cutoff {
			delete(s.rows, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many snapshots are stored.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
