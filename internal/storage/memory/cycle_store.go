package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/market-navigator/internal/store"
)

// CycleStore implements store.CycleRepository in memory.
type CycleStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.CycleRun
	symbols map[uuid.UUID]map[string]store.SymbolStats
}

// NewCycleStore creates an empty CycleStore.
func NewCycleStore() *CycleStore {
	return &CycleStore{
		runs:    make(map[uuid.UUID]store.CycleRun),
		symbols: make(map[uuid.UUID]map[string]store.SymbolStats),
	}
}

// StartCycle records a running cycle; replays are ignored.
func (s *CycleStore) StartCycle(_ context.Context, run store.CycleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	run.Status = store.CycleRunning
	run.FinishedAt = nil
	s.runs[run.ID] = run
	return nil
}

// FinishCycle sets the terminal status.
func (s *CycleStore) FinishCycle(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.CycleStatus,
	accepted, unresolved int,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	at := finishedAt
	run.FinishedAt = &at
	run.Status = status
	run.Accepted = accepted
	run.Unresolved = unresolved
	run.ErrorMessage = copyString(errMsg)
	s.runs[id] = run
	return nil
}

// RecordVisits adds attempt and failure deltas for one symbol.
func (s *CycleStore) RecordVisits(
	_ context.Context,
	id uuid.UUID,
	symbol string,
	attempts, failures int64,
	accepted bool,
	lastErr *string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySymbol := s.symbols[id]
	if bySymbol == nil {
		bySymbol = make(map[string]store.SymbolStats)
		s.symbols[id] = bySymbol
	}
	st := bySymbol[symbol]
	st.CycleID = id
	st.Symbol = symbol
	st.Attempts += attempts
	st.Failures += failures
	st.Accepted = st.Accepted || accepted
	if lastErr != nil {
		st.LastError = copyString(lastErr)
	}
	if at.After(st.LastUpdate) {
		st.LastUpdate = at
	}
	bySymbol[symbol] = st
	return nil
}

// GetCycle returns one cycle or store.ErrNotFound.
func (s *CycleStore) GetCycle(_ context.Context, id uuid.UUID) (store.CycleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.CycleRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCycles returns the newest cycles first.
func (s *CycleStore) ListCycles(_ context.Context, status *store.CycleStatus, limit, offset int) ([]store.CycleRun, error) {
	s.mu.RLock()
	runs := make([]store.CycleRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return page(runs, limit, offset), nil
}

// ListCycleSymbols returns per-symbol stats ordered by symbol.
func (s *CycleStore) ListCycleSymbols(_ context.Context, id uuid.UUID, limit, offset int) ([]store.SymbolStats, error) {
	s.mu.RLock()
	stats := make([]store.SymbolStats, 0, len(s.symbols[id]))
	for _, st := range s.symbols[id] {
		stats = append(stats, st)
	}
	s.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Symbol < stats[j].Symbol })
	return page(stats, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
