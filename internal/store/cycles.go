package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested cycle does not exist.
var ErrNotFound = errors.New("cycle run not found")

// CycleStatus mirrors the cycle_runs.status column.
type CycleStatus string

// Cycle statuses.
const (
	CycleRunning CycleStatus = "running"
	CycleSuccess CycleStatus = "success"
	CycleAborted CycleStatus = "aborted"
	CycleError   CycleStatus = "error"
)

// Valid reports whether s is a known status.
func (s CycleStatus) Valid() bool {
	switch s {
	case CycleRunning, CycleSuccess, CycleAborted, CycleError:
		return true
	}
	return false
}

// CycleRun is one crawl cycle from planning to analysis.
type CycleRun struct {
	ID          uuid.UUID   `json:"id"`
	Trigger     string      `json:"trigger"`
	TradingDate string      `json:"trading_date"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Status      CycleStatus `json:"status"`
	Planned     int         `json:"planned"`
	Accepted    int         `json:"accepted"`
	Unresolved  int         `json:"unresolved"`
	// ErrorMessage is set for aborted and failed cycles.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// SymbolStats aggregates visit attempts for one symbol within a cycle.
type SymbolStats struct {
	CycleID    uuid.UUID `json:"cycle_id"`
	Symbol     string    `json:"symbol"`
	Attempts   int64     `json:"attempts"`
	Failures   int64     `json:"failures"`
	Accepted   bool      `json:"accepted"`
	LastError  *string   `json:"last_error,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// CycleRepository persists crawl cycle runs.
type CycleRepository interface {
	StartCycle(ctx context.Context, run CycleRun) error
	FinishCycle(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status CycleStatus,
		accepted, unresolved int,
		errMsg *string,
	) error
	// RecordVisits applies attempt/failure deltas for one symbol.
	RecordVisits(
		ctx context.Context,
		id uuid.UUID,
		symbol string,
		attempts, failures int64,
		accepted bool,
		lastErr *string,
		at time.Time,
	) error

	GetCycle(ctx context.Context, id uuid.UUID) (CycleRun, error)
	ListCycles(ctx context.Context, status *CycleStatus, limit, offset int) ([]CycleRun, error)
	ListCycleSymbols(ctx context.Context, id uuid.UUID, limit, offset int) ([]SymbolStats, error)
}
