package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/market-navigator/internal/store"
)

// CycleStore implements store.CycleRepository.
type CycleStore struct {
	pool Pool
}

// NewCycleStore builds a CycleStore over pool.
func NewCycleStore(pool Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

// StartCycle inserts a running cycle. Replaying the same id is a no-op.
func (s *CycleStore) StartCycle(ctx context.Context, run store.CycleRun) error {
	query := `
		INSERT INTO cycle_runs (id, trigger, trading_date, started_at, status, planned)
		VALUES ($1, $2, $3::date, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, run.ID, run.Trigger, run.TradingDate, run.StartedAt, store.CycleRunning, run.Planned)
	if err != nil {
		return fmt.Errorf("insert cycle start: %w", err)
	}
	return nil
}

// FinishCycle records the terminal status of a cycle.
func (s *CycleStore) FinishCycle(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.CycleStatus,
	accepted, unresolved int,
	errMsg *string,
) error {
	query := `
		UPDATE cycle_runs
		SET finished_at = $1, status = $2, accepted = $3, unresolved = $4, error_message = $5
		WHERE id = $6;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, accepted, unresolved, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordVisits adds attempt and failure deltas for one symbol.
func (s *CycleStore) RecordVisits(
	ctx context.Context,
	id uuid.UUID,
	symbol string,
	attempts, failures int64,
	accepted bool,
	lastErr *string,
	at time.Time,
) error {
	query := `
		INSERT INTO cycle_symbols (cycle_id, symbol, attempts, failures, accepted, last_error, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_id, symbol) DO UPDATE
		SET attempts = cycle_symbols.attempts + EXCLUDED.attempts,
			failures = cycle_symbols.failures + EXCLUDED.failures,
			accepted = cycle_symbols.accepted OR EXCLUDED.accepted,
			last_error = COALESCE(EXCLUDED.last_error, cycle_symbols.last_error),
			last_update = GREATEST(cycle_symbols.last_update, EXCLUDED.last_update);
	`
	_, err := s.pool.Exec(ctx, query, id, symbol, attempts, failures, accepted, lastErr, at)
	if err != nil {
		return fmt.Errorf("upsert cycle symbol: %w", err)
	}
	return nil
}

const cycleColumns = `id, trigger, trading_date::text, started_at, finished_at, status, planned, accepted, unresolved, error_message`

// GetCycle loads one cycle or returns store.ErrNotFound.
func (s *CycleStore) GetCycle(ctx context.Context, id uuid.UUID) (store.CycleRun, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycle_runs WHERE id = $1;`
	run, err := scanCycle(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CycleRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.CycleRun{}, fmt.Errorf("get cycle: %w", err)
	}
	return run, nil
}

// ListCycles returns the newest cycles first, optionally filtered by status.
func (s *CycleStore) ListCycles(ctx context.Context, status *store.CycleStatus, limit, offset int) ([]store.CycleRun, error) {
	query := `
		SELECT ` + cycleColumns + `
		FROM cycle_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	runs := []store.CycleRun{}
	for rows.Next() {
		run, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListCycleSymbols returns per-symbol stats for a cycle.
func (s *CycleStore) ListCycleSymbols(ctx context.Context, id uuid.UUID, limit, offset int) ([]store.SymbolStats, error) {
	query := `
		SELECT cycle_id, symbol, attempts, failures, accepted, last_error, last_update
		FROM cycle_symbols
		WHERE cycle_id = $1
		ORDER BY symbol
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list cycle symbols: %w", err)
	}
	defer rows.Close()

	stats := []store.SymbolStats{}
	for rows.Next() {
		var st store.SymbolStats
		if err := rows.Scan(
			&st.CycleID,
			&st.Symbol,
			&st.Attempts,
			&st.Failures,
			&st.Accepted,
			&st.LastError,
			&st.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan cycle symbol row: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func scanCycle(row pgx.Row) (store.CycleRun, error) {
	var (
		run    store.CycleRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Trigger,
		&run.TradingDate,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Planned,
		&run.Accepted,
		&run.Unresolved,
		&run.ErrorMessage,
	)
	run.Status = store.CycleStatus(status)
	return run, err
}
