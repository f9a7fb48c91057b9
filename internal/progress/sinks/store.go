package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/progress"
	"github.com/JakeFAU/market-navigator/internal/store"
)

// StoreSink persists cycle runs and per-symbol visit deltas. Visit events in
// one batch are collapsed per (cycle, symbol) before writing.
type StoreSink struct {
	repo   store.CycleRepository
	logger *zap.Logger
}

// NewStoreSink wraps repo.
func NewStoreSink(repo store.CycleRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type visitKey struct {
	cycle  uuid.UUID
	symbol string
}

type visitDelta struct {
	attempts int64
	failures int64
	accepted bool
	lastErr  *string
	at       time.Time
}

// Consume writes cycle transitions in order and flushes visit deltas before
// any cycle finish in the same batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[visitKey]*visitDelta)
	order := []visitKey{}

	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageCycleStart:
			run := store.CycleRun{
				ID:          evt.CycleID,
				Trigger:     evt.Trigger,
				TradingDate: evt.TradingDate,
				StartedAt:   evt.TS,
				Planned:     evt.Planned,
			}
			if err := s.repo.StartCycle(ctx, run); err != nil {
				return fmt.Errorf("start cycle: %w", err)
			}
		case evt.Stage == progress.StageVisitDone || evt.Stage == progress.StageVisitFailed:
			key := visitKey{cycle: evt.CycleID, symbol: evt.Symbol}
			d := deltas[key]
			if d == nil {
				d = &visitDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			d.attempts++
			if evt.Stage == progress.StageVisitFailed {
				d.failures++
				note := evt.Note
				d.lastErr = &note
			} else if evt.Accepted {
				d.accepted = true
			}
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		case evt.Stage.Terminal():
			if err := s.flushVisits(ctx, deltas, &order); err != nil {
				return err
			}
			var msg *string
			if evt.Note != "" {
				note := evt.Note
				msg = &note
			}
			status := store.CycleSuccess
			switch evt.Stage {
			case progress.StageCycleAborted:
				status = store.CycleAborted
			case progress.StageCycleError:
				status = store.CycleError
			}
			if err := s.repo.FinishCycle(ctx, evt.CycleID, evt.TS, status, evt.AcceptedCount, evt.Unresolved, msg); err != nil {
				return fmt.Errorf("finish cycle: %w", err)
			}
		}
	}
	return s.flushVisits(ctx, deltas, &order)
}

func (s *StoreSink) flushVisits(ctx context.Context, deltas map[visitKey]*visitDelta, order *[]visitKey) error {
	for _, key := range *order {
		d := deltas[key]
		if err := s.repo.RecordVisits(ctx, key.cycle, key.symbol, d.attempts, d.failures, d.accepted, d.lastErr, d.at); err != nil {
			return fmt.Errorf("record visits: %w", err)
		}
		delete(deltas, key)
	}
	*order = (*order)[:0]
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error { return nil }
