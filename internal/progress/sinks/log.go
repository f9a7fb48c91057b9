package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/progress"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event. Visit successes are logged at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("cycle_id", evt.CycleID.String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Symbol != "" {
			fields = append(fields, zap.String("symbol", evt.Symbol))
		}
		if evt.TradingDate != "" {
			fields = append(fields, zap.String("trading_date", evt.TradingDate))
		}
		if evt.Stage.Terminal() {
			fields = append(fields,
				zap.Int("accepted", evt.AcceptedCount),
				zap.Int("unresolved", evt.Unresolved),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageVisitDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageVisitFailed, progress.StageCycleError, progress.StageCycleAborted:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error { return nil }
