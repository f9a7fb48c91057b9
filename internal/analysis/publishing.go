package analysis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Publishing wraps an engine and publishes every successful result to topic.
// Publish failures are logged and never fail the run.
type Publishing struct {
	next      crawler.AnalysisEngine
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishing decorates next.
func NewPublishing(next crawler.AnalysisEngine, publisher crawler.Publisher, topic string, logger *zap.Logger) *Publishing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publishing{next: next, publisher: publisher, topic: topic, logger: logger}
}

// Run implements crawler.AnalysisEngine.
func (p *Publishing) Run(ctx context.Context, snapshots []crawler.Snapshot, now time.Time) (crawler.RankedResult, error) {
	result, err := p.next.Run(ctx, snapshots, now)
	if err != nil {
		return result, err
	}
	msgID, err := p.publisher.Publish(ctx, p.topic, result)
	if err != nil {
		p.logger.Warn("publish analysis failed",
			zap.String("topic", p.topic),
			zap.String("trading_date", result.TradingDate),
			zap.Error(err),
		)
		return result, nil
	}
	p.logger.Info("analysis published",
		zap.String("topic", p.topic),
		zap.String("message_id", msgID),
		zap.Int("entries", len(result.Entries)),
	)
	return result, nil
}
