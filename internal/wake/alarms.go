package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Handler is invoked when a named alarm fires.
type Handler func(ctx context.Context, alarm Alarm)

// Alarms is the wake primitive: register/cancel named due times and dispatch
// them to handlers. Due times live in the Store, so alarms that came due while
// the process was down fire on the first poll after Run starts.
type Alarms struct {
	store    Store
	clock    crawler.Clock
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewAlarms constructs an Alarms dispatcher polling store every interval.
func NewAlarms(store Store, clock crawler.Clock, interval time.Duration, logger *zap.Logger) *Alarms {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Alarms{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Store exposes the underlying persistence for checkpointing.
func (a *Alarms) Store() Store {
	return a.store
}

// Handle binds fn to alarms called name, replacing any previous handler.
func (a *Alarms) Handle(name string, fn Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[name] = fn
}

// Register arms (or re-arms) the named alarm.
func (a *Alarms) Register(ctx context.Context, name string, fireAt time.Time) error {
	if err := a.store.SetAlarm(ctx, name, fireAt); err != nil {
		return fmt.Errorf("register alarm: %w", err)
	}
	return nil
}

// Cancel removes the named alarm. It reports whether the alarm was still
// pending, i.e. whether the caller won the race against the poller.
func (a *Alarms) Cancel(ctx context.Context, name string) (bool, error) {
	ok, err := a.store.ClearAlarm(ctx, name)
	if err != nil {
		return false, fmt.Errorf("cancel alarm: %w", err)
	}
	return ok, nil
}

// Run polls for due alarms until ctx is canceled.
func (a *Alarms) Run(ctx context.Context) error {
	a.FireDue(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.FireDue(ctx)
		}
	}
}

// FireDue dispatches every alarm due at the clock's current time. An alarm is
// claimed by clearing it before its handler runs.
func (a *Alarms) FireDue(ctx context.Context) int {
	due, err := a.store.DueAlarms(ctx, a.clock.Now())
	if err != nil {
		a.logger.Warn("list due alarms failed", zap.Error(err))
		return 0
	}
	fired := 0
	for _, alarm := range due {
		claimed, err := a.store.ClearAlarm(ctx, alarm.Name)
		if err != nil {
			a.logger.Warn("claim alarm failed", zap.String("alarm", alarm.Name), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		a.mu.RLock()
		fn := a.handlers[alarm.Name]
		a.mu.RUnlock()
		if fn == nil {
			a.logger.Warn("no handler for alarm", zap.String("alarm", alarm.Name))
			continue
		}
		fn(ctx, alarm)
		fired++
	}
	return fired
}
