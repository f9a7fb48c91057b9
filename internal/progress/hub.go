package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls Hub buffering. Zero values pick defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches events on a background goroutine and fans each batch out to
// every sink in order. Emit never blocks; events are dropped under
// backpressure.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	closed    atomic.Bool
	dropped   atomic.Int64
	lastWarn  atomic.Int64
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub over sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.warnDropped(time.Now())
	}
}

// Close flushes buffered events, closes the sinks, and waits for the loop to
// exit or ctx to end. Repeated calls wait on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				disarm()
				batch = h.flush(batch)
				continue
			}
			if timerC == nil {
				if timer == nil {
					timer = time.NewTimer(h.cfg.MaxBatchWait)
				} else {
					timer.Reset(h.cfg.MaxBatchWait)
				}
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			batch = h.flush(batch)
		case <-h.stop:
			disarm()
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			ctx := h.closeCtx
			for _, sink := range h.sinks {
				if err := sink.Close(ctx); err != nil {
					h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
				}
			}
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.cfg.Logger.Warn("progress sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) warnDropped(now time.Time) {
	last := h.lastWarn.Load()
	if now.UnixNano()-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if !h.lastWarn.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.cfg.Logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}
