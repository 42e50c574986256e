package activity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEntries: flush once this many entries queue (default 500).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize      int
	MaxBatchEntries int
	MaxBatchWait    time.Duration
	SinkTimeout     time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
}

const (
	defaultBufferSize      = 4096
	defaultMaxBatchEntries = 500
	defaultMaxBatchWait    = 500 * time.Millisecond
	defaultSinkTimeout     = 10 * time.Second
	dropLogInterval        = 5 * time.Second
)

// Hub aggregates activity entries and fans them out to registered sinks. It is
// safe for concurrent use by multiple goroutines and never blocks emitters; a
// stalled sink costs dropped entries, not a stalled crawl.
type Hub struct {
	cfg     Config
	sinks   []Sink
	entries chan Entry
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	drops   dropCounter
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept entries.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEntries <= 0 {
		cfg.MaxBatchEntries = defaultMaxBatchEntries
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		entries: make(chan Entry, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		drops:   dropCounter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Entry for batching. It never blocks; if the buffer is full
// the entry is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(entry Entry) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := entry.Validate(); err != nil {
		h.logger.Debug("discarding invalid activity entry", zap.Error(err))
		return
	}
	select {
	case h.entries <- entry:
	default:
		if counts, logNow := h.drops.record(entry.Source, time.Now()); logNow {
			h.logger.Warn("activity entries dropped due to backpressure",
				zap.Any("dropped_by_source", counts))
		}
	}
}

// Dropped reports cumulative per-source counts of entries discarded under
// backpressure, so a single noisy scraper is identifiable.
func (h *Hub) Dropped() map[string]int64 {
	return h.drops.counts()
}

// Close drains remaining entries, flushes sinks, and blocks until the
// background goroutine exits. It is safe to call multiple times.
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
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("activity hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Entry, 0, h.cfg.MaxBatchEntries)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case entry := <-h.entries:
			batch = h.enqueue(batch, entry, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueue(batch []Entry, entry Entry, timer *time.Timer, timerActive *bool) []Entry {
	batch = append(batch, entry)
	if len(batch) >= h.cfg.MaxBatchEntries {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if h.cfg.MaxBatchWait > 0 {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Entry, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case entry := <-h.entries:
			batch = append(batch, entry)
			if len(batch) >= h.cfg.MaxBatchEntries {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if h.cfg.MaxBatchWait <= 0 {
		return
	}
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Entry(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("activity sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("activity sink close failed", zap.Error(err))
		}
	}
}

// dropCounter keeps per-source totals of dropped entries and rate-limits the
// warning log to one line per interval carrying the running counts.
type dropCounter struct {
	mu       sync.Mutex
	interval time.Duration
	lastLog  time.Time
	bySource map[string]int64
}

func (d *dropCounter) record(source string, now time.Time) (map[string]int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bySource == nil {
		d.bySource = make(map[string]int64)
	}
	d.bySource[source]++
	if d.interval > 0 && now.Sub(d.lastLog) < d.interval {
		return nil, false
	}
	d.lastLog = now
	return d.snapshotLocked(), true
}

func (d *dropCounter) counts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *dropCounter) snapshotLocked() map[string]int64 {
	out := make(map[string]int64, len(d.bySource))
	for source, n := range d.bySource {
		out[source] = n
	}
	return out
}
