package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
)

// Sink receives a flushed batch of ticks.
type Sink func(ctx context.Context, ticks []storage.Tick) error

const (
	// DefaultFlushInterval is the buffered-mode cadence.
	DefaultFlushInterval = 30 * time.Second

	// MaxFlushInterval bounds buffered-mode data loss: a crash between
	// flushes loses at most one interval's worth of ticks.
	MaxFlushInterval = 60 * time.Second
)

// Buffer batches ticks in memory and flushes them to a sink on an
// interval. In immediate mode every Add writes through instead, for
// platforms whose background context is unloaded too aggressively to
// trust an in-memory buffer.
//
// A failed flush drops its batch: persistence failures are logged and
// accepted as bounded loss, never retried.
type Buffer struct {
	sink      Sink
	immediate bool
	interval  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []storage.Tick

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a buffer. The interval is clamped to MaxFlushInterval and
// defaults when non-positive.
func New(sink Sink, immediate bool, interval time.Duration, logger zerolog.Logger) *Buffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if interval > MaxFlushInterval {
		interval = MaxFlushInterval
	}
	return &Buffer{
		sink:      sink,
		immediate: immediate,
		interval:  interval,
		logger:    logger.With().Str("component", "buffer").Logger(),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the periodic flush loop. No-op in immediate mode.
func (b *Buffer) Start() {
	if b.immediate {
		close(b.doneChan)
		return
	}
	go b.run()
	b.logger.Info().Dur("interval", b.interval).Msg("Write buffer started")
}

// Stop halts the flush loop after draining whatever is pending.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.doneChan
	if !b.immediate {
		b.logger.Info().Msg("Write buffer stopped")
	}
}

// Add enqueues one tick, or writes it through in immediate mode.
func (b *Buffer) Add(ctx context.Context, tick storage.Tick) {
	if b.immediate {
		b.write(ctx, []storage.Tick{tick})
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, tick)
	n := len(b.pending)
	b.mu.Unlock()
	metrics.BufferedTicks.Set(float64(n))
}

// Flush writes out the current buffer contents. The swap is atomic:
// ticks added during the write land in the next batch.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	metrics.BufferedTicks.Set(0)

	if len(batch) == 0 {
		return
	}
	b.write(ctx, batch)
}

func (b *Buffer) write(ctx context.Context, batch []storage.Tick) {
	if err := b.sink(ctx, batch); err != nil {
		metrics.BufferFlushes.WithLabelValues("error").Inc()
		metrics.DroppedTicks.Add(float64(len(batch)))
		b.logger.Error().Err(err).Int("ticks", len(batch)).Msg("Flush failed, batch dropped")
		return
	}
	metrics.BufferFlushes.WithLabelValues("ok").Inc()
}

func (b *Buffer) run() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushOnce()
		case <-b.stopChan:
			// Drain before exiting.
			b.flushOnce()
			return
		}
	}
}

func (b *Buffer) flushOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.Flush(ctx)
}
