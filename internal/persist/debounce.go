package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// WriteFunc performs one deferred write.
type WriteFunc func(ctx context.Context) error

// Debouncer coalesces writes per key: only the last write scheduled for a key
// within the delay runs. Schedule never blocks on I/O.
type Debouncer struct {
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]WriteFunc
	timer   *time.Timer
	closed  bool

	flushMu sync.Mutex
}

// NewDebouncer creates a Debouncer. Negative delays are treated as zero.
func NewDebouncer(delay time.Duration, logger *slog.Logger) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer{
		delay:   delay,
		logger:  logger.With(slog.String("component", "persist_debounce")),
		pending: make(map[string]WriteFunc),
	}
}

// Schedule replaces any pending write for key with fn and arms the timer.
func (d *Debouncer) Schedule(key string, fn WriteFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending[key] = fn
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, func() {
			_ = d.Flush(context.Background())
		})
	}
}

// Pending returns the number of queued writes.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush runs every pending write now, in key order. It returns the number
// of writes that failed; failures are logged.
func (d *Debouncer) Flush(ctx context.Context) int {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]WriteFunc)
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	failed := 0
	for _, k := range keys {
		if err := batch[k](ctx); err != nil {
			failed++
			d.logger.WarnContext(ctx, "deferred write failed",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
		}
	}
	return failed
}

// Close flushes and stops accepting writes.
func (d *Debouncer) Close(ctx context.Context) int {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Flush(ctx)
}
