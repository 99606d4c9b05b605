// Package batch buffers crawl records and hands them to a sink in
// fixed-size batches, so completed work is persisted while the crawl runs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/metrics"
	"go.uber.org/zap"
)

// Writer accumulates records and flushes them to a sink once the batch size
// is reached. It is safe for concurrent use.
type Writer struct {
	sink   crawler.Sink
	size   int
	logger *zap.Logger

	mu          sync.Mutex
	pending     []crawler.Record
	initialized bool
	seq         int
	stats       crawler.FlushStats
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger used for flush reporting.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithAppend treats the destination as already initialized, so the first
// flush appends instead of recreating it.
func WithAppend() Option {
	return func(w *Writer) {
		w.initialized = true
	}
}

// NewWriter returns a writer that flushes every size records.
func NewWriter(sink crawler.Sink, size int, opts ...Option) (*Writer, error) {
	if sink == nil {
		return nil, errors.New("batch writer requires a sink")
	}
	if size < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	w := &Writer{
		sink:    sink,
		size:    size,
		logger:  zap.NewNop(),
		pending: make([]crawler.Record, 0, size),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add appends a record and flushes when the batch is full. A returned error is
// a *crawler.SinkWriteError for the batch that was dropped.
func (w *Writer) Add(ctx context.Context, record crawler.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, record.Clone())
	if len(w.pending) < w.size {
		return nil
	}
	return w.flushLocked(ctx)
}

// Flush writes whatever is pending. With nothing pending it only calls the
// sink when nothing has been written yet, so an empty run still creates the
// destination.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 && w.initialized {
		return nil
	}
	return w.flushLocked(ctx)
}

// Stats reports flush counters.
func (w *Writer) Stats() crawler.FlushStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Pending reports the number of buffered records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	records := w.pending
	w.pending = make([]crawler.Record, 0, w.size)
	w.seq++
	first := !w.initialized

	if err := w.sink.Write(ctx, records, first); err != nil {
		w.stats.Failures++
		metrics.ObserveFlush(false, len(records))
		werr := &crawler.SinkWriteError{Batch: w.seq, Records: len(records), Err: err}
		w.logger.Error("batch flush failed",
			zap.Int("batch", w.seq),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		return werr
	}

	w.initialized = true
	w.stats.Flushes++
	w.stats.Records += len(records)
	metrics.ObserveFlush(true, len(records))
	w.logger.Info("batch flushed",
		zap.Int("batch", w.seq),
		zap.Int("records", len(records)),
		zap.Bool("first", first),
	)
	return nil
}
