package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/dircrawl/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator drives the two crawl stages over a shared session pool.
type Orchestrator struct {
	cfg       Config
	pool      SessionPool
	fetcher   PageFetcher
	extractor RecordExtractor
	retry     RetryPolicy
	limiter   Limiter
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy enables bounded retries of failed fetches.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.retry = p
		}
	}
}

// WithLimiter paces fetches, typically per host.
func WithLimiter(l Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

// New wires an orchestrator. Without WithRetryPolicy every URL gets exactly
// one attempt.
func New(cfg Config, pool SessionPool, fetcher PageFetcher, extractor RecordExtractor, opts ...Option) (*Orchestrator, error) {
	if pool == nil || fetcher == nil || extractor == nil {
		return nil, errors.New("orchestrator requires a session pool, fetcher and extractor")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg.withDefaults(pool.Capacity()),
		pool:      pool,
		fetcher:   fetcher,
		extractor: extractor,
		retry:     NewExponentialRetryPolicy(1, 0, 0),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("run_id", o.cfg.RunID))
	return o, nil
}

// Run warms the pool, discovers targets, collects one record per target,
// flushes the writer and shuts the pool down. The returned error is reserved
// for failures that prevent the crawl from starting; per-target problems are
// carried in records and summary warnings.
func (o *Orchestrator) Run(ctx context.Context, seeds []Seed, w RecordWriter) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: o.cfg.RunID, Seeds: len(seeds)}
	if w == nil {
		return summary, errors.New("run requires a record writer")
	}

	if err := o.pool.Warm(ctx); err != nil {
		if shutdownErr := o.pool.Shutdown(); shutdownErr != nil {
			o.logger.Warn("shutdown session pool", zap.Error(shutdownErr))
		}
		return summary, fmt.Errorf("start crawl: %w", err)
	}
	o.logger.Info("crawl started",
		zap.Int("seeds", len(seeds)),
		zap.Int("concurrency", o.cfg.Concurrency),
		zap.Bool("streaming", o.cfg.Streaming),
	)

	var stats StageStats
	if o.cfg.Streaming {
		summary.TargetsDiscovered, stats = o.stream(ctx, seeds, w)
	} else {
		targets := o.Discover(ctx, seeds)
		summary.TargetsDiscovered = len(targets)
		stats = o.Collect(ctx, targets, w)
	}

	// Records already in the writer are persisted even when the run was
	// cancelled.
	if err := w.Flush(context.WithoutCancel(ctx)); err != nil {
		stats.Warnings = append(stats.Warnings, err)
	}
	if err := o.pool.Shutdown(); err != nil {
		o.logger.Warn("shutdown session pool", zap.Error(err))
	}

	fs := w.Stats()
	summary.TargetsSkipped = stats.Skipped
	summary.RecordsProduced = stats.Records
	summary.ErrorRecords = stats.ErrorRecords
	summary.Warnings = stats.Warnings
	summary.Flushes = fs.Flushes
	summary.FlushFailures = fs.Failures
	summary.Duration = time.Since(start)

	o.logger.Info("crawl finished",
		zap.Int("targets", summary.TargetsDiscovered),
		zap.Int("records", summary.RecordsProduced),
		zap.Int("error_records", summary.ErrorRecords),
		zap.Int("flush_failures", summary.FlushFailures),
		zap.Duration("duration", summary.Duration),
	)
	if ctx.Err() != nil {
		o.logger.Warn("crawl cancelled before all targets were submitted", zap.Error(ctx.Err()))
	}
	return summary, nil
}

// Discover expands every seed through its listing page and returns the union
// of the targets found, deduplicated by URL with the first occurrence kept.
// A seed whose listing fails contributes no targets.
func (o *Orchestrator) Discover(ctx context.Context, seeds []Seed) []Target {
	results := make([][]Target, len(seeds))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, seed := range seeds {
		if ctx.Err() != nil {
			o.logger.Warn("stopping discovery", zap.Int("unsubmitted_seeds", len(seeds)-i))
			break
		}
		g.Go(func() error {
			results[i] = o.discoverSeed(ctx, seed)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var targets []Target
	for _, batch := range results {
		for _, t := range batch {
			if _, dup := seen[t.URL]; dup {
				continue
			}
			seen[t.URL] = struct{}{}
			targets = append(targets, t)
		}
	}
	metrics.AddTargetsDiscovered(len(targets))
	o.logger.Info("discovery finished", zap.Int("seeds", len(seeds)), zap.Int("targets", len(targets)))
	return targets
}

// Collect fetches every target's detail page and hands exactly one record per
// submitted target to w, in completion order.
func (o *Orchestrator) Collect(ctx context.Context, targets []Target, w RecordWriter) StageStats {
	c := o.newCollector(w)
	for i, t := range targets {
		if ctx.Err() != nil {
			o.logger.Warn("stopping collection", zap.Int("unsubmitted_targets", len(targets)-i))
			break
		}
		c.submit(ctx, t)
	}
	return c.wait()
}

// stream runs both stages concurrently, feeding targets to the collector as
// soon as each listing is parsed.
func (o *Orchestrator) stream(ctx context.Context, seeds []Seed, w RecordWriter) (int, StageStats) {
	found := make(chan Target, o.cfg.StreamBuffer)
	go func() {
		defer close(found)
		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency)
		for _, seed := range seeds {
			if ctx.Err() != nil {
				break
			}
			// found is drained until closed. Every parsed target is counted,
			// as in Discover.
			g.Go(func() error {
				for _, t := range o.discoverSeed(ctx, seed) {
					found <- t
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	c := o.newCollector(w)
	seen := make(map[string]struct{})
	unsubmitted := 0
	for t := range found {
		if _, dup := seen[t.URL]; dup {
			continue
		}
		seen[t.URL] = struct{}{}
		metrics.AddTargetsDiscovered(1)
		if ctx.Err() != nil {
			unsubmitted++
			continue
		}
		c.submit(ctx, t)
	}
	if unsubmitted > 0 {
		o.logger.Warn("stopping collection", zap.Int("unsubmitted_targets", unsubmitted))
	}
	return len(seen), c.wait()
}

func (o *Orchestrator) discoverSeed(ctx context.Context, seed Seed) []Target {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var targets []Target
	err := o.fetchPage(ctx, "listing", seed.URL, func(page Page) error {
		var extractErr error
		targets, extractErr = o.extractListing(page, seed)
		return extractErr
	})
	if err != nil {
		metrics.ObserveSeed(false)
		o.logger.Warn("seed discovery failed", zap.String("seed", seed.Key), zap.String("url", seed.URL), zap.Error(err))
		return nil
	}
	metrics.ObserveSeed(true)
	o.logger.Info("seed discovered", zap.String("seed", seed.Key), zap.Int("targets", len(targets)))
	return targets
}

func (o *Orchestrator) extractListing(page Page, seed Seed) (targets []Target, err error) {
	defer func() {
		if r := recover(); r != nil {
			targets, err = nil, fmt.Errorf("%w: listing %s: %v", ErrExtract, seed.Key, r)
		}
	}()
	targets, err = o.extractor.ExtractListing(page, seed)
	if err != nil && !errors.Is(err, ErrExtract) {
		err = fmt.Errorf("%w: %w", ErrExtract, err)
	}
	return targets, err
}

func (o *Orchestrator) extractDetail(page Page, t Target) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = ErrorRecord(t, fmt.Errorf("%w: %v", ErrExtract, r))
		}
	}()
	rec = o.extractor.ExtractDetail(page, t)
	if rec == nil {
		return ErrorRecord(t, fmt.Errorf("%w: no data", ErrExtract))
	}
	if rec[FieldName] == "" {
		rec[FieldName] = t.Name
	}
	if rec[FieldURL] == "" {
		rec[FieldURL] = t.URL
	}
	return rec
}

// collectTarget always returns a record. acqErr is set when the failure was
// the pool rather than the page.
func (o *Orchestrator) collectTarget(ctx context.Context, t Target) (rec Record, acqErr error) {
	err := o.fetchPage(ctx, "detail", t.URL, func(page Page) error {
		rec = o.extractDetail(page, t)
		return nil
	})
	if err == nil {
		return rec, nil
	}
	var rae *ResourceAcquisitionError
	if errors.As(err, &rae) || errors.Is(err, ErrPoolClosed) {
		acqErr = err
	}
	return ErrorRecord(t, err), acqErr
}

// fetchPage checks out a session, loads url and runs handle while the session
// is still held. Failed attempts are retried as the retry policy allows.
func (o *Orchestrator) fetchPage(ctx context.Context, stage, url string, handle func(Page) error) error {
	for attempt := 1; ; attempt++ {
		err := o.pool.With(ctx, func(s Session) error {
			page, err := o.fetchOnce(ctx, s, url)
			if err != nil {
				return err
			}
			metrics.ObserveFetch(stage, page.Duration)
			return handle(page)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !o.retry.ShouldRetry(err, attempt) {
			return err
		}
		backoff := o.retry.Backoff(attempt)
		o.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) fetchOnce(ctx context.Context, s Session, url string) (Page, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, url); err != nil {
			return Page{}, err
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	page, err := o.fetcher.Fetch(fetchCtx, s, url)
	if err != nil {
		if errors.Is(err, ErrSessionBroken) {
			return Page{}, err
		}
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Page{}, &FetchError{Kind: FetchTimeout, URL: url, Err: err}
		}
		return Page{}, NewFetchError(url, err)
	}
	if page.Duration == 0 {
		page.Duration = time.Since(start)
	}
	return page, nil
}

type collector struct {
	o *Orchestrator
	w RecordWriter
	g errgroup.Group

	mu    sync.Mutex
	stats StageStats
}

func (o *Orchestrator) newCollector(w RecordWriter) *collector {
	c := &collector{o: o, w: w}
	c.g.SetLimit(o.cfg.Concurrency)
	return c
}

func (c *collector) submit(ctx context.Context, t Target) {
	if _, done := c.o.cfg.SkipURLs[t.URL]; done {
		c.mu.Lock()
		c.stats.Skipped++
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.stats.Submitted++
	c.mu.Unlock()
	c.g.Go(func() error {
		c.run(ctx, t)
		return nil
	})
}

func (c *collector) run(ctx context.Context, t Target) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	rec, acqErr := c.o.collectTarget(ctx, t)
	metrics.ObserveRecord(!rec.HasError())
	if rec.HasError() {
		c.o.logger.Warn("target failed", zap.String("name", t.Name), zap.String("url", t.URL), zap.String("error", rec[FieldError]))
	} else {
		c.o.logger.Info("record collected",
			zap.String("name", rec[FieldName]),
			zap.String("address", rec["Address"]),
			zap.Int("fields", len(rec)),
		)
	}

	// A completed record is kept even if the run is being cancelled.
	addErr := c.w.Add(context.WithoutCancel(ctx), rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Records++
	if rec.HasError() {
		c.stats.ErrorRecords++
	}
	if acqErr != nil {
		c.stats.Warnings = append(c.stats.Warnings, fmt.Errorf("target %s: %w", t.URL, acqErr))
	}
	if addErr != nil {
		c.stats.Warnings = append(c.stats.Warnings, addErr)
	}
}

func (c *collector) wait() StageStats {
	_ = c.g.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
