package crawler_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JakeFAU/dircrawl/internal/batch"
	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	busy atomic.Bool
}

func (s *stubSession) Close() error { return nil }

type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fail    map[string]error
	failN   map[string]int
	hang    map[string]bool
	calls   map[string]int
	onFetch func(url string)
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		pages: map[string]string{},
		fail:  map[string]error{},
		failN: map[string]int{},
		hang:  map[string]bool{},
		calls: map[string]int{},
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, session crawler.Session, url string) (crawler.Page, error) {
	s := session.(*stubSession)
	if !s.busy.CompareAndSwap(false, true) {
		return crawler.Page{}, errors.New("session used concurrently")
	}
	defer s.busy.Store(false)

	f.mu.Lock()
	f.calls[url]++
	html, ok := f.pages[url]
	err := f.fail[url]
	if n := f.failN[url]; n > 0 {
		f.failN[url] = n - 1
		err = &crawler.FetchError{Kind: crawler.FetchNetwork, URL: url, Err: errors.New("connection reset")}
	}
	hang := f.hang[url]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if hang {
		<-ctx.Done()
		return crawler.Page{}, ctx.Err()
	}
	if err != nil {
		return crawler.Page{}, err
	}
	if !ok {
		return crawler.Page{}, fmt.Errorf("no page for %s", url)
	}
	return crawler.Page{URL: url, FinalURL: url, HTML: html}, nil
}

func (f *stubFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// stubExtractor treats listing HTML as a seed key and detail HTML as the
// company's address.
type stubExtractor struct {
	listings map[string][]crawler.Target
	panicOn  string
}

func (e *stubExtractor) ExtractListing(page crawler.Page, seed crawler.Seed) ([]crawler.Target, error) {
	if page.HTML == "garbage" {
		return nil, errors.New("unexpected markup")
	}
	return e.listings[seed.Key], nil
}

func (e *stubExtractor) ExtractDetail(page crawler.Page, t crawler.Target) crawler.Record {
	if t.URL == e.panicOn {
		panic("nil selection")
	}
	r := crawler.NewRecord(t)
	r["Address"] = page.HTML
	return r
}

type memorySink struct {
	mu      sync.Mutex
	batches [][]crawler.Record
	firsts  []bool
}

func (s *memorySink) Write(_ context.Context, records []crawler.Record, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	s.firsts = append(s.firsts, first)
	return nil
}

func (s *memorySink) records() []crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][crawler.FieldURL] < out[j][crawler.FieldURL] })
	return out
}

type harness struct {
	fetcher   *stubFetcher
	extractor *stubExtractor
	pool      *pool.Pool
	sink      *memorySink
	writer    *batch.Writer
	created   *atomic.Int64
}

func newHarness(t *testing.T, capacity, batchSize int) *harness {
	t.Helper()
	created := &atomic.Int64{}
	p, err := pool.New(capacity, func(context.Context) (crawler.Session, error) {
		created.Add(1)
		return &stubSession{}, nil
	}, nil)
	require.NoError(t, err)
	sink := &memorySink{}
	w, err := batch.NewWriter(sink, batchSize)
	require.NoError(t, err)
	return &harness{
		fetcher:   newStubFetcher(),
		extractor: &stubExtractor{listings: map[string][]crawler.Target{}},
		pool:      p,
		sink:      sink,
		writer:    w,
		created:   created,
	}
}

func (h *harness) seed(key string, targets ...string) crawler.Seed {
	s := crawler.Seed{Key: key, URL: "https://dir.example.com/list/" + key}
	h.fetcher.pages[s.URL] = "listing " + key
	for _, name := range targets {
		url := "https://dir.example.com/company/" + name
		h.extractor.listings[key] = append(h.extractor.listings[key], crawler.Target{Name: name, URL: url, Seed: key})
		h.fetcher.pages[url] = name + " street"
	}
	return s
}

func (h *harness) orchestrator(t *testing.T, cfg crawler.Config, opts ...crawler.Option) *crawler.Orchestrator {
	t.Helper()
	o, err := crawler.New(cfg, h.pool, h.fetcher, h.extractor, opts...)
	require.NoError(t, err)
	return o
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := crawler.New(crawler.Config{}, nil, newStubFetcher(), &stubExtractor{})
	require.Error(t, err)
}

func TestRunTwoSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 2)
	seeds := []crawler.Seed{h.seed("A", "X", "Y"), h.seed("B", "Z")}

	summary, err := h.orchestrator(t, crawler.Config{RunID: "run-a"}).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TargetsDiscovered)
	assert.Equal(t, 3, summary.RecordsProduced)
	assert.Zero(t, summary.ErrorRecords)
	assert.Equal(t, 2, summary.Flushes)
	assert.Zero(t, summary.FlushFailures)
	assert.Empty(t, summary.Warnings)

	recs := h.sink.records()
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.False(t, r.HasError(), r)
		assert.Equal(t, r[crawler.FieldName]+" street", r["Address"])
	}
	assert.Equal(t, []bool{true, false}, h.sink.firsts)
	assert.LessOrEqual(t, h.created.Load(), int64(2))
	assert.Zero(t, h.pool.Live(), "pool shut down after run")
}

func TestTimedOutTargetBecomesErrorRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 50)
	seeds := []crawler.Seed{h.seed("A", "X", "Y"), h.seed("B", "Z")}
	h.fetcher.hang["https://dir.example.com/company/Y"] = true
	o := h.orchestrator(t, crawler.Config{FetchTimeout: 50 * time.Millisecond})

	targets := o.Discover(context.Background(), seeds)
	require.Len(t, targets, 3)
	stats := o.Collect(context.Background(), targets, h.writer)
	require.NoError(t, h.writer.Flush(context.Background()))

	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 1, stats.ErrorRecords)
	assert.Empty(t, stats.Warnings)

	recs := h.sink.records()
	require.Len(t, recs, 3)
	failed := recs[1]
	assert.Equal(t, "Y", failed[crawler.FieldName])
	assert.Equal(t, "https://dir.example.com/company/Y", failed[crawler.FieldURL])
	assert.Contains(t, failed[crawler.FieldError], "timeout")
	assert.False(t, recs[0].HasError())
	assert.False(t, recs[2].HasError())

	// Every session went back to the pool.
	assert.Equal(t, h.pool.Live(), h.pool.Idle())
	assert.LessOrEqual(t, h.pool.Live(), 2)
}

func TestEveryTargetYieldsExactlyOneRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 7)
	var names []string
	for i := range 40 {
		names = append(names, fmt.Sprintf("C%02d", i))
	}
	seeds := []crawler.Seed{h.seed("A", names[:25]...), h.seed("B", names[25:]...)}
	h.fetcher.fail["https://dir.example.com/company/C03"] = errors.New("net::ERR_NAME_NOT_RESOLVED")
	h.fetcher.fail["https://dir.example.com/company/C31"] = errors.New("net::ERR_CONNECTION_REFUSED")
	h.extractor.panicOn = "https://dir.example.com/company/C17"

	summary, err := h.orchestrator(t, crawler.Config{}).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Equal(t, 40, summary.TargetsDiscovered)
	assert.Equal(t, 40, summary.RecordsProduced)
	assert.Equal(t, 3, summary.ErrorRecords)

	recs := h.sink.records()
	require.Len(t, recs, 40)
	seen := map[string]bool{}
	for _, r := range recs {
		assert.False(t, seen[r[crawler.FieldURL]], "duplicate record for %s", r[crawler.FieldURL])
		seen[r[crawler.FieldURL]] = true
		assert.NotEmpty(t, r[crawler.FieldName])
	}
	assert.Contains(t, recs[17][crawler.FieldError], crawler.ErrExtract.Error())
	assert.Contains(t, recs[3][crawler.FieldError], "ERR_NAME_NOT_RESOLVED")
}

func TestDiscoverDeduplicatesAndSkipsFailedSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 10)
	a := h.seed("A", "X", "Y")
	b := h.seed("B", "Y", "Z")
	c := h.seed("C", "W")
	d := h.seed("D", "V")
	h.fetcher.fail[c.URL] = errors.New("navigation failed")
	h.fetcher.pages[d.URL] = "garbage"

	targets := h.orchestrator(t, crawler.Config{}).Discover(context.Background(), []crawler.Seed{a, b, c, d})

	var urls []string
	for _, tg := range targets {
		urls = append(urls, tg.URL)
	}
	assert.ElementsMatch(t, []string{
		"https://dir.example.com/company/X",
		"https://dir.example.com/company/Y",
		"https://dir.example.com/company/Z",
	}, urls)
	for _, tg := range targets {
		if tg.Name == "Y" {
			assert.Equal(t, "A", tg.Seed, "first occurrence wins")
		}
	}
}

func TestStreamingProducesSameRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 3)
	seeds := []crawler.Seed{h.seed("A", "X", "Y"), h.seed("B", "Y", "Z"), h.seed("C")}

	summary, err := h.orchestrator(t, crawler.Config{Streaming: true, StreamBuffer: 1}).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TargetsDiscovered)
	assert.Equal(t, 3, summary.RecordsProduced)
	require.Len(t, h.sink.records(), 3)
}

func TestWarmFailureIsFatal(t *testing.T) {
	t.Parallel()

	p, err := pool.New(2, func(context.Context) (crawler.Session, error) {
		return nil, errors.New("chrome not found")
	}, nil)
	require.NoError(t, err)
	sink := &memorySink{}
	w, err := batch.NewWriter(sink, 5)
	require.NoError(t, err)
	o, err := crawler.New(crawler.Config{}, p, newStubFetcher(), &stubExtractor{})
	require.NoError(t, err)

	_, err = o.Run(context.Background(), []crawler.Seed{{Key: "A", URL: "https://dir.example.com/list/A"}}, w)
	var acqErr *crawler.ResourceAcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Empty(t, sink.batches)
}

func TestEmptyRunStillFlushes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 5)
	summary, err := h.orchestrator(t, crawler.Config{}).Run(context.Background(), []crawler.Seed{h.seed("Q")}, h.writer)
	require.NoError(t, err)

	assert.Zero(t, summary.RecordsProduced)
	require.Len(t, h.sink.batches, 1)
	assert.Empty(t, h.sink.batches[0])
	assert.True(t, h.sink.firsts[0])
}

func TestCancellationStopsSubmittingButKeepsInFlightRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 100)
	var names []string
	for i := range 10 {
		names = append(names, fmt.Sprintf("C%d", i))
	}
	seed := h.seed("A", names...)
	o := h.orchestrator(t, crawler.Config{})
	targets := o.Discover(context.Background(), []crawler.Seed{seed})
	require.Len(t, targets, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onFetch = func(string) { cancel() }

	stats := o.Collect(ctx, targets, h.writer)
	require.NoError(t, h.writer.Flush(context.Background()))

	assert.Less(t, stats.Submitted, 10)
	assert.Equal(t, stats.Submitted, stats.Records)
	assert.Len(t, h.sink.records(), stats.Records)
}

func TestSkipURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 10)
	seeds := []crawler.Seed{h.seed("A", "X", "Y", "Z")}
	cfg := crawler.Config{SkipURLs: map[string]struct{}{"https://dir.example.com/company/Y": {}}}

	summary, err := h.orchestrator(t, cfg).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TargetsDiscovered)
	assert.Equal(t, 1, summary.TargetsSkipped)
	assert.Equal(t, 2, summary.RecordsProduced)
	assert.Zero(t, h.fetcher.callsFor("https://dir.example.com/company/Y"))
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 10)
	seeds := []crawler.Seed{h.seed("A", "X")}
	h.fetcher.failN["https://dir.example.com/company/X"] = 1
	retry := crawler.NewExponentialRetryPolicy(2, time.Millisecond, 2*time.Millisecond)

	summary, err := h.orchestrator(t, crawler.Config{}, crawler.WithRetryPolicy(retry)).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Zero(t, summary.ErrorRecords)
	assert.Equal(t, 2, h.fetcher.callsFor("https://dir.example.com/company/X"))
}

func TestNoRetryByDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 10)
	seeds := []crawler.Seed{h.seed("A", "X")}
	h.fetcher.failN["https://dir.example.com/company/X"] = 1

	summary, err := h.orchestrator(t, crawler.Config{}).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ErrorRecords)
	assert.Equal(t, 1, h.fetcher.callsFor("https://dir.example.com/company/X"))
}

func TestLimiterRunsBeforeEachFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 10)
	seeds := []crawler.Seed{h.seed("A", "X", "Y")}
	lim := &countingLimiter{}

	_, err := h.orchestrator(t, crawler.Config{}, crawler.WithLimiter(lim)).Run(context.Background(), seeds, h.writer)
	require.NoError(t, err)

	assert.EqualValues(t, 3, lim.n.Load())
}

type countingLimiter struct {
	n atomic.Int64
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.n.Add(1)
	return nil
}

func TestCancelledDuringDiscoveryCountsTheSameInBothModes(t *testing.T) {
	t.Parallel()

	for _, streaming := range []bool{false, true} {
		t.Run(fmt.Sprintf("streaming=%v", streaming), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 2, 10)
			seed := h.seed("A", "X", "Y", "Z")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.fetcher.onFetch = func(url string) {
				if url == seed.URL {
					cancel()
				}
			}

			cfg := crawler.Config{Streaming: streaming, StreamBuffer: 1}
			summary, err := h.orchestrator(t, cfg).Run(ctx, []crawler.Seed{seed}, h.writer)
			require.NoError(t, err)

			assert.Equal(t, 3, summary.TargetsDiscovered)
			assert.Zero(t, summary.RecordsProduced)
			assert.Zero(t, h.fetcher.callsFor("https://dir.example.com/company/X"))
		})
	}
}
