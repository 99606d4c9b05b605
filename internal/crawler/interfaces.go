package crawler

import (
	"context"
	"time"
)

// Session is an expensive, stateful fetch resource such as a browser process.
// A session is used by at most one fetch at a time.
type Session interface {
	Close() error
}

// SessionFactory constructs a new Session.
type SessionFactory func(ctx context.Context) (Session, error)

// SessionPool lends sessions to workers.
type SessionPool interface {
	// With runs fn with a checked-out session and returns it on every exit path.
	With(ctx context.Context, fn func(Session) error) error
	// Warm verifies that at least one session can be constructed.
	Warm(ctx context.Context) error
	Shutdown() error
	Capacity() int
}

// PageFetcher loads a URL using the given session.
type PageFetcher interface {
	Fetch(ctx context.Context, session Session, url string) (Page, error)
}

// RecordExtractor turns fetched pages into targets and records.
type RecordExtractor interface {
	ExtractListing(page Page, seed Seed) ([]Target, error)
	// ExtractDetail always returns a record; failures are reported in its
	// Error field.
	ExtractDetail(page Page, target Target) Record
}

// Sink persists batches of records. first marks the first write of a run,
// which creates or overwrites the destination.
type Sink interface {
	Write(ctx context.Context, records []Record, first bool) error
}

// RecordWriter accumulates records and flushes them to a Sink.
type RecordWriter interface {
	Add(ctx context.Context, record Record) error
	Flush(ctx context.Context) error
	Stats() FlushStats
}

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter paces requests before each fetch.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}
