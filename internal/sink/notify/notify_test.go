package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/publisher/memory"
)

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Write(context.Context, []crawler.Record, bool) error {
	s.calls++
	return s.err
}

func TestPublishesAfterSuccessfulWrite(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	s, err := New(&stubSink{}, pub, Config{Topic: "batches", RunID: "run-1", Destination: "company_data.csv"}, nil)
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	records := []crawler.Record{
		crawler.NewRecord(crawler.Target{Name: "A", URL: "a"}),
		crawler.ErrorRecord(crawler.Target{Name: "B", URL: "b"}, errors.New("timeout")),
	}
	require.NoError(t, s.Write(context.Background(), records, true))
	require.NoError(t, s.Write(context.Background(), records[:1], false))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "batches", msgs[0].Topic)
	assert.Equal(t, BatchFlushed{
		RunID:        "run-1",
		Batch:        1,
		Records:      2,
		ErrorRecords: 1,
		First:        true,
		Destination:  "company_data.csv",
		FlushedAt:    fixed,
	}, msgs[0].Payload)
	assert.Equal(t, 2, msgs[1].Payload.(BatchFlushed).Batch)
}

func TestFailedWriteIsNotAnnounced(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	boom := errors.New("disk full")
	s, err := New(&stubSink{err: boom}, pub, Config{Topic: "batches"}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.Write(context.Background(), nil, true), boom)
	assert.Empty(t, pub.Messages())
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("broker unavailable"))
	inner := &stubSink{}
	s, err := New(inner, pub, Config{Topic: "batches"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), nil, true))
	assert.Equal(t, 1, inner.calls)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, memory.New(), Config{}, nil)
	require.Error(t, err)
	_, err = New(&stubSink{}, nil, Config{}, nil)
	require.Error(t, err)
}
