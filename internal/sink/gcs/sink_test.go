package gcs

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string]string{}, types: map[string]string{}}
}

func (m *memoryStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = string(data)
	m.types[path] = contentType
	return "gs://bucket/" + path, nil
}

func TestNewSinkValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSink(nil, Config{RunID: "r"}, nil)
	require.Error(t, err)
	_, err = NewSink(newMemoryStore(), Config{}, nil)
	require.Error(t, err)
}

func TestWriteUploadsNumberedParts(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	s, err := NewSink(store, Config{Prefix: "/crawls/", RunID: "run-1"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a := crawler.Record{crawler.FieldName: "A", crawler.FieldURL: "https://example.com/a", "Phone": "1"}
	b := crawler.Record{crawler.FieldName: "B", crawler.FieldURL: "https://example.com/b", "Email": "b@example.com"}
	require.NoError(t, s.Write(ctx, []crawler.Record{a}, true))
	require.NoError(t, s.Write(ctx, []crawler.Record{b}, false))
	require.NoError(t, s.Write(ctx, nil, false))

	require.Len(t, store.objects, 2)
	first := store.objects["crawls/run-1/part-00001.csv"]
	second := store.objects["crawls/run-1/part-00002.csv"]
	assert.True(t, strings.HasPrefix(first, "Company Name,URL,Phone\n"))
	assert.True(t, strings.HasPrefix(second, "Company Name,URL,Email\n"))
	assert.Equal(t, csvContentType, store.types["crawls/run-1/part-00001.csv"])
}

func TestEmptyFirstBatchUploadsHeader(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	s, err := NewSink(store, Config{RunID: "run-2"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), nil, true))
	assert.Equal(t, "Company Name,URL\n", store.objects["run-2/part-00001.csv"])
}

func TestFailedUploadDoesNotConsumePartNumber(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	s, err := NewSink(store, Config{RunID: "run-3"}, nil)
	require.NoError(t, err)
	rec := crawler.Record{crawler.FieldName: "A", crawler.FieldURL: "u"}

	store.err = errors.New("403 forbidden")
	require.Error(t, s.Write(context.Background(), []crawler.Record{rec}, true))

	store.err = nil
	require.NoError(t, s.Write(context.Background(), []crawler.Record{rec}, false))
	assert.Contains(t, store.objects, "run-3/part-00001.csv")
}
