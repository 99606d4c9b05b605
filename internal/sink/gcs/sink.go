// Package gcs uploads each batch of crawl records as a CSV object in a Google
// Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	csvsink "github.com/JakeFAU/dircrawl/internal/sink/csv"
)

const csvContentType = "text/csv; charset=utf-8"

// Config captures the destination of the uploaded parts.
type Config struct {
	Bucket string
	Prefix string
	RunID  string
}

// ObjectWriter uploads a single object.
type ObjectWriter interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore creates a GCS-backed blob store and checks the bucket is
// reachable.
func NewBlobStore(ctx context.Context, client *storage.Client, bucket string) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("get bucket %q attributes: %w", bucket, err)
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Sink stores batch n of a run at <prefix>/<run_id>/part-NNNNN.csv, each part
// with its own header.
type Sink struct {
	store  ObjectWriter
	prefix string
	runID  string
	logger *zap.Logger

	mu   sync.Mutex
	part int
}

// NewSink returns a sink writing through store.
func NewSink(store ObjectWriter, cfg Config, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("object writer is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		store:  store,
		prefix: strings.Trim(cfg.Prefix, "/"),
		runID:  cfg.RunID,
		logger: logger,
	}, nil
}

// Write uploads the batch as the next part. The first batch restarts part
// numbering. Empty batches other than the first are skipped.
func (s *Sink) Write(ctx context.Context, records []crawler.Record, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if first {
		s.part = 0
	} else if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	cols := csvsink.MergeColumns(nil, records)
	if err := csvsink.Encode(&buf, cols, records, true); err != nil {
		return err
	}
	name := s.objectName(s.part + 1)
	uri, err := s.store.PutObject(ctx, name, csvContentType, &buf)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	s.part++
	s.logger.Debug("batch uploaded", zap.String("uri", uri), zap.Int("records", len(records)))
	return nil
}

func (s *Sink) objectName(part int) string {
	return path.Join(s.prefix, s.runID, fmt.Sprintf("part-%05d.csv", part))
}
