// Package csvsink writes crawl records to a local CSV file whose header is
// the union of every field seen during the run.
package csvsink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

// Sink appends batches to a CSV file. It is safe for concurrent use.
type Sink struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	columns []string
}

// Open prepares path for writing. The parent directory is created when
// missing and must be writable. With resume set, the existing header is kept
// so later batches append to it, and rows that recorded an error are dropped
// so their targets can be collected again without duplicating them.
func Open(path string, resume bool, logger *zap.Logger) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("output path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ensureWritableDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	s := &Sink{path: path, logger: logger}
	if resume {
		header, err := readHeader(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s.columns = header
		if len(header) > 0 {
			if err := s.dropErrorRows(); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Sink) dropErrorRows() error {
	records, err := ReadRecords(s.path)
	if err != nil {
		return err
	}
	kept := make([]crawler.Record, 0, len(records))
	for _, r := range records {
		if !r.HasError() {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	if err := s.replace(s.columns, kept); err != nil {
		return err
	}
	s.logger.Info("dropped error rows for retry",
		zap.String("path", s.path),
		zap.Int("dropped", len(records)-len(kept)),
	)
	return nil
}

// Path returns the output file path.
func (s *Sink) Path() string { return s.path }

// Columns returns the current header.
func (s *Sink) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.columns...)
}

// Write persists a batch. The first batch of a run recreates the file with a
// header; later batches append, rewriting the file first when they bring new
// columns.
func (s *Sink) Write(ctx context.Context, records []crawler.Record, first bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if first {
		cols := MergeColumns(nil, records)
		if err := s.replace(cols, records); err != nil {
			return err
		}
		s.columns = cols
		return nil
	}

	cols := MergeColumns(s.columns, records)
	_, statErr := os.Stat(s.path)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if err := s.replace(cols, records); err != nil {
			return err
		}
	case statErr != nil:
		return fmt.Errorf("stat %s: %w", s.path, statErr)
	case len(cols) > len(s.columns):
		existing, err := ReadRecords(s.path)
		if err != nil {
			return err
		}
		s.logger.Info("widening csv header",
			zap.String("path", s.path),
			zap.Strings("added", cols[len(s.columns):]),
		)
		if err := s.replace(cols, append(existing, records...)); err != nil {
			return err
		}
	default:
		if err := s.append(cols, records); err != nil {
			return err
		}
	}
	s.columns = cols
	return nil
}

// replace writes header and rows to a temporary file and renames it over the
// destination, so a failure leaves the previous file intact.
func (s *Sink) replace(cols []string, records []crawler.Record) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, cols, records, true); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename to %s: %w", s.path, err)
	}
	return nil
}

func (s *Sink) append(cols []string, records []crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if err := Encode(f, cols, records, false); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat output directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create output directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".writable_test")
	if err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}
