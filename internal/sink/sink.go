// Package sink holds helpers shared by the record sinks.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

// Multi writes every batch to each sink in order. All sinks are attempted;
// failures are joined.
//
// The first-write flag is tracked per sink: once a sink has accepted a first
// batch it only ever sees first=false, so a retried first batch that failed
// elsewhere cannot recreate or truncate a destination that already holds
// records.
type Multi struct {
	sinks []crawler.Sink

	mu      sync.Mutex
	started []bool
}

// NewMulti returns a fan-out over sinks.
func NewMulti(sinks ...crawler.Sink) *Multi {
	return &Multi{sinks: sinks, started: make([]bool, len(sinks))}
}

// Len returns the number of destinations.
func (m *Multi) Len() int { return len(m.sinks) }

// Write implements crawler.Sink.
func (m *Multi) Write(ctx context.Context, records []crawler.Record, first bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i, s := range m.sinks {
		if err := s.Write(ctx, records, first && !m.started[i]); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
			continue
		}
		m.started[i] = true
	}
	return errors.Join(errs...)
}
