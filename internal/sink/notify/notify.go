// Package notify wraps a sink and announces every persisted batch on a
// message topic.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/metrics"
)

// Publisher sends a payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BatchFlushed is the payload published after a batch is persisted.
type BatchFlushed struct {
	RunID        string    `json:"run_id"`
	Batch        int       `json:"batch"`
	Records      int       `json:"records"`
	ErrorRecords int       `json:"error_records"`
	First        bool      `json:"first"`
	Destination  string    `json:"destination,omitempty"`
	FlushedAt    time.Time `json:"flushed_at"`
}

// Config describes where notifications go.
type Config struct {
	Topic       string
	RunID       string
	Destination string
}

// Sink publishes a BatchFlushed event after each successful write of the
// wrapped sink. Publish failures are logged and never fail the write.
type Sink struct {
	next   crawler.Sink
	pub    Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	batch int
}

// New wraps next.
func New(next crawler.Sink, pub Publisher, cfg Config, logger *zap.Logger) (*Sink, error) {
	if next == nil || pub == nil {
		return nil, errors.New("notify sink requires a sink and a publisher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{next: next, pub: pub, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Write implements crawler.Sink.
func (s *Sink) Write(ctx context.Context, records []crawler.Record, first bool) error {
	if err := s.next.Write(ctx, records, first); err != nil {
		return err
	}

	s.mu.Lock()
	s.batch++
	n := s.batch
	s.mu.Unlock()

	evt := BatchFlushed{
		RunID:       s.cfg.RunID,
		Batch:       n,
		Records:     len(records),
		First:       first,
		Destination: s.cfg.Destination,
		FlushedAt:   s.now().UTC(),
	}
	for _, r := range records {
		if r.HasError() {
			evt.ErrorRecords++
		}
	}

	id, err := s.pub.Publish(ctx, s.cfg.Topic, evt)
	metrics.ObservePublish(err == nil)
	if err != nil {
		s.logger.Warn("publish batch notification",
			zap.String("topic", s.cfg.Topic),
			zap.Int("batch", n),
			zap.Error(err),
		)
		return nil
	}
	s.logger.Debug("batch notification published", zap.String("message_id", id), zap.Int("batch", n))
	return nil
}
