// Package pool bounds the number of live fetch sessions shared by crawl
// workers. Sessions are created lazily up to capacity, reused across tasks
// and terminated on shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/metrics"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire once Shutdown has been called.
var ErrPoolClosed = crawler.ErrPoolClosed

// Pool is a counting semaphore over a set of lazily created sessions.
// A slot is held for as long as a session is checked out or being created,
// so live sessions never exceed capacity.
type Pool struct {
	factory crawler.SessionFactory
	logger  *zap.Logger

	slots chan struct{}
	idle  chan crawler.Session
	done  chan struct{}

	mu     sync.Mutex
	live   int
	closed bool
}

// New creates a pool that holds at most capacity sessions.
func New(capacity int, factory crawler.SessionFactory, logger *zap.Logger) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	if factory == nil {
		return nil, errors.New("pool requires a session factory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		logger:  logger,
		slots:   make(chan struct{}, capacity),
		idle:    make(chan crawler.Session, capacity),
		done:    make(chan struct{}),
	}, nil
}

// Acquire blocks until a session is available. It reuses an idle session or
// creates one when none is idle. Factory failures are reported as
// *crawler.ResourceAcquisitionError.
func (p *Pool) Acquire(ctx context.Context) (crawler.Session, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	select {
	case s := <-p.idle:
		p.mu.Unlock()
		return s, nil
	default:
	}
	p.live++
	p.mu.Unlock()

	s, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		<-p.slots
		p.logger.Warn("session creation failed", zap.Error(err))
		return nil, &crawler.ResourceAcquisitionError{Err: err}
	}

	p.mu.Lock()
	closed := p.closed
	live := p.live
	p.mu.Unlock()
	metrics.SetSessionsLive(live)
	if closed {
		p.destroy(s)
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.logger.Debug("session created", zap.Int("live", live))
	return s, nil
}

// Release returns a session obtained from Acquire. After Shutdown the session
// is terminated instead of being kept idle.
func (p *Pool) Release(s crawler.Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		// Never blocks: idle plus checked-out sessions never exceed capacity.
		p.idle <- s
		p.mu.Unlock()
		<-p.slots
		return
	}
	p.mu.Unlock()
	p.destroy(s)
	<-p.slots
}

// Discard terminates a broken session and frees its slot so a replacement can
// be created on the next Acquire.
func (p *Pool) Discard(s crawler.Session) {
	if s == nil {
		return
	}
	p.logger.Warn("discarding broken session")
	p.destroy(s)
	<-p.slots
}

// With runs fn with a checked-out session. The session is released on every
// exit path, or discarded when fn reports crawler.ErrSessionBroken or panics.
func (p *Pool) With(ctx context.Context, fn func(crawler.Session) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Discard(s)
			panic(r)
		}
		if errors.Is(err, crawler.ErrSessionBroken) {
			p.Discard(s)
			return
		}
		p.Release(s)
	}()
	return fn(s)
}

// Warm creates one session and returns it to the idle set.
func (p *Pool) Warm(ctx context.Context) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("warm session pool: %w", err)
	}
	p.Release(s)
	return nil
}

// Shutdown terminates idle sessions and makes further Acquire calls fail.
// Sessions still checked out are terminated when released.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	var idle []crawler.Session
drain:
	for {
		select {
		case s := <-p.idle:
			idle = append(idle, s)
		default:
			break drain
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := p.destroy(s); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("session pool shut down", zap.Int("closed", len(idle)), zap.Int("live", p.Live()))
	return errors.Join(errs...)
}

func (p *Pool) destroy(s crawler.Session) error {
	err := s.Close()
	p.mu.Lock()
	p.live--
	live := p.live
	p.mu.Unlock()
	metrics.SetSessionsLive(live)
	if err != nil {
		p.logger.Warn("close session", zap.Error(err))
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// Live reports the number of sessions created and not yet terminated.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle reports the number of sessions waiting to be reused.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Capacity reports the maximum number of live sessions.
func (p *Pool) Capacity() int {
	return cap(p.slots)
}
