package crawler

import (
	"fmt"
	"time"
)

// Config controls how an Orchestrator schedules work.
type Config struct {
	// RunID tags log lines and sink rows produced by this run.
	RunID string
	// Concurrency bounds the in-flight tasks of each stage. Zero uses the
	// session pool capacity.
	Concurrency int
	// FetchTimeout bounds each page load, including waiting for the page.
	FetchTimeout time.Duration
	// Streaming pipes discovered targets straight into detail collection
	// instead of waiting for every seed to finish.
	Streaming bool
	// StreamBuffer is the capacity of the target channel in streaming mode.
	StreamBuffer int
	// SkipURLs holds detail URLs already persisted by an earlier run.
	SkipURLs map[string]struct{}
}

const (
	defaultFetchTimeout = 30 * time.Second
	defaultStreamBuffer = 64
)

func (c Config) withDefaults(poolCapacity int) Config {
	if c.Concurrency <= 0 {
		c.Concurrency = poolCapacity
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	return c
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must be >= 0, got %s", c.FetchTimeout)
	}
	if c.StreamBuffer < 0 {
		return fmt.Errorf("stream buffer must be >= 0, got %d", c.StreamBuffer)
	}
	return nil
}
