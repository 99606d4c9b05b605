// Package collyfetcher provides plain-HTTP sessions backed by gocolly, for
// directory pages that render without JavaScript.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PolitenessDelay is waited after each successful response.
	PolitenessDelay time.Duration
}

// Fetcher creates collector sessions and fetches pages with them.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across sessions.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Session is a collector with its own cookie jar.
type Session struct {
	collector *colly.Collector
	closed    atomic.Bool
}

// Close marks the session unusable.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// NewSession matches crawler.SessionFactory.
func (f *Fetcher) NewSession(context.Context) (crawler.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.timeout())
	c.WithTransport(f.transport)
	c.SetCookieJar(jar)
	return &Session{collector: c}, nil
}

// Fetch executes a single GET with the session's collector.
func (f *Fetcher) Fetch(ctx context.Context, session crawler.Session, url string) (crawler.Page, error) {
	s, ok := session.(*Session)
	if !ok {
		return crawler.Page{}, fmt.Errorf("colly fetch: unsupported session %T", session)
	}
	if s.closed.Load() {
		return crawler.Page{}, fmt.Errorf("%w: collector closed", crawler.ErrSessionBroken)
	}

	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := s.collector.Clone()
	collector.AllowURLRevisit = true
	f.configureCollectorHooks(collector, start, &page, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.Page{}, crawler.NewFetchError(url, err)
	}
	page.URL = url

	if f.cfg.PolitenessDelay > 0 {
		timer := time.NewTimer(f.cfg.PolitenessDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return crawler.Page{}, crawler.NewFetchError(url, ctx.Err())
		case <-timer.C:
		}
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = fmt.Errorf("unexpected status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) timeout() time.Duration {
	if f.cfg.Timeout > 0 {
		return f.cfg.Timeout
	}
	return 30 * time.Second
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
