// Package headless provides browser sessions driven through chromedp. Each
// session owns one headless Chrome process.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

// Config controls browser launch and page loading.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// PolitenessDelay is waited after the page body is ready, before the DOM
	// is captured.
	PolitenessDelay time.Duration
	Headless        bool
	DisableImages   bool
	ExecPath        string
}

// Browser creates chromedp sessions and fetches pages with them.
type Browser struct {
	cfg    Config
	logger *zap.Logger
	seq    atomic.Int64
}

// New returns a Browser. Sessions are launched lazily by NewSession.
func New(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger}
}

// Session is one Chrome process with a single tab.
type Session struct {
	id          int64
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	meta        *responseMeta
	closeOnce   sync.Once
}

// ID identifies the session in logs.
func (s *Session) ID() int64 { return s.id }

// Close terminates the browser process.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser %d: %w", s.id, err)
	}
	return nil
}

// NewSession launches a browser. It matches crawler.SessionFactory.
func (b *Browser) NewSession(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// The first Run starts the process, so a missing or crashing Chrome
	// surfaces here rather than on the first page.
	stop := forwardCancel(ctx, cancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	s := &Session{
		id:          b.seq.Add(1),
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		meta:        &responseMeta{},
	}
	chromedp.ListenTarget(browserCtx, s.meta.captureEvent)
	b.logger.Debug("browser launched", zap.Int64("session", s.id))
	return s, nil
}

// Fetch navigates the session's tab to rawURL and returns the rendered DOM.
func (b *Browser) Fetch(ctx context.Context, session crawler.Session, rawURL string) (crawler.Page, error) {
	s, ok := session.(*Session)
	if !ok {
		return crawler.Page{}, fmt.Errorf("headless fetch: unsupported session %T", session)
	}
	if err := s.ctx.Err(); err != nil {
		return crawler.Page{}, fmt.Errorf("%w: browser %d: %w", crawler.ErrSessionBroken, s.id, err)
	}

	taskCtx, cancel := context.WithTimeout(s.ctx, b.navTimeout())
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	s.meta.reset()
	start := time.Now()
	html, finalURL, err := b.run(taskCtx, rawURL)
	if err != nil {
		if s.ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("%w: browser %d: %w", crawler.ErrSessionBroken, s.id, err)
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return crawler.Page{}, &crawler.FetchError{Kind: crawler.FetchTimeout, URL: rawURL, Err: err}
		}
		return crawler.Page{}, crawler.NewFetchError(rawURL, err)
	}

	status, responseURL := s.meta.snapshot()
	if status >= http.StatusBadRequest {
		return crawler.Page{}, &crawler.FetchError{
			Kind: crawler.FetchNavigation,
			URL:  rawURL,
			Err:  fmt.Errorf("unexpected status %d", status),
		}
	}
	if finalURL == "" {
		finalURL = responseURL
	}
	return crawler.Page{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

func (b *Browser) run(ctx context.Context, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.PolitenessDelay > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.PolitenessDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
	)
	if b.cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

func (b *Browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// responseMeta records the main document response of the current navigation.
type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}

// forwardCancel cancels a browser-derived context when the caller's context
// ends, since chromedp contexts do not descend from the caller's.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
