// Package headless contains fetch sessions that render pages in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Config controls the behavior of headless sessions.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Headers           http.Header
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

// BlockDetector classifies rendered pages as soft blocks.
type BlockDetector interface {
	Blocked(page grocery.Page) (bool, string)
}

// Factory opens browser sessions. MaxParallel bounds concurrent navigations
// across all sessions it created.
type Factory struct {
	cfg      Config
	limiter  chan struct{}
	detector BlockDetector
	clock    grocery.Clock
}

// NewFactory validates cfg and returns a Factory. detector and clock may be nil.
func NewFactory(cfg Config, detector BlockDetector, clock grocery.Clock) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Factory{cfg: cfg, limiter: limiter, detector: detector, clock: clock}, nil
}

// NewSession starts a dedicated browser with a throwaway profile.
func (f *Factory) NewSession(_ context.Context) (grocery.FetchSession, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &Session{
		factory:       f,
		browser:       browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	return opts
}

func (f *Factory) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// Session is one browser owned by one worker. Tabs opened for each fetch
// share the browser's cookies.
type Session struct {
	factory       *Factory
	browser       context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Fetch navigates to url and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, url string) (grocery.Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return grocery.Page{}, errors.New("headless session closed")
	}

	f := s.factory
	if err := f.acquire(ctx); err != nil {
		return grocery.Page{}, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	defer tabCancel()
	// The caller's cancellation must also stop the navigation.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := s.runHeadless(tabCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return grocery.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return grocery.Page{}, fmt.Errorf("%w: %w", grocery.ErrTransient, err)
	}

	status, _, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	page := grocery.Page{
		URL:        url,
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       []byte(html),
	}
	if finalURL != "" {
		page.FinalURL = finalURL
	}
	if f.clock != nil {
		page.FetchedAt = f.clock.Now()
	}
	if blocked, reason := s.blocked(page); blocked {
		return grocery.Page{}, fmt.Errorf("%s: %s: %w", url, reason, grocery.ErrBlocked)
	}
	if status >= http.StatusInternalServerError {
		return grocery.Page{}, fmt.Errorf("%s: status %d: %w", url, status, grocery.ErrTransient)
	}
	if status >= http.StatusBadRequest {
		return grocery.Page{}, fmt.Errorf("%s: unexpected status %d", url, status)
	}
	return page, nil
}

// Close shuts the browser down and discards its profile.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.browserCancel()
	s.allocCancel()
	return nil
}

func (s *Session) blocked(page grocery.Page) (bool, string) {
	if s.factory.detector == nil {
		switch page.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return true, http.StatusText(page.StatusCode)
		}
		return false, ""
	}
	return s.factory.detector.Blocked(page)
}

func (s *Session) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	cfg := s.factory.cfg
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks fills the URL and status chromedp did not report.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
