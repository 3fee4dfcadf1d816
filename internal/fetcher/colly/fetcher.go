// Package collyfetcher implements HTTP fetch sessions using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// BlockDetector classifies fetched pages as soft blocks.
type BlockDetector interface {
	Blocked(page grocery.Page) (bool, string)
}

// Factory opens Sessions. Every session gets its own collector and cookie
// jar, so discarding a session drops whatever the store tied to it.
type Factory struct {
	cfg       Config
	transport http.RoundTripper
	detector  BlockDetector
	clock     grocery.Clock
}

// New builds a Factory. detector may be nil.
func New(cfg Config, detector BlockDetector, clock grocery.Clock) *Factory {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Factory{
		cfg:       cfg,
		transport: newHTTPTransport(),
		detector:  detector,
		clock:     clock,
	}
}

// WithTransport overrides the HTTP transport used by new sessions.
func (f *Factory) WithTransport(rt http.RoundTripper) *Factory {
	f.transport = rt
	return f
}

// NewSession opens a fresh collector.
func (f *Factory) NewSession(_ context.Context) (grocery.FetchSession, error) {
	c := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)
	return &Session{factory: f, collector: c}, nil
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Session is a single worker's HTTP identity. It is not safe for concurrent
// use; each worker owns one.
type Session struct {
	factory   *Factory
	collector *colly.Collector
	mu        sync.Mutex
	closed    bool
}

// Fetch executes a single HTTP GET.
func (s *Session) Fetch(ctx context.Context, url string) (grocery.Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return grocery.Page{}, fmt.Errorf("colly session closed")
	}
	s.mu.Unlock()

	var (
		page     grocery.Page
		fetchErr error
	)
	collector := s.collector.Clone()
	s.configureCollectorHooks(collector, &page, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		// On cancellation the visit may still be running; page is not ours to read.
		if ctx.Err() != nil {
			return grocery.Page{}, err
		}
		return grocery.Page{}, classify(err, page.StatusCode)
	}
	if page.URL == "" {
		page.URL = url
	}
	if blocked, reason := s.blocked(page); blocked {
		return grocery.Page{}, fmt.Errorf("%s: %s: %w", url, reason, grocery.ErrBlocked)
	}
	if page.StatusCode >= http.StatusBadRequest {
		return grocery.Page{}, classify(fmt.Errorf("%s: unexpected status", url), page.StatusCode)
	}
	return page, nil
}

// Close discards the session. Later fetches fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
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

func (s *Session) configureCollectorHooks(hooks collectorHooks, page *grocery.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.factory.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		page.URL = r.URL.String()
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = s.toPage(page.URL, r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*page = s.toPage(page.URL, r)
		}
		*fetchErr = err
	})
}

func (s *Session) toPage(requested string, r *colly.Response) grocery.Page {
	p := grocery.Page{
		URL:        requested,
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
	}
	if r.Request != nil && r.Request.URL != nil {
		p.FinalURL = r.Request.URL.String()
	}
	if s.factory.clock != nil {
		p.FetchedAt = s.factory.clock.Now()
	}
	return p
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// classify wraps network failures and server errors in grocery.ErrTransient.
func classify(err error, status int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || status >= http.StatusInternalServerError || status == 0 {
		return fmt.Errorf("%w: %w", grocery.ErrTransient, err)
	}
	return fmt.Errorf("status %d: %w", status, err)
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
