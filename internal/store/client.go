package store

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/match"
)

// Waiter gates fetches, typically a per-host rate limiter.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// FactoryConfig tunes clients opened by a Factory.
type FactoryConfig struct {
	DetailCacheSize int
	Match           match.Config
}

// Factory opens Clients for one store. Clients share the detail cache.
type Factory struct {
	adapter  *SelectorAdapter
	sessions grocery.SessionFactory
	selector *match.Selector
	details  *lru.Cache[string, grocery.CandidateResult]
	limiter  Waiter
	clock    grocery.Clock
	logger   *zap.Logger
}

// NewFactory builds a Factory. limiter may be nil.
func NewFactory(
	adapter *SelectorAdapter,
	sessions grocery.SessionFactory,
	cfg FactoryConfig,
	limiter Waiter,
	clock grocery.Clock,
	logger *zap.Logger,
) (*Factory, error) {
	if adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.DetailCacheSize <= 0 {
		cfg.DetailCacheSize = 512
	}
	cache, err := lru.New[string, grocery.CandidateResult](cfg.DetailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("detail cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		adapter:  adapter,
		sessions: sessions,
		selector: match.NewSelector(cfg.Match),
		details:  cache,
		limiter:  limiter,
		clock:    clock,
		logger:   logger.Named("store").With(zap.String("store", adapter.Store())),
	}, nil
}

// Store returns the store name.
func (f *Factory) Store() string {
	return f.adapter.Store()
}

// NewClient opens a fresh fetch session and binds a client to it.
func (f *Factory) NewClient(ctx context.Context) (grocery.StoreClient, error) {
	session, err := f.sessions.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("new %s session: %w", f.adapter.Store(), err)
	}
	return &Client{factory: f, session: session}, nil
}

// Client resolves product names over one fetch session.
type Client struct {
	factory *Factory
	session grocery.FetchSession
}

// SearchAndResolve searches the store for name, picks the best candidate
// and enriches it from the product page when the listing was incomplete.
// Errors wrapping grocery.ErrBlocked mean the search itself was blocked.
func (c *Client) SearchAndResolve(ctx context.Context, name string) (grocery.ScrapeRecord, error) {
	f := c.factory
	logger := f.logger.With(zap.String("product", name))

	searchURL := f.adapter.SearchURL(name)
	page, err := c.fetch(ctx, searchURL)
	if err != nil {
		return grocery.ScrapeRecord{}, fmt.Errorf("search %q: %w", name, err)
	}
	candidates, err := f.adapter.ParseSearch(page)
	if err != nil {
		return grocery.ScrapeRecord{}, fmt.Errorf("search %q: %w", name, err)
	}
	if len(candidates) == 0 {
		logger.Info("no candidates")
		return grocery.NotFound(name, f.adapter.Store(), f.clock.Now()), nil
	}

	best, _ := f.selector.Select(name, candidates)
	if needsDetail(best) && best.URL != "" && f.adapter.Selectors().HasDetail() {
		best = c.enrich(ctx, best, logger)
	}
	if best.Name == "" || best.URL == "" {
		logger.Info("match not plausible", zap.String("matched", best.Name), zap.String("url", best.URL))
		return grocery.NotFound(name, f.adapter.Store(), f.clock.Now()), nil
	}
	if best.Size == "" {
		if size, unit, ok := grocery.ExtractSize(best.Name); ok {
			best.Size = size + unit
		}
	}
	logger.Info("product resolved",
		zap.String("matched", best.Name),
		zap.Bool("has_price", best.HasPrice()),
		zap.Int("candidates", len(candidates)),
	)
	return grocery.FromCandidate(name, best, f.clock.Now()), nil
}

// Close releases the fetch session.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// enrich does at most one detail fetch and merges non-empty fields over the
// search snapshot. Any failure keeps the snapshot.
func (c *Client) enrich(ctx context.Context, best grocery.CandidateResult, logger *zap.Logger) grocery.CandidateResult {
	f := c.factory
	if cached, ok := f.details.Get(best.URL); ok {
		return mergeDetail(best, cached)
	}
	page, err := c.fetch(ctx, best.URL)
	if err != nil {
		if errors.Is(err, grocery.ErrBlocked) {
			logger.Warn("detail page blocked, keeping search result", zap.String("url", best.URL))
		} else {
			logger.Debug("detail fetch failed, keeping search result", zap.Error(err))
		}
		return best
	}
	detail, err := f.adapter.ParseDetail(page)
	if err != nil {
		logger.Debug("detail parse failed, keeping search result", zap.Error(err))
		return best
	}
	f.details.Add(best.URL, detail)
	return mergeDetail(best, detail)
}

func (c *Client) fetch(ctx context.Context, url string) (grocery.Page, error) {
	if c.factory.limiter != nil {
		if err := c.factory.limiter.Wait(ctx, url); err != nil {
			return grocery.Page{}, err
		}
	}
	page, err := c.session.Fetch(ctx, url)
	if err != nil {
		return grocery.Page{}, fmt.Errorf("fetch: %w", err)
	}
	return page, nil
}

func needsDetail(c grocery.CandidateResult) bool {
	return c.Price == nil || c.Brand == "" || c.Size == ""
}

// mergeDetail overlays non-empty detail fields. The listing URL is kept so
// the record points at what the search returned.
func mergeDetail(base, detail grocery.CandidateResult) grocery.CandidateResult {
	if detail.Name != "" {
		base.Name = detail.Name
	}
	if detail.Price != nil {
		base.Price = detail.Price
	}
	if detail.Brand != "" {
		base.Brand = detail.Brand
	}
	if detail.Size != "" {
		base.Size = detail.Size
	}
	base.InStock = detail.InStock
	return base
}
