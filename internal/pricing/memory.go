package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// MemoryIndex keeps the latest quote per (normalized name, store).
type MemoryIndex struct {
	mu     sync.RWMutex
	quotes map[memoryKey]Quote
	maxAge time.Duration
	now    func() time.Time
}

type memoryKey struct {
	name  string
	store string
}

// MemoryOption customizes a MemoryIndex.
type MemoryOption func(*MemoryIndex)

// WithMaxAge ignores quotes older than d at query time.
func WithMaxAge(d time.Duration, clock grocery.Clock) MemoryOption {
	return func(m *MemoryIndex) {
		m.maxAge = d
		if clock != nil {
			m.now = clock.Now
		}
	}
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{quotes: make(map[memoryKey]Quote), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Upsert adds quotable records; the newest scrape per product and store wins.
func (m *MemoryIndex) Upsert(_ context.Context, records []grocery.ScrapeRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range records {
		q, ok := QuoteFromRecord(rec)
		if !ok {
			continue
		}
		key := memoryKey{name: grocery.NormalizeName(rec.ProductName), store: rec.Source}
		if prev, exists := m.quotes[key]; exists && prev.ScrapedAt.After(q.ScrapedAt) {
			continue
		}
		m.quotes[key] = q
		n++
	}
	return n, nil
}

// Len returns the number of quotes held.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.quotes)
}

// BestPrice returns the cheapest in-stock quote matching name.
func (m *MemoryIndex) BestPrice(ctx context.Context, name string) (Quote, error) {
	cmp, err := m.Compare(ctx, name)
	if err != nil {
		return Quote{}, err
	}
	if !cmp.Found {
		return Quote{}, fmt.Errorf("best price for %q: %w", name, grocery.ErrNotFound)
	}
	return *cmp.Best, nil
}

// Compare returns every in-stock quote matching name.
func (m *MemoryIndex) Compare(_ context.Context, name string) (Comparison, error) {
	var matched []Quote
	for _, q := range m.fresh() {
		if q.InStock && Matches(q, name) {
			matched = append(matched, q)
		}
	}
	return BuildComparison(name, matched), nil
}

// Search returns up to limit quotes whose names contain query, cheapest first.
func (m *MemoryIndex) Search(_ context.Context, query string, limit int) ([]Quote, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Quote
	for _, q := range m.fresh() {
		if Matches(q, query) {
			out = append(out, q)
		}
	}
	SortByPrice(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) fresh() []Quote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cutoff time.Time
	if m.maxAge > 0 {
		cutoff = m.now().Add(-m.maxAge)
	}
	out := make([]Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		if !cutoff.IsZero() && q.ScrapedAt.Before(cutoff) {
			continue
		}
		out = append(out, q)
	}
	return out
}
