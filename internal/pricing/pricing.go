// Package pricing answers cross-store price questions over scraped records.
package pricing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Quote is one store's current offer for a product.
type Quote struct {
	Store       string    `json:"store"`
	ProductName string    `json:"product_name"`
	MatchedName string    `json:"matched_name"`
	Price       float64   `json:"price"`
	Brand       string    `json:"brand,omitempty"`
	Size        string    `json:"size,omitempty"`
	URL         string    `json:"url,omitempty"`
	InStock     bool      `json:"in_stock"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// PriceRange summarizes the spread of quotes.
type PriceRange struct {
	Lowest  float64 `json:"lowest"`
	Highest float64 `json:"highest"`
	Average float64 `json:"average"`
}

// Comparison groups quotes for one product across stores.
type Comparison struct {
	ProductName string             `json:"product_name"`
	Found       bool               `json:"found"`
	Best        *Quote             `json:"best_price"`
	Range       *PriceRange        `json:"price_range"`
	Stores      map[string][]Quote `json:"stores"`
	Quotes      []Quote            `json:"all_prices"`
}

// Index is the price comparison surface.
type Index interface {
	BestPrice(ctx context.Context, name string) (Quote, error)
	Compare(ctx context.Context, name string) (Comparison, error)
	Search(ctx context.Context, query string, limit int) ([]Quote, error)
}

// Upserter accepts scraped records into an index.
type Upserter interface {
	Upsert(ctx context.Context, records []grocery.ScrapeRecord) (int, error)
}

// QuoteFromRecord converts a priced, found record. ok is false for records
// that cannot be quoted.
func QuoteFromRecord(rec grocery.ScrapeRecord) (Quote, bool) {
	if !rec.Found || rec.Price == nil || *rec.Price <= 0 {
		return Quote{}, false
	}
	return Quote{
		Store:       rec.Source,
		ProductName: rec.ProductName,
		MatchedName: rec.MatchedName,
		Price:       *rec.Price,
		Brand:       rec.Brand,
		Size:        rec.Size,
		URL:         rec.SourceURL,
		InStock:     rec.InStock,
		ScrapedAt:   rec.ScrapedAt,
	}, true
}

// BuildComparison assembles a Comparison from quotes already filtered for name.
func BuildComparison(name string, quotes []Quote) Comparison {
	cmp := Comparison{ProductName: name, Stores: map[string][]Quote{}}
	if len(quotes) == 0 {
		cmp.Quotes = []Quote{}
		return cmp
	}
	sorted := append([]Quote(nil), quotes...)
	SortByPrice(sorted)

	r := PriceRange{Lowest: sorted[0].Price, Highest: sorted[0].Price}
	total := 0.0
	for _, q := range sorted {
		cmp.Stores[q.Store] = append(cmp.Stores[q.Store], q)
		if q.Price > r.Highest {
			r.Highest = q.Price
		}
		total += q.Price
	}
	r.Average = total / float64(len(sorted))
	best := sorted[0]
	cmp.Found = true
	cmp.Best = &best
	cmp.Range = &r
	cmp.Quotes = sorted
	return cmp
}

// SortByPrice orders quotes cheapest first, then by store for stability.
func SortByPrice(quotes []Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].Price != quotes[j].Price {
			return quotes[i].Price < quotes[j].Price
		}
		return quotes[i].Store < quotes[j].Store
	})
}

// Matches reports whether a quote answers a product query: the normalized
// query is contained in the normalized catalog or matched name.
func Matches(q Quote, query string) bool {
	needle := grocery.NormalizeName(query)
	if needle == "" {
		return false
	}
	return strings.Contains(grocery.NormalizeName(q.ProductName), needle) ||
		strings.Contains(grocery.NormalizeName(q.MatchedName), needle)
}
