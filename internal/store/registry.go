package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps store names to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*SelectorAdapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*SelectorAdapter)}
}

// NewRegistryFromConfig registers every configured store, filling unset
// fields from Defaults for the known store names.
func NewRegistryFromConfig(stores map[string]Selectors) (*Registry, error) {
	r := NewRegistry()
	for name, sel := range stores {
		if def, ok := Defaults()[strings.ToLower(name)]; ok {
			sel = sel.withFallback(def)
		}
		if err := r.Register(name, sel); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a store.
func (r *Registry) Register(name string, sel Selectors) error {
	adapter, err := NewSelectorAdapter(name, sel)
	if err != nil {
		return fmt.Errorf("register store: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Store()] = adapter
	return nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (*SelectorAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names returns the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns adapters for the requested names, or every registered
// store when names is empty.
func (r *Registry) Resolve(names []string) ([]*SelectorAdapter, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]*SelectorAdapter, 0, len(names))
	for _, name := range names {
		a, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown store %q (registered: %s)", name, strings.Join(r.Names(), ", "))
		}
		out = append(out, a)
	}
	return out, nil
}

// Defaults returns starting selectors for the stores the crawler has been
// pointed at before. Sites change often; configuration overrides any field.
func Defaults() map[string]Selectors {
	tile := `[data-testid="product-tile"], [data-automation="product-tile"], div[class*="product-tile"], article[class*="product"]`
	name := `[data-testid="product-name"], [data-automation="name"], [class*="name"], h2, h3`
	price := `[data-testid="price"], [data-automation="current-price"], [class*="price"]`
	brand := `[data-testid="product-brand"], [class*="brand"]`
	size := `[data-testid="product-package-size"], [class*="size"]`
	detailName := `h1[data-testid="product-name"], h1[class*="name"], h1`
	detailPrice := `[data-testid="price"], [itemprop="price"], [class*="price"]`
	detailBrand := `[itemprop="brand"], [class*="brand"]`
	outOfStock := `[class*="out-of-stock"], [class*="unavailable"]`

	base := Selectors{
		Item:             tile,
		Name:             name,
		Price:            price,
		Brand:            brand,
		Size:             size,
		Link:             "a[href]",
		OutOfStock:       outOfStock,
		DetailName:       detailName,
		DetailPrice:      detailPrice,
		DetailBrand:      detailBrand,
		DetailSize:       `[class*="size"]`,
		DetailOutOfStock: outOfStock,
	}
	with := func(searchURL string) Selectors {
		s := base
		s.SearchURL = searchURL
		return s
	}
	return map[string]Selectors{
		"walmart":    with("https://www.walmart.ca/search?q={query}"),
		"metro":      with("https://www.metro.ca/en/online/search?q={query}"),
		"loblaws":    with("https://www.loblaws.ca/search?search-bar={query}"),
		"sobeys":     with("https://www.sobeys.com/en/search?q={query}"),
		"foodbasics": with("https://www.foodbasics.ca/search?q={query}"),
	}
}

func (s Selectors) withFallback(def Selectors) Selectors {
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) != "" {
			return v
		}
		return fallback
	}
	s.SearchURL = pick(s.SearchURL, def.SearchURL)
	s.Item = pick(s.Item, def.Item)
	s.Name = pick(s.Name, def.Name)
	s.Price = pick(s.Price, def.Price)
	s.Brand = pick(s.Brand, def.Brand)
	s.Size = pick(s.Size, def.Size)
	s.Link = pick(s.Link, def.Link)
	s.OutOfStock = pick(s.OutOfStock, def.OutOfStock)
	s.DetailName = pick(s.DetailName, def.DetailName)
	s.DetailPrice = pick(s.DetailPrice, def.DetailPrice)
	s.DetailBrand = pick(s.DetailBrand, def.DetailBrand)
	s.DetailSize = pick(s.DetailSize, def.DetailSize)
	s.DetailOutOfStock = pick(s.DetailOutOfStock, def.DetailOutOfStock)
	if s.MaxResults <= 0 {
		s.MaxResults = def.MaxResults
	}
	return s
}
