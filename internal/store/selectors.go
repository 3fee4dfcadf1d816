package store

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// QueryPlaceholder is replaced by the escaped product name in SearchURL.
const QueryPlaceholder = "{query}"

const defaultMaxResults = 50

// Selectors describe how to read one store's pages. Item scopes a search
// result tile; the other search selectors are evaluated inside it. Detail
// selectors are evaluated against a whole product page.
type Selectors struct {
	SearchURL        string `mapstructure:"search_url"`
	Item             string `mapstructure:"item"`
	Name             string `mapstructure:"name"`
	Price            string `mapstructure:"price"`
	Brand            string `mapstructure:"brand"`
	Size             string `mapstructure:"size"`
	Link             string `mapstructure:"link"`
	OutOfStock       string `mapstructure:"out_of_stock"`
	DetailName       string `mapstructure:"detail_name"`
	DetailPrice      string `mapstructure:"detail_price"`
	DetailBrand      string `mapstructure:"detail_brand"`
	DetailSize       string `mapstructure:"detail_size"`
	DetailOutOfStock string `mapstructure:"detail_out_of_stock"`
	MaxResults       int    `mapstructure:"max_results"`
}

// Validate checks that the selectors can drive a search.
func (s Selectors) Validate() error {
	if !strings.Contains(s.SearchURL, QueryPlaceholder) {
		return fmt.Errorf("search_url must contain %s", QueryPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(s.SearchURL, QueryPlaceholder, "q")); err != nil {
		return fmt.Errorf("search_url: %w", err)
	}
	if strings.TrimSpace(s.Item) == "" {
		return fmt.Errorf("item selector is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name selector is required")
	}
	return nil
}

// HasDetail reports whether product pages can be parsed.
func (s Selectors) HasDetail() bool {
	return s.DetailName != "" || s.DetailPrice != "" || s.DetailBrand != "" || s.DetailSize != ""
}

// SelectorAdapter extracts candidates from one store's HTML.
type SelectorAdapter struct {
	store string
	sel   Selectors
}

// NewSelectorAdapter validates sel and binds it to a store name.
func NewSelectorAdapter(store string, sel Selectors) (*SelectorAdapter, error) {
	store = strings.ToLower(strings.TrimSpace(store))
	if store == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if err := sel.Validate(); err != nil {
		return nil, fmt.Errorf("store %s: %w", store, err)
	}
	if sel.MaxResults <= 0 {
		sel.MaxResults = defaultMaxResults
	}
	return &SelectorAdapter{store: store, sel: sel}, nil
}

// Store returns the store name stamped on candidates.
func (a *SelectorAdapter) Store() string {
	return a.store
}

// Selectors returns the adapter's configuration.
func (a *SelectorAdapter) Selectors() Selectors {
	return a.sel
}

// SearchURL renders the search URL for a product name.
func (a *SelectorAdapter) SearchURL(query string) string {
	return strings.ReplaceAll(a.sel.SearchURL, QueryPlaceholder, url.QueryEscape(strings.TrimSpace(query)))
}

// ParseSearch reads result tiles from a search page. Tiles without a name
// are skipped.
func (a *SelectorAdapter) ParseSearch(page grocery.Page) ([]grocery.CandidateResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	base := pageBase(page)

	var out []grocery.CandidateResult
	doc.Find(a.sel.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		name := text(item, a.sel.Name)
		if name == "" {
			return true
		}
		c := grocery.CandidateResult{
			Name:    name,
			Price:   parsePrice(text(item, a.sel.Price)),
			Brand:   text(item, a.sel.Brand),
			Size:    text(item, a.sel.Size),
			URL:     resolve(base, a.link(item)),
			InStock: a.sel.OutOfStock == "" || item.Find(a.sel.OutOfStock).Length() == 0,
			Source:  a.store,
		}
		out = append(out, c)
		return len(out) < a.sel.MaxResults
	})
	return out, nil
}

// ParseDetail reads a product page. Fields whose selector is unset or
// matches nothing are left empty.
func (a *SelectorAdapter) ParseDetail(page grocery.Page) (grocery.CandidateResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return grocery.CandidateResult{}, fmt.Errorf("parse detail page: %w", err)
	}
	root := doc.Selection
	c := grocery.CandidateResult{
		Name:    text(root, a.sel.DetailName),
		Price:   parsePrice(text(root, a.sel.DetailPrice)),
		Brand:   text(root, a.sel.DetailBrand),
		Size:    text(root, a.sel.DetailSize),
		URL:     page.URL,
		InStock: a.sel.DetailOutOfStock == "" || root.Find(a.sel.DetailOutOfStock).Length() == 0,
		Source:  a.store,
	}
	if page.FinalURL != "" {
		c.URL = page.FinalURL
	}
	if c.Name == "" && c.Price == nil && c.Brand == "" && c.Size == "" {
		return grocery.CandidateResult{}, fmt.Errorf("detail page %s: no product fields", c.URL)
	}
	return c, nil
}

func (a *SelectorAdapter) link(item *goquery.Selection) string {
	if a.sel.Link != "" {
		if href, ok := item.Find(a.sel.Link).First().Attr("href"); ok {
			return href
		}
	}
	if href, ok := item.Find(a.sel.Name).First().Attr("href"); ok {
		return href
	}
	if href, ok := item.Find(a.sel.Name).First().Closest("a[href]").Attr("href"); ok {
		return href
	}
	if href, ok := item.Attr("href"); ok {
		return href
	}
	href, _ := item.Find("a[href]").First().Attr("href")
	return href
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func pageBase(page grocery.Page) *url.URL {
	raw := page.FinalURL
	if raw == "" {
		raw = page.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

var priceRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// parsePrice reads the first amount in a price label such as "$3.49",
// "1,299.00" or "89¢".
func parsePrice(label string) *float64 {
	raw := priceRe.FindString(label)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return nil
	}
	if strings.Contains(label, "¢") && !strings.Contains(raw, ".") {
		v /= 100
	}
	return &v
}
