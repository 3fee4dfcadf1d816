package grocery

import "time"

// ProductQuery is a single catalog entry to search for.
type ProductQuery struct {
	Name string
}

// Key returns the identity of the query.
func (q ProductQuery) Key() string {
	return NormalizeName(q.Name)
}

// CandidateResult is one product extracted from a search listing or detail page.
type CandidateResult struct {
	Name    string   `json:"name"`
	Price   *float64 `json:"price,omitempty"`
	Brand   string   `json:"brand,omitempty"`
	Size    string   `json:"size,omitempty"`
	URL     string   `json:"url"`
	InStock bool     `json:"in_stock"`
	Source  string   `json:"source"`
}

// HasPrice reports whether the candidate carries a price.
func (c CandidateResult) HasPrice() bool {
	return c.Price != nil
}

// ScrapeRecord is the persisted outcome of resolving one catalog product at one store.
type ScrapeRecord struct {
	ProductName string    `json:"product_name"`
	Found       bool      `json:"found"`
	MatchedName string    `json:"matched_name,omitempty"`
	Price       *float64  `json:"price"`
	Brand       string    `json:"brand,omitempty"`
	Size        string    `json:"size,omitempty"`
	InStock     bool      `json:"in_stock"`
	SourceURL   string    `json:"source_url,omitempty"`
	Source      string    `json:"source,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
	Error       string    `json:"error,omitempty"`
}

// Resolved reports whether the record is final for this store: either a match
// was found or the store definitively had none. Records carrying an error are
// eligible for a later re-run.
func (r ScrapeRecord) Resolved() bool {
	return r.Found || r.Error == ""
}

// NotFound builds a found=false record for the given product.
func NotFound(name, source string, at time.Time) ScrapeRecord {
	return ScrapeRecord{
		ProductName: name,
		Found:       false,
		Source:      source,
		ScrapedAt:   at,
	}
}

// Failed builds a found=false record carrying an error message.
func Failed(name, source string, at time.Time, err error) ScrapeRecord {
	rec := NotFound(name, source, at)
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// FromCandidate folds a matched candidate into a found record.
func FromCandidate(name string, c CandidateResult, at time.Time) ScrapeRecord {
	return ScrapeRecord{
		ProductName: name,
		Found:       true,
		MatchedName: c.Name,
		Price:       c.Price,
		Brand:       c.Brand,
		Size:        c.Size,
		InStock:     c.InStock,
		SourceURL:   c.URL,
		Source:      c.Source,
		ScrapedAt:   at,
	}
}

// Snapshot is the on-disk representation of a store's results.
type Snapshot struct {
	ScrapedAt     time.Time      `json:"scraped_at"`
	TotalProducts int            `json:"total_products"`
	ProductsFound int            `json:"products_found"`
	Products      []ScrapeRecord `json:"products"`
}

// NewSnapshot builds a snapshot with derived counters.
func NewSnapshot(records []ScrapeRecord, at time.Time) Snapshot {
	found := 0
	for _, rec := range records {
		if rec.Found {
			found++
		}
	}
	if records == nil {
		records = []ScrapeRecord{}
	}
	return Snapshot{
		ScrapedAt:     at,
		TotalProducts: len(records),
		ProductsFound: found,
		Products:      records,
	}
}

// Page is the fetched content of a URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// QueueItem is a unit of work on the product queue. Stop marks the per-worker
// shutdown sentinel.
type QueueItem struct {
	Name string
	Stop bool
}

// StopItem returns the shutdown sentinel.
func StopItem() QueueItem {
	return QueueItem{Stop: true}
}
