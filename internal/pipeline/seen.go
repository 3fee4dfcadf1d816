package pipeline

import "github.com/JakeFAU/grocery-price-crawler/internal/grocery"

// SeenSet holds the normalized names a store has already resolved: found, or
// definitively not found. Records carrying an error are left out so the next
// run retries them.
type SeenSet struct {
	names map[string]struct{}
}

// NewSeenSet builds the set from persisted records.
func NewSeenSet(records []grocery.ScrapeRecord) *SeenSet {
	s := &SeenSet{names: make(map[string]struct{}, len(records))}
	for _, rec := range records {
		if rec.Resolved() {
			s.names[grocery.NormalizeName(rec.ProductName)] = struct{}{}
		}
	}
	return s
}

// Contains reports whether name was resolved by an earlier run.
func (s *SeenSet) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[grocery.NormalizeName(name)]
	return ok
}

// Len returns the number of resolved names.
func (s *SeenSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
