package snapshot

import "github.com/JakeFAU/grocery-price-crawler/internal/grocery"

// recordSet is an insertion-ordered map keyed by product name.
type recordSet struct {
	order []string
	byKey map[string]grocery.ScrapeRecord
}

func newRecordSet(records []grocery.ScrapeRecord) *recordSet {
	rs := &recordSet{byKey: make(map[string]grocery.ScrapeRecord, len(records))}
	for _, rec := range records {
		if rec.ProductName == "" {
			continue
		}
		rs.Put(rec)
	}
	return rs
}

// Put inserts or replaces rec, reporting whether the key was new.
func (rs *recordSet) Put(rec grocery.ScrapeRecord) bool {
	_, exists := rs.byKey[rec.ProductName]
	if !exists {
		rs.order = append(rs.order, rec.ProductName)
	}
	rs.byKey[rec.ProductName] = rec
	return !exists
}

func (rs *recordSet) Len() int {
	return len(rs.order)
}

func (rs *recordSet) Records() []grocery.ScrapeRecord {
	out := make([]grocery.ScrapeRecord, 0, len(rs.order))
	for _, key := range rs.order {
		out = append(out, rs.byKey[key])
	}
	return out
}
