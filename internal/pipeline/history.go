package pipeline

import (
	"sort"
	"sync"
)

// History remembers the latest summary per store.
type History struct {
	mu   sync.RWMutex
	last map[string]Summary
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{last: make(map[string]Summary)}
}

// Record stores s as the latest run for its store.
func (h *History) Record(s Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[s.Store] = s
}

// Last returns the latest summaries sorted by store name.
func (h *History) Last() []Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Summary, 0, len(h.last))
	for _, s := range h.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Store < out[j].Store })
	return out
}
