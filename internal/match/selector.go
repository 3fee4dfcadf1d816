// Package match picks the best store search result for a catalog name.
//
// Store search endpoints already rank by relevance, so the selector only
// filters obviously wrong candidates and prefers the cheapest of near-equal
// matches.
package match

import (
	"sort"
	"strings"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Defaults mirror the thresholds the pipeline has always used.
const (
	DefaultMinRatio       = 0.2
	DefaultBoostRatio     = 0.8
	DefaultMainWordsShare = 0.6
	DefaultPriceBand      = 0.1
)

// Config tunes the selector thresholds.
type Config struct {
	MinRatio       float64
	BoostRatio     float64
	MainWordsShare float64
	PriceBand      float64
}

// Selector scores candidates by normalized-term overlap with a price tie-break.
type Selector struct {
	cfg Config
}

// NewSelector builds a Selector, filling zero thresholds with defaults.
func NewSelector(cfg Config) *Selector {
	if cfg.MinRatio <= 0 {
		cfg.MinRatio = DefaultMinRatio
	}
	if cfg.BoostRatio <= 0 {
		cfg.BoostRatio = DefaultBoostRatio
	}
	if cfg.MainWordsShare <= 0 {
		cfg.MainWordsShare = DefaultMainWordsShare
	}
	if cfg.PriceBand <= 0 {
		cfg.PriceBand = DefaultPriceBand
	}
	return &Selector{cfg: cfg}
}

// Score is the evaluation of one candidate against a target.
type Score struct {
	Candidate grocery.CandidateResult
	Index     int
	Matching  int
	Ratio     float64
	Boosted   bool
	Accepted  bool
}

// Select returns the best candidate for target. It reports false only when
// there are no candidates at all.
func (s *Selector) Select(target string, candidates []grocery.CandidateResult) (grocery.CandidateResult, bool) {
	if len(candidates) == 0 {
		return grocery.CandidateResult{}, false
	}
	accepted := make([]Score, 0, len(candidates))
	for i, c := range candidates {
		sc := s.Score(target, c)
		sc.Index = i
		if sc.Accepted {
			accepted = append(accepted, sc)
		}
	}
	if len(accepted) == 0 {
		return candidates[0], true
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].Ratio != accepted[j].Ratio {
			return accepted[i].Ratio > accepted[j].Ratio
		}
		return cheaper(accepted[i].Candidate, accepted[j].Candidate)
	})

	top := accepted[0].Ratio
	band := make([]Score, 0, len(accepted))
	for _, sc := range accepted {
		if top-sc.Ratio <= s.cfg.PriceBand {
			band = append(band, sc)
		}
	}
	sort.SliceStable(band, func(i, j int) bool {
		return cheaper(band[i].Candidate, band[j].Candidate)
	})
	return band[0].Candidate, true
}

// Score evaluates a single candidate.
func (s *Selector) Score(target string, c grocery.CandidateResult) Score {
	out := Score{Candidate: c}
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || name == "unknown product" {
		return out
	}
	terms := searchTerms(target)
	if len(terms) == 0 {
		return out
	}

	for _, term := range terms {
		if strings.Contains(name, term) {
			out.Matching++
		}
	}
	out.Ratio = float64(out.Matching) / float64(len(terms))

	mainWords := wordsLongerThan(target, 3)
	if len(mainWords) > 0 {
		hits := 0
		for _, w := range mainWords {
			if strings.Contains(name, w) {
				hits++
			}
		}
		if float64(hits)/float64(len(mainWords)) >= s.cfg.MainWordsShare {
			out.Boosted = true
			if out.Ratio < s.cfg.BoostRatio {
				out.Ratio = s.cfg.BoostRatio
			}
		}
	}

	out.Accepted = out.Ratio >= s.cfg.MinRatio || out.Boosted || out.Matching > 0 || anySubstring(name, terms)
	return out
}

func searchTerms(target string) []string {
	lower := strings.ToLower(strings.TrimSpace(target))
	if lower == "" {
		return nil
	}
	terms := wordsLongerThan(lower, 2)
	return append(terms, lower)
}

func wordsLongerThan(s string, n int) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if len(w) > n {
			out = append(out, w)
		}
	}
	return out
}

func anySubstring(name string, terms []string) bool {
	for _, term := range terms {
		if len(term) > 2 && strings.Contains(name, term) {
			return true
		}
	}
	return false
}

// cheaper orders present prices ascending and missing prices last.
func cheaper(a, b grocery.CandidateResult) bool {
	switch {
	case a.Price != nil && b.Price != nil:
		return *a.Price < *b.Price
	case a.Price != nil:
		return true
	default:
		return false
	}
}
