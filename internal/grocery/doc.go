// Package grocery defines the shared domain types and interfaces for the
// scrape-merge-persist pipeline.
//
// Store adapters translate site-specific markup into CandidateResult values at
// the boundary; everything downstream (matching, aggregation, persistence) only
// ever sees the typed ScrapeRecord.
package grocery
