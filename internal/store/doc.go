// Package store turns a store's search and product pages into candidates.
//
// Stores are described by configuration (a search URL template plus CSS
// selectors) rather than by code. A Registry holds one SelectorAdapter per
// store, and a Factory opens Clients that run the search, match and detail
// enrichment flow over a worker-owned fetch session.
package store
