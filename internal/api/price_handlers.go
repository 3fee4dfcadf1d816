package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	lookupTimeout      = 3 * time.Second
)

// bestPrice handles GET /v1/prices/best?name=. It returns 404 when no store
// has an in-stock price for the product.
func (s *Server) bestPrice(w http.ResponseWriter, r *http.Request) {
	name, ok := s.requireIndex(w, r, "name")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	quote, err := s.index.BestPrice(ctx, name)
	if err != nil {
		if errors.Is(err, grocery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no prices found")
			return
		}
		s.logger.Error("best price lookup failed", zap.String("product", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load prices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_name": name, "best_price": quote})
}

// comparePrices handles GET /v1/prices/compare?name=. An unknown product is
// a 200 with found=false.
func (s *Server) comparePrices(w http.ResponseWriter, r *http.Request) {
	name, ok := s.requireIndex(w, r, "name")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	cmp, err := s.index.Compare(ctx, name)
	if err != nil {
		s.logger.Error("price comparison failed", zap.String("product", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compare prices")
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// searchProducts handles GET /v1/products/search?q=&limit=.
func (s *Server) searchProducts(w http.ResponseWriter, r *http.Request) {
	query, ok := s.requireIndex(w, r, "q")
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	quotes, err := s.index.Search(ctx, query, limit)
	if err != nil {
		s.logger.Error("product search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search products")
		return
	}
	if quotes == nil {
		writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": quotes})
}

// lastRuns handles GET /v1/runs/last.
func (s *Server) lastRuns(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.runs.Last()})
}

func (s *Server) requireIndex(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "price index unavailable")
		return "", false
	}
	value := strings.TrimSpace(r.URL.Query().Get(param))
	if value == "" {
		writeError(w, http.StatusBadRequest, param+" is required")
		return "", false
	}
	return value, true
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
