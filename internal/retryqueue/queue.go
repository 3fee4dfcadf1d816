// Package retryqueue tracks products that were soft-blocked and bounds how many
// times each may be retried. State survives restarts through a Persister.
package retryqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// DefaultMaxAttempts caps retries per product.
const DefaultMaxAttempts = 3

const persistTimeout = 5 * time.Second

// State is the persisted form of the queue.
type State struct {
	LastUpdated time.Time      `json:"last_updated"`
	Products    map[string]int `json:"products"`
}

// Persister stores queue state.
type Persister interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// Config controls the retry cap.
type Config struct {
	MaxAttempts int
}

// Queue is a mutex-guarded map of product name to attempt count.
type Queue struct {
	mu          sync.Mutex
	entries     map[string]int
	maxAttempts int
	persister   Persister
	clock       grocery.Clock
	logger      *zap.Logger
}

// New loads any persisted state and returns a ready queue. A persister that
// fails to load is logged and the queue starts empty.
func New(ctx context.Context, cfg Config, persister Persister, clock grocery.Clock, logger *zap.Logger) (*Queue, error) {
	if persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		entries:     make(map[string]int),
		maxAttempts: cfg.MaxAttempts,
		persister:   persister,
		clock:       clock,
		logger:      logger,
	}
	state, err := persister.Load(ctx)
	if err != nil {
		logger.Warn("retry queue load failed, starting empty", zap.Error(err))
		return q, nil
	}
	for name, attempts := range state.Products {
		if name == "" || attempts <= 0 {
			continue
		}
		if attempts > q.maxAttempts {
			attempts = q.maxAttempts
		}
		q.entries[name] = attempts
	}
	if len(q.entries) > 0 {
		logger.Info("retry queue loaded", zap.Int("products", len(q.entries)))
	}
	return q, nil
}

// Add records a blocked attempt for name. It returns the attempt count and
// whether the product should be scheduled again. Once the cap is reached the
// count stops growing and the product is dropped from scheduling.
func (q *Queue) Add(name string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempts := q.entries[name]
	if attempts >= q.maxAttempts {
		q.logger.Warn("retry cap reached, dropping product",
			zap.String("product", name),
			zap.Int("attempts", attempts),
		)
		return attempts, false
	}
	attempts++
	q.entries[name] = attempts
	q.persistLocked()
	if attempts >= q.maxAttempts {
		q.logger.Warn("retry cap reached, dropping product",
			zap.String("product", name),
			zap.Int("attempts", attempts),
		)
		return attempts, false
	}
	q.logger.Info("product queued for retry",
		zap.String("product", name),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", q.maxAttempts),
	)
	return attempts, true
}

// Remove forgets name after a successful resolution.
func (q *Queue) Remove(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[name]; !ok {
		return
	}
	delete(q.entries, name)
	q.persistLocked()
}

// DrainEligible returns, sorted, the products still under the cap. Entries are
// kept so the cap continues to apply across runs.
func (q *Queue) DrainEligible() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.entries))
	for name, attempts := range q.entries {
		if attempts < q.maxAttempts {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Capped reports whether name has used up its retries. Capped products stay
// tracked so later runs keep skipping them.
func (q *Queue) Capped(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[name] >= q.maxAttempts
}

// Attempts returns the recorded attempts for name.
func (q *Queue) Attempts(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[name]
}

// Len returns the number of tracked products, including capped ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) persistLocked() {
	products := make(map[string]int, len(q.entries))
	for name, attempts := range q.entries {
		products[name] = attempts
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.persister.Save(ctx, State{LastUpdated: q.clock.Now(), Products: products}); err != nil {
		q.logger.Error("retry queue save failed", zap.Error(err))
	}
}
