// Package worker implements the per-store product resolution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	ID              int
	BlockThreshold  int
	CooldownMin     time.Duration
	CooldownMax     time.Duration
	DelayMin        time.Duration
	DelayMax        time.Duration
	StartDelay      time.Duration
	PersistNotFound bool
}

// Deps are the collaborators a Worker needs.
type Deps struct {
	Queue   grocery.Queue
	Clients grocery.ClientFactory
	Retries grocery.RetryTracker
	Results grocery.ResultSink
	Clock   grocery.Clock
	Sleeper grocery.Sleeper
}

// Counters summarize what one worker did.
type Counters struct {
	Processed     int
	Found         int
	NotFound      int
	Errors        int
	Blocked       int
	Requeued      int
	Dropped       int
	SessionResets int
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Processed += other.Processed
	c.Found += other.Found
	c.NotFound += other.NotFound
	c.Errors += other.Errors
	c.Blocked += other.Blocked
	c.Requeued += other.Requeued
	c.Dropped += other.Dropped
	c.SessionResets += other.SessionResets
}

// Worker consumes product names and resolves them against one store.
type Worker struct {
	cfg      Config
	deps     Deps
	store    string
	tracker  *BlockTracker
	client   grocery.StoreClient
	counters Counters
	logger   *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Clients == nil:
		return nil, fmt.Errorf("client factory is required")
	case deps.Retries == nil:
		return nil, fmt.Errorf("retry tracker is required")
	case deps.Results == nil:
		return nil, fmt.Errorf("result sink is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.Sleeper == nil:
		return nil, fmt.Errorf("sleeper is required")
	}
	if cfg.CooldownMax < cfg.CooldownMin {
		cfg.CooldownMax = cfg.CooldownMin
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := deps.Clients.Store()
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		store:   store,
		tracker: NewBlockTracker(cfg.BlockThreshold),
		logger:  logger.Named("worker").With(zap.Int("worker", cfg.ID), zap.String("store", store)),
	}, nil
}

// Run blocks, consuming queue items until a stop sentinel arrives or the
// context finishes. It returns the worker's counters.
func (w *Worker) Run(ctx context.Context) Counters {
	defer w.closeClient()

	if w.cfg.StartDelay > 0 {
		if err := w.deps.Sleeper.Sleep(ctx, w.cfg.StartDelay); err != nil {
			return w.counters
		}
	}
	w.logger.Info("worker started")
	defer w.logger.Info("worker finished", zap.Int("processed", w.counters.Processed))

	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, grocery.ErrQueueClosed) {
				return w.counters
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if item.Stop {
			return w.counters
		}
		w.handle(ctx, item.Name)
		w.deps.Queue.Done()

		if ctx.Err() != nil {
			return w.counters
		}
		if err := w.deps.Sleeper.Sleep(ctx, randomBetween(w.cfg.DelayMin, w.cfg.DelayMax)); err != nil {
			return w.counters
		}
	}
}

// Counters returns a copy of the worker's counters.
func (w *Worker) Counters() Counters {
	return w.counters
}

// State exposes the block tracker state.
func (w *Worker) State() BlockState {
	return w.tracker.State()
}

func (w *Worker) handle(ctx context.Context, name string) {
	rec, err := w.resolve(ctx, name)
	switch {
	case errors.Is(err, grocery.ErrBlocked):
		w.handleBlocked(ctx, name)
		return
	case err != nil && ctx.Err() != nil:
		w.counters.Dropped++
		w.logger.Warn("product abandoned on shutdown", zap.String("product", name))
		return
	case err != nil:
		w.logger.Error("product failed", zap.String("product", name), zap.Error(err))
		rec = grocery.Failed(name, w.store, w.deps.Clock.Now(), err)
	default:
		w.tracker.RecordSuccess()
	}
	w.deps.Retries.Remove(name)
	w.emit(ctx, rec)
}

// resolve runs the store lookup, opening a session on demand and turning a
// panic into an error.
func (w *Worker) resolve(ctx context.Context, name string) (rec grocery.ScrapeRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic resolving %q: %v", name, r)
		}
	}()
	if w.client == nil {
		client, openErr := w.deps.Clients.NewClient(ctx)
		if openErr != nil {
			return grocery.ScrapeRecord{}, fmt.Errorf("open session: %w", openErr)
		}
		w.client = client
	}
	return w.client.SearchAndResolve(ctx, name)
}

func (w *Worker) handleBlocked(ctx context.Context, name string) {
	w.counters.Blocked++
	metrics.ObserveBlock(w.store)
	metrics.ObserveProduct(w.store, "blocked")

	attempts, requeue := w.deps.Retries.Add(name)
	logger := w.logger.With(zap.String("product", name), zap.Int("attempts", attempts))
	if requeue {
		if err := w.deps.Queue.Enqueue(ctx, name); err != nil {
			w.counters.Dropped++
			logger.Warn("requeue failed, product dropped", zap.Error(err))
		} else {
			w.counters.Requeued++
			logger.Warn("blocked, product requeued", zap.Int("consecutive", w.tracker.Consecutive()+1))
		}
	} else {
		w.counters.Dropped++
		metrics.ObserveProduct(w.store, "dropped")
		logger.Warn("blocked, retry limit reached")
	}

	if w.tracker.RecordBlock() {
		w.cooldown(ctx)
	}
}

// cooldown discards the fetch session and rests before the next product.
// The replacement session is opened lazily by resolve.
func (w *Worker) cooldown(ctx context.Context) {
	defer w.tracker.CooldownComplete()

	w.closeClient()
	w.counters.SessionResets++
	metrics.ObserveSessionReset(w.store)

	wait := randomBetween(w.cfg.CooldownMin, w.cfg.CooldownMax)
	w.logger.Warn("too many consecutive blocks, resetting session",
		zap.Int("consecutive", w.tracker.Consecutive()),
		zap.Duration("cooldown", wait),
	)
	if err := w.deps.Sleeper.Sleep(ctx, wait); err != nil {
		w.logger.Debug("cooldown interrupted", zap.Error(err))
	}
}

func (w *Worker) emit(ctx context.Context, rec grocery.ScrapeRecord) {
	w.counters.Processed++
	outcome := "found"
	switch {
	case rec.Found:
		w.counters.Found++
	case rec.Error != "":
		w.counters.Errors++
		outcome = "error"
	default:
		w.counters.NotFound++
		outcome = "not_found"
	}
	metrics.ObserveProduct(w.store, outcome)

	if !rec.Found && !w.cfg.PersistNotFound {
		w.logger.Debug("not found, not persisted", zap.String("product", rec.ProductName))
		return
	}
	if err := w.deps.Results.Submit(ctx, rec); err != nil {
		w.logger.Error("result submit failed", zap.String("product", rec.ProductName), zap.Error(err))
		return
	}
	w.logger.Debug("result queued",
		zap.String("product", rec.ProductName),
		zap.Bool("found", rec.Found),
		zap.String("matched", rec.MatchedName),
	)
}

func (w *Worker) closeClient() {
	if w.client == nil {
		return
	}
	if err := w.client.Close(); err != nil {
		w.logger.Warn("closing session failed", zap.Error(err))
	}
	w.client = nil
}
