// Package aggregator buffers worker results and flushes them to the snapshot
// store in bounded batches from a single goroutine.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/metrics"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/snapshot"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("aggregator closed")

// Saver persists a batch of records.
type Saver interface {
	MergeAndSave(ctx context.Context, batch []grocery.ScrapeRecord) (snapshot.SaveResult, error)
}

// Config tunes batching.
type Config struct {
	FlushSize   int
	IdleTimeout time.Duration
	BufferSize  int
}

// Stats describes what the aggregator persisted.
type Stats struct {
	Received      int
	Flushes       int
	Saved         int
	FailedFlushes int
	AbortedSaves  int
	Unsaved       int
	LastTotal     int
	LastFound     int
	LastError     error
}

// Aggregator owns the result channel and the flush loop.
type Aggregator struct {
	cfg     Config
	saver   Saver
	logger  *zap.Logger
	baseCtx context.Context

	records chan grocery.ScrapeRecord
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}

	carry []grocery.ScrapeRecord
	stats Stats
}

// New starts an aggregator. Flushes run with a context detached from ctx's
// cancellation so the final flush still happens during shutdown.
func New(ctx context.Context, cfg Config, saver Saver, logger *zap.Logger) (*Aggregator, error) {
	if saver == nil {
		return nil, fmt.Errorf("saver is required")
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		cfg:     cfg,
		saver:   saver,
		logger:  logger,
		baseCtx: context.WithoutCancel(ctx),
		records: make(chan grocery.ScrapeRecord, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Submit hands a record to the aggregator, blocking while the buffer is full.
func (a *Aggregator) Submit(ctx context.Context, rec grocery.ScrapeRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case a.records <- rec:
		return nil
	}
}

// Close signals the terminal flush and waits for the loop to exit.
func (a *Aggregator) Close(ctx context.Context) (Stats, error) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.records)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return a.stats, nil
	case <-ctx.Done():
		return Stats{}, fmt.Errorf("aggregator close: %w", ctx.Err())
	}
}

func (a *Aggregator) run() {
	defer close(a.done)

	batch := make([]grocery.ScrapeRecord, 0, a.cfg.FlushSize)
	timer := time.NewTimer(a.cfg.IdleTimeout)
	timer.Stop()
	timerActive := false

	for {
		select {
		case rec, ok := <-a.records:
			if !ok {
				a.stopTimer(timer, &timerActive)
				a.flush(batch)
				a.stats.Unsaved = len(a.carry)
				if a.stats.Unsaved > 0 {
					a.logger.Error("records left unsaved at shutdown", zap.Int("records", a.stats.Unsaved))
				}
				return
			}
			a.stats.Received++
			batch = append(batch, rec)
			if len(batch) >= a.cfg.FlushSize {
				a.stopTimer(timer, &timerActive)
				a.flush(batch)
				batch = batch[:0]
			} else {
				a.resetTimer(timer, &timerActive)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush saves the batch plus anything carried over from a failed flush.
func (a *Aggregator) flush(batch []grocery.ScrapeRecord) {
	if len(batch) == 0 && len(a.carry) == 0 {
		return
	}
	pending := make([]grocery.ScrapeRecord, 0, len(a.carry)+len(batch))
	pending = append(pending, a.carry...)
	pending = append(pending, batch...)

	res, err := a.saver.MergeAndSave(a.baseCtx, pending)
	a.stats.Flushes++
	if err != nil {
		a.carry = pending
		a.stats.FailedFlushes++
		a.stats.LastError = err
		metrics.ObserveFlush("failed")
		if errors.Is(err, grocery.ErrIntegrity) {
			a.stats.AbortedSaves++
			a.logger.Error("save aborted by integrity check, batch kept for next flush",
				zap.Int("records", len(pending)),
				zap.Error(err),
			)
			return
		}
		a.logger.Error("flush failed, batch kept for next flush",
			zap.Int("records", len(pending)),
			zap.Error(err),
		)
		return
	}
	a.carry = nil
	a.stats.Saved += res.Saved
	a.stats.LastTotal = res.Total
	a.stats.LastFound = res.Found
	metrics.ObserveFlush("ok")
	a.logger.Debug("batch flushed",
		zap.Int("records", len(pending)),
		zap.Int("total", res.Total),
	)
}

func (a *Aggregator) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(a.cfg.IdleTimeout)
	*timerActive = true
}

func (a *Aggregator) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}
