// Package pipeline runs one store crawl end to end: filter the catalog by
// what is already persisted, fan the rest out to workers, aggregate results
// into the snapshot and export the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/aggregator"
	"github.com/JakeFAU/grocery-price-crawler/internal/dispatcher"
	"github.com/JakeFAU/grocery-price-crawler/internal/export"
	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/logging"
	"github.com/JakeFAU/grocery-price-crawler/internal/queue/memory"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/snapshot"
	"github.com/JakeFAU/grocery-price-crawler/internal/worker"
)

// Config holds the run tunables.
type Config struct {
	Workers         int
	BlockThreshold  int
	CooldownMin     time.Duration
	CooldownMax     time.Duration
	DelayMin        time.Duration
	DelayMax        time.Duration
	WorkerStagger   time.Duration
	PersistNotFound bool
	FlushSize       int
	FlushIdle       time.Duration
	ResultBuffer    int
}

// SnapshotStore is the persisted result set of one store.
type SnapshotStore interface {
	Load(ctx context.Context) []grocery.ScrapeRecord
	MergeAndSave(ctx context.Context, batch []grocery.ScrapeRecord) (snapshot.SaveResult, error)
}

// RetryQueue tracks blocked products across runs.
type RetryQueue interface {
	grocery.RetryTracker
	DrainEligible() []string
	Capped(name string) bool
}

// Exporter ships a finished run downstream.
type Exporter interface {
	Export(ctx context.Context, runID, store string, snap grocery.Snapshot, summary any) (export.Result, error)
}

// Deps are the collaborators of a Pipeline. Exporter and History are optional.
type Deps struct {
	Catalog   grocery.Catalog
	Snapshots SnapshotStore
	Clients   grocery.ClientFactory
	Retries   RetryQueue
	Clock     grocery.Clock
	Sleeper   grocery.Sleeper
	IDs       grocery.IDGenerator
	Exporter  Exporter
	History   *History
}

// Summary reports the outcome of one store run.
type Summary struct {
	RunID         string        `json:"run_id"`
	Store         string        `json:"store"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Catalog       int           `json:"catalog"`
	Skipped       int           `json:"skipped"`
	Capped        int           `json:"capped"`
	Retried       int           `json:"retried"`
	Queued        int           `json:"queued"`
	Processed     int           `json:"processed"`
	Found         int           `json:"found"`
	NotFound      int           `json:"not_found"`
	Errors        int           `json:"errors"`
	Blocked       int           `json:"blocked"`
	Requeued      int           `json:"requeued"`
	Dropped       int           `json:"dropped"`
	SessionResets int           `json:"session_resets"`
	Saved         int           `json:"saved"`
	SavesAborted  int           `json:"saves_aborted"`
	Unsaved       int           `json:"unsaved"`
	SnapshotTotal int           `json:"snapshot_total"`
	SnapshotFound int           `json:"snapshot_found"`
	SnapshotURI   string        `json:"snapshot_uri,omitempty"`
}

// Pipeline runs crawls for a single store.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates the configuration and dependencies.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case deps.Snapshots == nil:
		return nil, fmt.Errorf("snapshot store is required")
	case deps.Clients == nil:
		return nil, fmt.Errorf("client factory is required")
	case deps.Retries == nil:
		return nil, fmt.Errorf("retry queue is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.Sleeper == nil:
		return nil, fmt.Errorf("sleeper is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger.Named("pipeline")}, nil
}

// Run crawls every catalog product the store has not yet resolved, plus any
// blocked products still under the retry cap. The summary is returned even
// when the run is interrupted.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := p.deps.Clock.Now()
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	storeName := p.deps.Clients.Store()
	logger := logging.ForRun(p.logger, runID, storeName)
	sum := Summary{RunID: runID, Store: storeName, StartedAt: start}

	names, err := p.deps.Catalog.DistinctNames(ctx)
	if err != nil {
		return sum, fmt.Errorf("load catalog: %w", err)
	}
	sum.Catalog = len(names)

	seen := NewSeenSet(p.deps.Snapshots.Load(ctx))
	pending := p.plan(names, seen, &sum)
	logger.Info("run planned",
		zap.Int("catalog", sum.Catalog),
		zap.Int("already_resolved", sum.Skipped),
		zap.Int("retry_capped", sum.Capped),
		zap.Int("retries", sum.Retried),
		zap.Int("queued", len(pending)),
	)
	if len(pending) == 0 {
		sum.Duration = p.deps.Clock.Now().Sub(start)
		p.record(sum)
		logger.Info("nothing to crawl")
		return sum, nil
	}

	queue := memory.NewQueue(len(pending) + p.cfg.Workers)
	defer queue.Close()
	for _, name := range pending {
		if err := queue.Enqueue(ctx, name); err != nil {
			return sum, fmt.Errorf("seed queue: %w", err)
		}
	}
	sum.Queued = len(pending)

	agg, err := aggregator.New(ctx, aggregator.Config{
		FlushSize:   p.cfg.FlushSize,
		IdleTimeout: p.cfg.FlushIdle,
		BufferSize:  p.cfg.ResultBuffer,
	}, p.deps.Snapshots, logger)
	if err != nil {
		return sum, fmt.Errorf("start aggregator: %w", err)
	}

	runners := make([]dispatcher.Runner, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		w, err := worker.New(worker.Config{
			ID:              i,
			BlockThreshold:  p.cfg.BlockThreshold,
			CooldownMin:     p.cfg.CooldownMin,
			CooldownMax:     p.cfg.CooldownMax,
			DelayMin:        p.cfg.DelayMin,
			DelayMax:        p.cfg.DelayMax,
			StartDelay:      time.Duration(i) * p.cfg.WorkerStagger,
			PersistNotFound: p.cfg.PersistNotFound,
		}, worker.Deps{
			Queue:   queue,
			Clients: p.deps.Clients,
			Retries: p.deps.Retries,
			Results: agg,
			Clock:   p.deps.Clock,
			Sleeper: p.deps.Sleeper,
		}, logger)
		if err != nil {
			_, _ = agg.Close(context.WithoutCancel(ctx))
			return sum, fmt.Errorf("build worker %d: %w", i, err)
		}
		runners = append(runners, w)
	}

	counters, runErr := dispatcher.New(queue, runners, logger).Run(ctx)
	stats, closeErr := agg.Close(context.WithoutCancel(ctx))

	sum.Processed = counters.Processed
	sum.Found = counters.Found
	sum.NotFound = counters.NotFound
	sum.Errors = counters.Errors
	sum.Blocked = counters.Blocked
	sum.Requeued = counters.Requeued
	sum.Dropped = counters.Dropped
	sum.SessionResets = counters.SessionResets
	sum.Saved = stats.Saved
	sum.SavesAborted = stats.AbortedSaves
	sum.Unsaved = stats.Unsaved

	snap := grocery.NewSnapshot(p.deps.Snapshots.Load(context.WithoutCancel(ctx)), p.deps.Clock.Now())
	sum.SnapshotTotal = snap.TotalProducts
	sum.SnapshotFound = snap.ProductsFound
	sum.Duration = p.deps.Clock.Now().Sub(start)

	if p.deps.Exporter != nil {
		res, err := p.deps.Exporter.Export(context.WithoutCancel(ctx), runID, storeName, snap, sum)
		if err != nil {
			logger.Warn("export incomplete", zap.Error(err))
		}
		sum.SnapshotURI = res.SnapshotURI
	}
	p.record(sum)

	fields := []zap.Field{
		zap.Int("processed", sum.Processed),
		zap.Int("found", sum.Found),
		zap.Int("not_found", sum.NotFound),
		zap.Int("errors", sum.Errors),
		zap.Int("blocked", sum.Blocked),
		zap.Int("requeued", sum.Requeued),
		zap.Int("dropped", sum.Dropped),
		zap.Int("saves_aborted", sum.SavesAborted),
		zap.Int("unsaved", sum.Unsaved),
		zap.Int("snapshot_total", sum.SnapshotTotal),
		zap.Duration("duration", sum.Duration),
	}
	if sum.Unsaved > 0 {
		logger.Error("run finished with unsaved records", fields...)
	} else {
		logger.Info("run finished", fields...)
	}

	if err := errors.Join(runErr, closeErr); err != nil {
		return sum, err
	}
	if stats.LastError != nil && sum.Unsaved > 0 {
		return sum, fmt.Errorf("final save: %w", stats.LastError)
	}
	return sum, nil
}

// plan returns catalog names not yet resolved followed by eligible retries,
// each normalized name at most once. Names past the retry cap are left out.
func (p *Pipeline) plan(names []string, seen *SeenSet, sum *Summary) []string {
	queued := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := grocery.NormalizeName(name)
		if key == "" {
			continue
		}
		if seen.Contains(name) {
			sum.Skipped++
			continue
		}
		if _, dup := queued[key]; dup {
			continue
		}
		if p.deps.Retries.Capped(name) {
			queued[key] = struct{}{}
			sum.Capped++
			continue
		}
		queued[key] = struct{}{}
		out = append(out, name)
	}
	for _, name := range p.deps.Retries.DrainEligible() {
		key := grocery.NormalizeName(name)
		if key == "" || seen.Contains(name) {
			continue
		}
		if _, dup := queued[key]; dup {
			continue
		}
		queued[key] = struct{}{}
		out = append(out, name)
		sum.Retried++
	}
	return out
}

func (p *Pipeline) record(sum Summary) {
	if p.deps.History != nil {
		p.deps.History.Record(sum)
	}
}
