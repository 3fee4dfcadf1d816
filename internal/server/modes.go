package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/pipeline"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/snapshot"
	"github.com/JakeFAU/grocery-price-crawler/internal/store"
)

// Crawl runs the pipeline for every configured store in order. A failing
// store does not stop the others unless ctx ends.
func (a *App) Crawl(ctx context.Context) ([]pipeline.Summary, error) {
	adapters, err := a.registry.Resolve(a.cfg.Run.Stores)
	if err != nil {
		return nil, err
	}
	cat, err := a.openCatalog()
	if err != nil {
		return nil, err
	}

	var (
		summaries []pipeline.Summary
		errs      []error
	)
	for _, adapter := range adapters {
		sum, err := a.crawlStore(ctx, adapter, cat)
		if sum.RunID != "" {
			summaries = append(summaries, sum)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", adapter.Store(), err))
			a.logger.Error("store run failed", zap.String("store", adapter.Store()), zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return summaries, errors.Join(errs...)
}

func (a *App) crawlStore(ctx context.Context, adapter *store.SelectorAdapter, cat grocery.Catalog) (pipeline.Summary, error) {
	name := adapter.Store()
	logger := a.logger.With(zap.String("store", name))

	snaps, err := a.snapshotStore(name)
	if err != nil {
		return pipeline.Summary{}, err
	}
	retries, err := a.retryQueue(ctx, name)
	if err != nil {
		return pipeline.Summary{}, err
	}
	clients, err := store.NewFactory(adapter, a.sessions, store.FactoryConfig{
		DetailCacheSize: a.cfg.Fetch.DetailCacheSize,
	}, a.limiter, a.clock, a.logger)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("client factory: %w", err)
	}

	pc := a.cfg.Pipeline
	p, err := pipeline.New(pipeline.Config{
		Workers:         pc.Workers,
		BlockThreshold:  pc.BlockThreshold,
		CooldownMin:     pc.CooldownMin,
		CooldownMax:     pc.CooldownMax,
		DelayMin:        pc.ProductDelayMin,
		DelayMax:        pc.ProductDelayMax,
		WorkerStagger:   pc.WorkerStagger,
		PersistNotFound: pc.PersistNotFound,
		FlushSize:       pc.FlushSize,
		FlushIdle:       pc.FlushIdle,
		ResultBuffer:    pc.ResultBuffer,
	}, pipeline.Deps{
		Catalog:   cat,
		Snapshots: snaps,
		Clients:   clients,
		Retries:   retries,
		Clock:     a.clock,
		Sleeper:   a.clock,
		IDs:       a.ids,
		Exporter:  a.exporter,
		History:   a.history,
	}, logger)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("pipeline init: %w", err)
	}
	return p.Run(ctx)
}

// Cleanup drops not-found records from every configured store's snapshot
// and returns how many were removed per store.
func (a *App) Cleanup(ctx context.Context) (map[string]int, error) {
	removed := make(map[string]int, len(a.cfg.Run.Stores))
	for _, name := range a.cfg.Run.Stores {
		snaps, err := a.snapshotStore(name)
		if err != nil {
			return removed, err
		}
		n, err := snaps.RemoveNotFound(ctx)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", name, err)
		}
		removed[name] = n
		a.logger.Info("cleanup finished", zap.String("store", name), zap.Int("removed", n))
	}
	return removed, nil
}

// Merge folds the snapshot at from into storeName's snapshot. An empty
// storeName means the first configured store.
func (a *App) Merge(ctx context.Context, storeName, from string) (snapshot.SaveResult, error) {
	if strings.TrimSpace(from) == "" {
		return snapshot.SaveResult{}, fmt.Errorf("merge requires a source file")
	}
	if storeName == "" {
		storeName = a.cfg.Run.Stores[0]
	}
	storeName = strings.ToLower(strings.TrimSpace(storeName))
	if _, ok := a.registry.Get(storeName); !ok {
		return snapshot.SaveResult{}, fmt.Errorf("unknown store %q", storeName)
	}
	snaps, err := a.snapshotStore(storeName)
	if err != nil {
		return snapshot.SaveResult{}, err
	}
	res, err := snapshot.MergeFiles(ctx, snaps, from)
	if err != nil {
		return snapshot.SaveResult{}, err
	}
	if _, err := a.upserter.Upsert(ctx, snaps.Load(ctx)); err != nil {
		a.logger.Warn("price index refresh after merge failed", zap.Error(err))
	}
	a.logger.Info("snapshot merged",
		zap.String("store", storeName),
		zap.String("from", from),
		zap.Int("added", res.Added),
		zap.Int("total", res.Total),
	)
	return res, nil
}
