// Package snapshot persists scrape results as a single JSON document that is
// merged on write, backed up before every overwrite and replaced atomically.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/metrics"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/atomicfile"
)

// Config controls snapshot persistence.
type Config struct {
	Path           string
	MaxBackups     int
	LoadRetries    int
	LoadRetryDelay time.Duration
}

// SaveResult summarizes one successful merge.
type SaveResult struct {
	Saved int
	Added int
	Total int
	Found int
}

// Store owns the snapshot file and its backups directory.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	clock  grocery.Clock
	writer atomicfile.Writer
	logger *zap.Logger
}

// New creates a Store for the configured path.
func New(cfg Config, clock grocery.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 20
	}
	if cfg.LoadRetries <= 0 {
		cfg.LoadRetries = 3
	}
	if cfg.LoadRetryDelay < 0 {
		cfg.LoadRetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(zap.String("snapshot", cfg.Path)),
	}, nil
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Load returns the persisted records. It never fails: unreadable snapshots fall
// back to the newest readable backup and finally to an empty list.
func (s *Store) Load(ctx context.Context) []grocery.ScrapeRecord {
	return s.load(ctx)
}

// MergeAndSave overlays batch onto the persisted records keyed by product name
// and atomically replaces the snapshot. Writes are serialized.
func (s *Store) MergeAndSave(ctx context.Context, batch []grocery.ScrapeRecord) (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.inspect()
	if prior.size > 0 {
		if err := s.backup(); err != nil {
			s.logger.Warn("snapshot backup failed", zap.Error(err))
		}
	}

	existing, err := s.reloadGuarded(ctx, prior)
	if err != nil {
		return SaveResult{}, err
	}

	merged := newRecordSet(existing)
	reloaded := merged.Len()
	res := SaveResult{}
	for _, rec := range batch {
		if strings.TrimSpace(rec.ProductName) == "" {
			s.logger.Warn("dropping record without product name")
			continue
		}
		if merged.Put(rec) {
			res.Added++
		}
		res.Saved++
	}
	if merged.Len() < reloaded {
		metrics.ObserveSaveAborted()
		s.logger.Error("merged snapshot smaller than persisted snapshot, aborting save",
			zap.Int("persisted", reloaded),
			zap.Int("merged", merged.Len()),
		)
		return SaveResult{}, fmt.Errorf("%w: merged %d records < persisted %d", grocery.ErrIntegrity, merged.Len(), reloaded)
	}

	snap := grocery.NewSnapshot(merged.Records(), s.clock.Now())
	if err := s.write(snap); err != nil {
		return SaveResult{}, err
	}
	res.Total = snap.TotalProducts
	res.Found = snap.ProductsFound
	metrics.SetSnapshotRecords(snap.TotalProducts)
	s.logger.Info("snapshot saved",
		zap.Int("saved", res.Saved),
		zap.Int("added", res.Added),
		zap.Int("total", res.Total),
		zap.Int("found", res.Found),
	)
	return res, nil
}

// RemoveNotFound drops found=false records. This is the only operation allowed
// to shrink the snapshot.
func (s *Store) RemoveNotFound(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.inspect()
	if prior.size > 0 {
		if err := s.backup(); err != nil {
			return 0, fmt.Errorf("backup before cleanup: %w", err)
		}
	}
	existing, err := s.reloadGuarded(ctx, prior)
	if err != nil {
		return 0, err
	}
	kept := make([]grocery.ScrapeRecord, 0, len(existing))
	for _, rec := range existing {
		if rec.Found {
			kept = append(kept, rec)
		}
	}
	removed := len(existing) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	snap := grocery.NewSnapshot(kept, s.clock.Now())
	if err := s.write(snap); err != nil {
		return 0, err
	}
	metrics.SetSnapshotRecords(snap.TotalProducts)
	s.logger.Info("removed not-found records", zap.Int("removed", removed), zap.Int("remaining", len(kept)))
	return removed, nil
}

// reloadGuarded reloads the snapshot and refuses to continue when a file known
// to hold records suddenly loads as empty.
func (s *Store) reloadGuarded(ctx context.Context, prior fileState) ([]grocery.ScrapeRecord, error) {
	existing := s.load(ctx)
	if len(existing) > 0 || prior.records == 0 {
		return existing, nil
	}
	s.logger.Error("snapshot reload returned no records, attempting backup recovery",
		zap.Int("expected", prior.records),
	)
	recovered, ok := s.recoverFromBackup()
	if ok && len(recovered) > 0 {
		s.logger.Warn("recovered records from backup", zap.Int("records", len(recovered)))
		return recovered, nil
	}
	metrics.ObserveSaveAborted()
	s.logger.Error("snapshot recovery failed, aborting save to protect existing data",
		zap.Int("expected", prior.records),
	)
	return nil, fmt.Errorf("%w: snapshot held %d records but reload returned none", grocery.ErrIntegrity, prior.records)
}

func (s *Store) load(ctx context.Context) []grocery.ScrapeRecord {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.LoadRetries; attempt++ {
		snap, err := readSnapshot(s.cfg.Path)
		switch {
		case err == nil:
			return snap.Products
		case errors.Is(err, os.ErrNotExist), errors.Is(err, errEmptyFile):
			return []grocery.ScrapeRecord{}
		}
		lastErr = err
		s.logger.Warn("snapshot read failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.LoadRetries),
			zap.Error(err),
		)
		if attempt < s.cfg.LoadRetries && !s.sleep(ctx, s.cfg.LoadRetryDelay) {
			break
		}
	}
	if recovered, ok := s.recoverFromBackup(); ok {
		s.logger.Warn("loaded snapshot from backup", zap.Int("records", len(recovered)))
		return recovered
	}
	s.logger.Error("snapshot unreadable and no usable backup, starting empty", zap.Error(lastErr))
	return []grocery.ScrapeRecord{}
}

func (s *Store) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Store) write(snap grocery.Snapshot) error {
	err := s.writer.WriteFile(s.cfg.Path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(snap)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

type fileState struct {
	size    int64
	records int
}

func (s *Store) inspect() fileState {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return fileState{}
	}
	state := fileState{size: info.Size()}
	if snap, err := readSnapshot(s.cfg.Path); err == nil {
		state.records = len(snap.Products)
	}
	return state
}

var errEmptyFile = errors.New("empty snapshot file")

func readSnapshot(path string) (grocery.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return grocery.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return grocery.Snapshot{}, errEmptyFile
	}
	var snap grocery.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return grocery.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Products == nil {
		snap.Products = []grocery.ScrapeRecord{}
	}
	return snap, nil
}

// ReadFile decodes a snapshot document without any recovery.
func ReadFile(path string) (grocery.Snapshot, error) {
	return readSnapshot(filepath.Clean(path))
}
