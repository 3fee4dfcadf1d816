package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/atomicfile"
)

// steppingClock advances one second per call so backup names never collide.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{
		Path:           filepath.Join(t.TempDir(), "walmart_scraped_products.json"),
		LoadRetryDelay: time.Millisecond,
	}, newSteppingClock(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func rec(name string, found bool) grocery.ScrapeRecord {
	r := grocery.ScrapeRecord{ProductName: name, Found: found, Source: "walmart"}
	if found {
		p := 1.99
		r.Price = &p
		r.MatchedName = name + " (store)"
		r.SourceURL = "https://store.test/p/" + strings.ReplaceAll(name, " ", "-")
	}
	return r
}

func names(records []grocery.ScrapeRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ProductName)
	}
	sort.Strings(out)
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, newSteppingClock(), nil)
	require.Error(t, err)
	_, err = New(Config{Path: "x.json"}, nil, nil)
	require.Error(t, err)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	got := store.Load(context.Background())
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestMergeAndSaveWritesSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true), rec("bread", false)})
	require.NoError(t, err)
	assert.Equal(t, SaveResult{Saved: 2, Added: 2, Total: 2, Found: 1}, res)

	snap, err := ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalProducts)
	assert.Equal(t, 1, snap.ProductsFound)
	assert.Equal(t, []string{"milk", "bread"}, []string{snap.Products[0].ProductName, snap.Products[1].ProductName})
	assert.False(t, snap.ScrapedAt.IsZero())
}

func TestMergeAndSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("eggs", true)})
	require.NoError(t, err)

	batch := []grocery.ScrapeRecord{rec("milk", true), rec("bread", false)}
	_, err = store.MergeAndSave(ctx, batch)
	require.NoError(t, err)
	once := store.Load(ctx)

	res, err := store.MergeAndSave(ctx, batch)
	require.NoError(t, err)
	twice := store.Load(ctx)

	assert.Zero(t, res.Added)
	assert.Equal(t, once, twice)
}

func TestMergeAndSaveLastWriteWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", false)})
	require.NoError(t, err)

	updated := rec("milk", true)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{updated})
	require.NoError(t, err)

	got := store.Load(ctx)
	require.Len(t, got, 1)
	assert.True(t, got[0].Found)
	assert.Equal(t, updated.SourceURL, got[0].SourceURL)
}

func TestMergeAndSaveNeverShrinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	batches := [][]grocery.ScrapeRecord{
		{rec("a", true), rec("b", false)},
		{rec("b", true)},
		{},
		{rec("c", false), rec("a", false)},
		{{ProductName: ""}},
	}
	prev := 0
	for i, batch := range batches {
		_, err := store.MergeAndSave(ctx, batch)
		require.NoError(t, err, "batch %d", i)
		count := len(store.Load(ctx))
		require.GreaterOrEqual(t, count, prev, "batch %d", i)
		prev = count
	}
	assert.Equal(t, []string{"a", "b", "c"}, names(store.Load(ctx)))
}

func TestBackupRotationKeepsNewestTwenty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("seed", true)})
	require.NoError(t, err)

	var created []string
	for i := 0; i < 25; i++ {
		_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec(fmt.Sprintf("p%02d", i), true)})
		require.NoError(t, err)
		backups, err := store.Backups()
		require.NoError(t, err)
		created = append(created, backups[0])
	}

	backups, err := store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 20)

	sort.Sort(sort.Reverse(sort.StringSlice(created)))
	assert.Equal(t, created[:20], backups)
	for _, b := range backups {
		assert.Contains(t, filepath.Base(b), "walmart_scraped_products_backup_")
		assert.Equal(t, ".json", filepath.Ext(b))
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func TestBackupsWithinOneSecondDoNotCollide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(Config{
		Path: filepath.Join(t.TempDir(), "walmart_scraped_products.json"),
	}, frozenClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
	require.NoError(t, err)

	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("a", true)})
	require.NoError(t, err)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("b", true)})
	require.NoError(t, err)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("c", true)})
	require.NoError(t, err)

	backups, err := store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "walmart_scraped_products_backup_20240501_120000_001.json", filepath.Base(backups[0]))
	assert.Equal(t, "walmart_scraped_products_backup_20240501_120000.json", filepath.Base(backups[1]))

	newest, err := ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(newest.Products))
	oldest, err := ReadFile(backups[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(oldest.Products))
}

func TestLoadFallsBackToNewestBackup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true)})
	require.NoError(t, err)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("bread", true)})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	got := store.Load(ctx)
	assert.Equal(t, []string{"milk"}, names(got))
}

func TestLoadUnreadableWithoutBackupIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("garbage"), 0o600))
	require.Empty(t, store.Load(context.Background()))
}

func TestMergeRecoversFromBackupWhenSnapshotCorrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true)})
	require.NoError(t, err)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("bread", true)})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.Path(), []byte("{truncated"), 0o600))

	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("eggs", true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"eggs", "milk"}, names(store.Load(ctx)))
}

func TestReloadGuardAbortsWhenRecordsVanish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true), rec("bread", true)})
	require.NoError(t, err)

	prior := store.inspect()
	require.Equal(t, 2, prior.records)

	empty := `{"scraped_at":"2024-05-01T00:00:00Z","total_products":0,"products_found":0,"products":[]}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(empty), 0o600))

	_, err = store.reloadGuarded(ctx, prior)
	require.ErrorIs(t, err, grocery.ErrIntegrity)

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, empty, string(content))
}

func TestReloadGuardRecoversFromBackup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true)})
	require.NoError(t, err)
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("bread", true)})
	require.NoError(t, err)

	prior := store.inspect()
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"products":[]}`), 0o600))

	got, err := store.reloadGuarded(ctx, prior)
	require.NoError(t, err)
	assert.Equal(t, []string{"milk"}, names(got))
}

func TestMergeOverCorruptSnapshotKeepsRawBackup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{bad"), 0o600))

	res, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	backups, err := store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	raw, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "{bad", string(raw))
}

// failingTemp writes a prefix of the payload to a real temp file and then fails,
// simulating a crash mid-write.
type failingTemp struct {
	*os.File
	limit   int
	written int
}

func (f *failingTemp) Write(p []byte) (int, error) {
	remaining := f.limit - f.written
	if remaining <= 0 {
		return 0, errors.New("disk full")
	}
	if len(p) > remaining {
		n, _ := f.File.Write(p[:remaining])
		f.written += n
		return n, errors.New("disk full")
	}
	n, err := f.File.Write(p)
	f.written += n
	return n, err
}

func TestMergeAndSaveAtomicVisibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true), rec("bread", false)})
	require.NoError(t, err)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	store.writer = atomicfile.Writer{
		CreateTemp: func(dir, pattern string) (atomicfile.TempFile, error) {
			f, err := os.CreateTemp(dir, pattern)
			if err != nil {
				return nil, err
			}
			return &failingTemp{File: f, limit: 16}, nil
		},
	}
	_, err = store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("eggs", true)})
	require.Error(t, err)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestConcurrentMergesAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec(fmt.Sprintf("p%d", i), true)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, store.Load(ctx), 10)
}

func TestRemoveNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true), rec("bread", false), rec("eggs", false)})
	require.NoError(t, err)

	removed, err := store.RemoveNotFound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"milk"}, names(store.Load(ctx)))

	removed, err = store.RemoveNotFound(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMergeFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("milk", true)})
	require.NoError(t, err)

	other := newTestStore(t)
	_, err = other.MergeAndSave(ctx, []grocery.ScrapeRecord{rec("bread", true), rec("milk", false)})
	require.NoError(t, err)

	res, err := MergeFiles(ctx, store, other.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Total)

	_, err = MergeFiles(ctx, store, filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
