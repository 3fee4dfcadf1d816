package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/queue/memory"
)

type outcome struct {
	rec   grocery.ScrapeRecord
	err   error
	panic bool
}

type fakeClient struct {
	factory *fakeFactory
	closed  bool
}

func (c *fakeClient) SearchAndResolve(_ context.Context, name string) (grocery.ScrapeRecord, error) {
	o := c.factory.next(name)
	if o.panic {
		panic("selector exploded")
	}
	return o.rec, o.err
}

func (c *fakeClient) Close() error {
	c.factory.mu.Lock()
	defer c.factory.mu.Unlock()
	c.closed = true
	c.factory.closes++
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	script  map[string][]outcome
	opens   int
	closes  int
	openErr error
	clients []*fakeClient
}

func newFakeFactory(script map[string][]outcome) *fakeFactory {
	return &fakeFactory{script: script}
}

func (f *fakeFactory) Store() string { return "teststore" }

func (f *fakeFactory) NewClient(context.Context) (grocery.StoreClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	c := &fakeClient{factory: f}
	f.clients = append(f.clients, c)
	return c, nil
}

// next pops the next scripted outcome; the last one repeats.
func (f *fakeFactory) next(name string) outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.script[name]
	if len(seq) == 0 {
		return outcome{rec: grocery.NotFound(name, "teststore", time.Unix(0, 0))}
	}
	o := seq[0]
	if len(seq) > 1 {
		f.script[name] = seq[1:]
	}
	return o
}

type fakeSink struct {
	mu      sync.Mutex
	records []grocery.ScrapeRecord
}

func (s *fakeSink) Submit(_ context.Context, rec grocery.ScrapeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) Records() []grocery.ScrapeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]grocery.ScrapeRecord(nil), s.records...)
}

type fakeRetries struct {
	mu       sync.Mutex
	max      int
	attempts map[string]int
	removed  []string
}

func newFakeRetries(max int) *fakeRetries {
	return &fakeRetries{max: max, attempts: map[string]int{}}
}

func (r *fakeRetries) Add(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[name] < r.max {
		r.attempts[name]++
	}
	n := r.attempts[name]
	return n, n < r.max
}

func (r *fakeRetries) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, name)
	r.removed = append(r.removed, name)
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *fakeSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func price(v float64) *float64 { return &v }

func found(name string) outcome {
	return outcome{rec: grocery.FromCandidate(name, grocery.CandidateResult{
		Name:   name + " (store)",
		Price:  price(1.99),
		URL:    "https://store.test/" + name,
		Source: "teststore",
	}, time.Unix(0, 0))}
}

func blocked() outcome {
	return outcome{err: fmt.Errorf("search: %w", grocery.ErrBlocked)}
}

type harness struct {
	queue   *memory.Queue
	factory *fakeFactory
	retries *fakeRetries
	sink    *fakeSink
	sleeper *fakeSleeper
	worker  *Worker
}

func newHarness(t *testing.T, cfg Config, script map[string][]outcome, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		queue:   memory.NewQueue(16),
		factory: newFakeFactory(script),
		retries: newFakeRetries(maxRetries),
		sink:    &fakeSink{},
		sleeper: &fakeSleeper{},
	}
	w, err := New(cfg, Deps{
		Queue:   h.queue,
		Clients: h.factory,
		Retries: h.retries,
		Results: h.sink,
		Clock:   fakeClock{},
		Sleeper: h.sleeper,
	}, zap.NewNop())
	require.NoError(t, err)
	h.worker = w
	return h
}

// run enqueues names, waits for them to settle, then stops the worker.
func (h *harness) run(t *testing.T, names ...string) Counters {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, n := range names {
		require.NoError(t, h.queue.Enqueue(ctx, n))
	}
	done := make(chan Counters, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.NoError(t, h.queue.Wait(ctx))
	require.NoError(t, h.queue.EnqueueStop(ctx))
	select {
	case c := <-done:
		return c
	case <-ctx.Done():
		t.Fatal("worker did not stop")
		return Counters{}
	}
}

func TestWorkerResolvesProducts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ID: 1, PersistNotFound: true}, map[string][]outcome{
		"milk":  {found("milk")},
		"bread": {{rec: grocery.NotFound("bread", "teststore", time.Unix(0, 0))}},
		"eggs":  {{err: fmt.Errorf("fetch: %w", grocery.ErrTransient)}},
	}, 3)

	counters := h.run(t, "milk", "bread", "eggs")

	assert.Equal(t, Counters{Processed: 3, Found: 1, NotFound: 1, Errors: 1}, counters)
	recs := h.sink.Records()
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Found)
	assert.False(t, recs[1].Found)
	assert.Empty(t, recs[1].Error)
	assert.Equal(t, "eggs", recs[2].ProductName)
	assert.Contains(t, recs[2].Error, "transient")
	assert.Equal(t, "teststore", recs[2].Source)
	assert.Equal(t, 1, h.factory.opens)
	assert.Equal(t, 1, h.factory.closes, "session closed on exit")
}

func TestWorkerSkipsNotFoundWhenConfigured(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PersistNotFound: false}, map[string][]outcome{
		"milk": {found("milk")},
	}, 3)

	counters := h.run(t, "milk", "ghost")

	assert.Equal(t, 2, counters.Processed)
	assert.Equal(t, 1, counters.NotFound)
	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "milk", recs[0].ProductName)
}

func TestWorkerRequeuesBlockedProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PersistNotFound: true}, map[string][]outcome{
		"milk": {blocked(), found("milk")},
	}, 3)

	counters := h.run(t, "milk")

	assert.Equal(t, 1, counters.Blocked)
	assert.Equal(t, 1, counters.Requeued)
	assert.Equal(t, 1, counters.Found)
	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Found)
	assert.Contains(t, h.retries.removed, "milk")
	assert.Equal(t, StateNormal, h.worker.State())
}

func TestWorkerDropsAfterRetryCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlockThreshold: 10}, map[string][]outcome{
		"milk": {blocked()},
	}, 3)

	counters := h.run(t, "milk")

	assert.Equal(t, 3, counters.Blocked)
	assert.Equal(t, 2, counters.Requeued)
	assert.Equal(t, 1, counters.Dropped)
	assert.Empty(t, h.sink.Records())
	assert.Equal(t, 3, h.retries.attempts["milk"])
}

func TestWorkerResetsSessionAfterConsecutiveBlocks(t *testing.T) {
	t.Parallel()

	cfg := Config{
		BlockThreshold:  3,
		CooldownMin:     30 * time.Second,
		CooldownMax:     60 * time.Second,
		PersistNotFound: true,
	}
	h := newHarness(t, cfg, map[string][]outcome{
		"a":    {blocked()},
		"b":    {blocked()},
		"c":    {blocked()},
		"milk": {found("milk")},
	}, 1)

	counters := h.run(t, "a", "b", "c", "milk")

	assert.Equal(t, 3, counters.Blocked)
	assert.Equal(t, 3, counters.Dropped)
	assert.Equal(t, 1, counters.SessionResets)
	assert.Equal(t, 1, counters.Found)
	assert.Equal(t, 2, h.factory.opens, "fresh session after cooldown")
	require.Len(t, h.factory.clients, 2)
	assert.True(t, h.factory.clients[0].closed)

	var cooldowns int
	for _, d := range h.sleeper.Waits() {
		if d >= 30*time.Second {
			assert.LessOrEqual(t, d, 60*time.Second)
			cooldowns++
		}
	}
	assert.Equal(t, 1, cooldowns)
}

func TestWorkerSuccessClearsBlockStreak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlockThreshold: 2, PersistNotFound: true}, map[string][]outcome{
		"a":    {blocked()},
		"milk": {found("milk")},
		"b":    {blocked()},
	}, 1)

	counters := h.run(t, "a", "milk", "b")

	assert.Zero(t, counters.SessionResets)
	assert.Equal(t, StateConsecutiveBlocking, h.worker.State())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PersistNotFound: true}, map[string][]outcome{
		"milk": {{panic: true}},
	}, 3)

	counters := h.run(t, "milk", "bread")

	assert.Equal(t, 1, counters.Errors)
	recs := h.sink.Records()
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0].Error, "panic")
	assert.False(t, recs[0].Found)
}

func TestWorkerSessionOpenFailureBecomesRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PersistNotFound: true}, nil, 3)
	h.factory.openErr = errors.New("chrome missing")

	counters := h.run(t, "milk")

	assert.Equal(t, 1, counters.Errors)
	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "chrome missing")
}

func TestWorkerPolitenessDelays(t *testing.T) {
	t.Parallel()

	cfg := Config{
		StartDelay: 4 * time.Second,
		DelayMin:   2 * time.Second,
		DelayMax:   5 * time.Second,
	}
	h := newHarness(t, cfg, nil, 3)

	h.run(t, "a", "b")

	waits := h.sleeper.Waits()
	require.Len(t, waits, 3)
	assert.Equal(t, 4*time.Second, waits[0])
	for _, d := range waits[1:] {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestCountersAdd(t *testing.T) {
	t.Parallel()

	total := Counters{Processed: 1, Found: 1}
	total.Add(Counters{Processed: 2, NotFound: 1, Errors: 1, Blocked: 3, Requeued: 2, Dropped: 1, SessionResets: 1})
	assert.Equal(t, Counters{Processed: 3, Found: 1, NotFound: 1, Errors: 1, Blocked: 3, Requeued: 2, Dropped: 1, SessionResets: 1}, total)
}
