package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/status"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/internal/worker"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompiler consumes its queue rows and reports every key as changed.
type fakeCompiler struct {
	store *store.Store
	kind  chunk.Kind

	mu      sync.Mutex
	batches [][]string
	fail    atomic.Int32 // remaining failures to inject
	block   chan struct{}
	poison  string                   // key whose batches always fail
	hold    map[string]chan struct{} // keys whose batches wait for a close
}

func (f *fakeCompiler) Compile(ctx context.Context, entries []types.QueueEntry) worker.Result {
	if f.block != nil {
		<-f.block
	}
	keys := make([]string, len(entries))
	ids := make([]int64, len(entries))
	poisoned := false
	for i, e := range entries {
		keys[i] = e.ChunkKey
		ids[i] = e.ID
		if e.ChunkKey == f.poison {
			poisoned = true
		}
		if ch, ok := f.hold[e.ChunkKey]; ok {
			<-ch
		}
	}
	f.mu.Lock()
	f.batches = append(f.batches, keys)
	f.mu.Unlock()

	if poisoned {
		return worker.Retry(fmt.Errorf("cannot compile %s", f.poison))
	}
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return worker.Retry(fmt.Errorf("injected failure"))
	}
	err := f.store.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteQueue(ctx, f.kind, ids)
	})
	return worker.FromError(keys, err)
}

func (f *fakeCompiler) count(key string) int {
	n := 0
	for _, k := range f.compiled() {
		if k == key {
			n++
		}
	}
	return n
}

func (f *fakeCompiler) compiled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func newTestController(t *testing.T, cfg Config, attempts int) (*Controller, *fakeCompiler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pool := worker.NewPool("test", worker.Config{Concurrency: 4, MaxAttempts: attempts, RetryBackoff: time.Millisecond})
	t.Cleanup(pool.Close)

	fc := &fakeCompiler{store: s, kind: chunk.KindKeyword}
	c := NewController(chunk.KindKeyword, cfg, s, pool, fc, status.NewReporter("keyword"))
	return c, fc, s
}

func enqueue(t *testing.T, s *store.Store, keys ...string) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.Enqueue(context.Background(), chunk.KindKeyword, keys)
	}))
}

func depth(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.View(context.Background(), func(tx *store.Tx) (err error) {
		n, err = tx.QueueDepth(context.Background(), chunk.KindKeyword)
		return err
	}))
	return n
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestController_DeduplicatesByChunkKey(t *testing.T) {
	c, fc, s := newTestController(t, DefaultConfig(), 1)
	ctx := context.Background()

	enqueue(t, s, "A", "B", "A", "A")

	var notified []string
	var mu sync.Mutex
	c.OnChanged(func(ctx context.Context, kind chunk.Kind, changed []string) {
		mu.Lock()
		notified = append(notified, changed...)
		mu.Unlock()
	})

	require.NoError(t, c.PollOnce(ctx))
	waitIdle(t, c)

	assert.Equal(t, []string{"A", "B"}, fc.compiled())
	assert.Zero(t, depth(t, s), "all four queue rows must be gone")

	mu.Lock()
	sort.Strings(notified)
	assert.Equal(t, []string{"A", "B"}, notified)
	mu.Unlock()

	snap := c.reporter.Snapshot()
	assert.Equal(t, int64(2), snap.Compiled)
}

func TestController_SplitsIntoSubBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	c, fc, s := newTestController(t, cfg, 1)

	enqueue(t, s, "A", "B", "C", "D", "E")
	require.NoError(t, c.PollOnce(context.Background()))
	waitIdle(t, c)

	fc.mu.Lock()
	assert.Len(t, fc.batches, 3)
	fc.mu.Unlock()
	assert.Equal(t, int64(5), c.Watermark())
	assert.Zero(t, depth(t, s))
}

func TestController_CeilingBoundsDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxInFlight = 2
	c, fc, s := newTestController(t, cfg, 1)
	fc.block = make(chan struct{})

	enqueue(t, s, "A", "B", "C", "D")
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 2, c.InFlight())
	assert.Equal(t, int64(2), c.Watermark(), "watermark never passes undispatched entries")

	// A second poll while saturated dispatches nothing.
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 2, c.InFlight())

	close(fc.block)
	waitIdle(t, c)
	require.NoError(t, c.PollOnce(context.Background()))
	waitIdle(t, c)

	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, fc.compiled())
	assert.Zero(t, depth(t, s))
}

func TestController_FailedBatchIsRedispatched(t *testing.T) {
	c, fc, s := newTestController(t, DefaultConfig(), 1)
	fc.fail.Store(1)
	ctx := context.Background()

	enqueue(t, s, "A")
	require.NoError(t, c.PollOnce(ctx))
	waitIdle(t, c)

	assert.Equal(t, int64(1), depth(t, s), "failed batch keeps its queue rows")
	assert.Equal(t, int64(0), c.Watermark(), "watermark rewinds before the failed batch")
	snap := c.reporter.Snapshot()
	assert.Equal(t, int64(1), snap.Failures)
	assert.Contains(t, snap.LastError, "injected failure")

	require.NoError(t, c.PollOnce(ctx))
	waitIdle(t, c)

	assert.Equal(t, []string{"A", "A"}, fc.compiled())
	assert.Zero(t, depth(t, s))
}

func parked(t *testing.T, s *store.Store) []types.QueueEntry {
	t.Helper()
	var out []types.QueueEntry
	require.NoError(t, s.View(context.Background(), func(tx *store.Tx) (err error) {
		out, err = tx.ParkedQueue(context.Background(), chunk.KindKeyword)
		return err
	}))
	return out
}

func TestController_ParksEntryAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 3
	cfg.Backpressure.FailureThreshold = 1
	c, fc, s := newTestController(t, cfg, 1)
	fc.poison = "P"
	ctx := context.Background()

	enqueue(t, s, "A", "P", "B")
	for i := 0; i < 6; i++ {
		require.NoError(t, c.PollOnce(ctx))
		waitIdle(t, c)
	}
	require.Eventually(t, func() bool { return c.reporter.Snapshot().Parked == 1 }, 5*time.Second, 5*time.Millisecond)

	// One shared batch, then P alone until it reaches the ceiling. A and B
	// are isolated from P after the first failure.
	assert.Equal(t, 3, fc.count("P"))
	assert.Equal(t, 2, fc.count("A"))
	assert.Equal(t, 2, fc.count("B"))
	assert.Zero(t, depth(t, s))
	assert.Equal(t, []types.QueueEntry{{ID: 2, ChunkKey: "P"}}, parked(t, s))

	snap := c.reporter.Snapshot()
	assert.Equal(t, int64(1), snap.Parked)
	assert.Equal(t, int64(3), snap.Failures)
	assert.Equal(t, int64(2), snap.Compiled)
	assert.Contains(t, snap.LastError, "cannot compile P")

	// Nothing is left to dispatch.
	require.NoError(t, c.PollOnce(ctx))
	waitIdle(t, c)
	assert.Equal(t, 3, fc.count("P"))
}

func TestController_RewindSkipsInFlightEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxFailures = 5
	cfg.Backpressure.FailureThreshold = 1
	c, fc, s := newTestController(t, cfg, 1)
	fc.poison = "A"
	release := make(chan struct{})
	fc.hold = map[string]chan struct{}{"B": release, "C": release}
	ctx := context.Background()

	enqueue(t, s, "A", "B", "C")
	require.NoError(t, c.PollOnce(ctx))
	require.Eventually(t, func() bool { return c.InFlight() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Watermark(), "failure rewinds below the running batches")

	// B and C are still running; only A is fetched again.
	require.NoError(t, c.PollOnce(ctx))
	require.Eventually(t, func() bool { return fc.count("A") == 2 && c.InFlight() == 2 }, 5*time.Second, 5*time.Millisecond)

	close(release)
	waitIdle(t, c)

	assert.Equal(t, 1, fc.count("B"))
	assert.Equal(t, 1, fc.count("C"))
	assert.Equal(t, int64(2), c.reporter.Snapshot().Compiled)
	assert.Equal(t, int64(1), depth(t, s), "only A is left queued")
}

func TestController_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	c, fc, s := newTestController(t, cfg, 1)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	assert.True(t, c.reporter.Snapshot().Running)

	enqueue(t, s, "X", "Y")
	require.Eventually(t, func() bool { return depth(t, s) == 0 }, 5*time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.False(t, c.reporter.Snapshot().Running)
	assert.ElementsMatch(t, []string{"X", "Y"}, fc.compiled())
}

func TestDuplicates(t *testing.T) {
	entries := []types.QueueEntry{{ID: 1, ChunkKey: "A"}, {ID: 2, ChunkKey: "B"}, {ID: 3, ChunkKey: "A"}, {ID: 4, ChunkKey: "A"}}
	assert.Equal(t, []int64{3, 4}, duplicates(entries))
	assert.Empty(t, duplicates(entries[:2]))
}
