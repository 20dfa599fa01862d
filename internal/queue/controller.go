// Package queue drives compilation: it polls a chunk kind's compiler queue,
// collapses duplicate chunk keys and dispatches bounded batches to a worker
// pool.
package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/status"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/internal/worker"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Config holds configuration for one queue controller.
type Config struct {
	// PollInterval is how often the queue is polled (default: 200ms).
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`

	// FetchSize bounds the entries read per poll (default: 5000).
	FetchSize int `json:"fetch_size" yaml:"fetch_size" toml:"fetch_size"`

	// BatchSize is the number of chunk keys per compilation unit (default: 10).
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`

	// MaxInFlight caps concurrently dispatched batches (default: 10).
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight" toml:"max_in_flight"`

	// MaxFailures is the number of failed dispatches after which a queue
	// entry is parked instead of fetched again (default: 3).
	MaxFailures int `json:"max_failures" yaml:"max_failures" toml:"max_failures"`

	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure" toml:"backpressure"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 200 * time.Millisecond,
		FetchSize:    5000,
		BatchSize:    10,
		MaxInFlight:  10,
		MaxFailures:  3,
		Backpressure: DefaultBackpressureConfig(),
	}
}

// Compiler compiles one batch of queue entries. A successful result carries
// the changed chunk keys as []string.
type Compiler interface {
	Compile(ctx context.Context, entries []types.QueueEntry) worker.Result
}

// NotifyFunc receives the chunk keys a successful batch changed.
type NotifyFunc func(ctx context.Context, kind chunk.Kind, changed []string)

// Controller polls one kind's queue.
type Controller struct {
	kind     chunk.Kind
	config   Config
	store    *store.Store
	pool     *worker.Pool
	compiler Compiler
	reporter *status.Reporter
	bp       *Backpressure
	notify   []NotifyFunc

	mu        sync.Mutex
	watermark int64
	rewinds   uint64 // bumped whenever the watermark moves back
	inFlight  int
	pending   map[int64]struct{} // ids of dispatched, unfinished entries
	failures  map[int64]int      // failed dispatches per queue id
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewController creates a controller for kind.
func NewController(kind chunk.Kind, cfg Config, s *store.Store, pool *worker.Pool, compiler Compiler, reporter *status.Reporter) *Controller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = def.FetchSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if reporter == nil {
		reporter = status.NewReporter(kind.String())
	}
	return &Controller{
		kind:     kind,
		config:   cfg,
		store:    s,
		pool:     pool,
		compiler: compiler,
		reporter: reporter,
		bp:       NewBackpressure(cfg.MaxInFlight, cfg.Backpressure),
		pending:  make(map[int64]struct{}),
		failures: make(map[int64]int),
	}
}

// OnChanged registers a hook called with the changed chunk keys of every
// successful batch. Hooks must be registered before Start.
func (c *Controller) OnChanged(fn NotifyFunc) {
	c.notify = append(c.notify, fn)
}

// Kind returns the chunk kind this controller compiles.
func (c *Controller) Kind() chunk.Kind { return c.kind }

// Start begins the poll loop. It runs until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("queue: %s controller is already running", c.kind)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.reporter.SetRunning(true)
	go c.run(ctx)
	return nil
}

// Stop stops the poll loop. Batches already handed to the pool finish on
// their own.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.reporter.SetRunning(false)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.PollOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("queue: %s poll failed: %v", c.kind, err)
				c.reporter.RecordError(err)
			}
		}
	}
}

// InFlight returns the number of dispatched, unfinished batches.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Watermark returns the id of the last dispatched queue entry.
func (c *Controller) Watermark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// PollOnce runs a single poll: fetch above the watermark, collapse duplicate
// chunk keys and dispatch sub-batches until the in-flight ceiling is hit.
// Entries that already failed are dispatched alone so one bad entry cannot
// hold back the rest of its batch.
func (c *Controller) PollOnce(ctx context.Context) error {
	c.refreshDepth(ctx)

	c.bp.Adjust()
	ceiling := c.bp.Limit()

	c.mu.Lock()
	if c.inFlight >= ceiling {
		c.mu.Unlock()
		return nil
	}
	after, rewinds := c.watermark, c.rewinds
	c.mu.Unlock()

	entries, err := c.fetchUnique(ctx, after)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	for _, batch := range c.plan(entries) {
		c.mu.Lock()
		if c.inFlight >= ceiling {
			c.mu.Unlock()
			break
		}
		c.inFlight++
		for _, e := range batch {
			c.pending[e.ID] = struct{}{}
		}
		// A rewind since the fetch wins over advancing past it.
		if c.rewinds == rewinds {
			c.watermark = batch[len(batch)-1].ID
		}
		c.reporter.SetInFlight(c.inFlight, ceiling)
		c.mu.Unlock()

		unit := c.kind.String() + "-" + strconv.FormatInt(batch[0].ID, 10)
		err := c.pool.Submit(ctx, unit, func(ctx context.Context) worker.Result {
			return c.compiler.Compile(ctx, batch)
		}, func(res worker.Result) {
			c.finish(ctx, batch, res)
		})
		if err != nil {
			c.release(batch)
			return err
		}
	}
	return nil
}

// plan splits entries into dispatch units of at most BatchSize entries.
// Entries with earlier failures get a unit of their own.
func (c *Controller) plan(entries []types.QueueEntry) [][]types.QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var units [][]types.QueueEntry
	var cur []types.QueueEntry
	flush := func() {
		if len(cur) > 0 {
			units = append(units, cur)
			cur = nil
		}
	}
	for _, e := range entries {
		if c.failures[e.ID] > 0 {
			flush()
			units = append(units, []types.QueueEntry{e})
			continue
		}
		cur = append(cur, e)
		if len(cur) == c.config.BatchSize {
			flush()
		}
	}
	flush()
	return units
}

// fetchUnique reads entries above after. Later duplicates of a chunk key are
// deleted and the window is read again; if new duplicates arrived in between,
// the window is cut just before the first of them so no entry is skipped.
func (c *Controller) fetchUnique(ctx context.Context, after int64) ([]types.QueueEntry, error) {
	entries, err := c.fetch(ctx, after)
	if err != nil {
		return nil, err
	}

	if dups := duplicates(entries); len(dups) > 0 {
		err := c.store.Update(ctx, func(tx *store.Tx) error {
			return tx.DeleteQueue(ctx, c.kind, dups)
		})
		if err != nil {
			return nil, fmt.Errorf("queue: failed to delete duplicate %s entries: %w", c.kind, err)
		}
		if entries, err = c.fetch(ctx, after); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if _, dup := seen[e.ChunkKey]; dup {
			return entries[:i], nil
		}
		seen[e.ChunkKey] = struct{}{}
	}
	return entries, nil
}

// fetch reads entries above after, leaving out those still in flight. A
// rewound watermark can reach below a running batch; its entries must not be
// compiled a second time.
func (c *Controller) fetch(ctx context.Context, after int64) ([]types.QueueEntry, error) {
	var entries []types.QueueEntry
	err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		entries, err = tx.FetchQueue(ctx, c.kind, after, c.config.FetchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if _, ok := c.pending[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// duplicates returns the ids of every entry whose chunk key already appeared
// earlier in entries.
func duplicates(entries []types.QueueEntry) []int64 {
	seen := make(map[string]struct{}, len(entries))
	var dups []int64
	for _, e := range entries {
		if _, ok := seen[e.ChunkKey]; ok {
			dups = append(dups, e.ID)
			continue
		}
		seen[e.ChunkKey] = struct{}{}
	}
	return dups
}

// release undoes the dispatch of a batch the pool never accepted.
func (c *Controller) release(batch []types.QueueEntry) {
	c.mu.Lock()
	c.inFlight--
	for _, e := range batch {
		delete(c.pending, e.ID)
	}
	c.rewindLocked(batch[0].ID - 1)
	inFlight := c.inFlight
	c.mu.Unlock()
	c.reporter.SetInFlight(inFlight, c.bp.Limit())
}

// rewindLocked moves the watermark back to id so the rows above it are
// fetched again. Caller must hold c.mu.
func (c *Controller) rewindLocked(id int64) {
	if id < c.watermark {
		c.watermark = id
		c.rewinds++
	}
}

func (c *Controller) finish(ctx context.Context, batch []types.QueueEntry, res worker.Result) {
	var retry, park []types.QueueEntry

	c.mu.Lock()
	c.inFlight--
	for _, e := range batch {
		if res.Status == worker.StatusOk {
			delete(c.pending, e.ID)
			delete(c.failures, e.ID)
			continue
		}
		c.failures[e.ID]++
		if c.failures[e.ID] >= c.config.MaxFailures {
			// Stays pending until parked so no poll picks it up meanwhile.
			park = append(park, e)
		} else {
			delete(c.pending, e.ID)
			retry = append(retry, e)
		}
	}
	if len(retry) > 0 {
		c.rewindLocked(retry[0].ID - 1)
	}
	inFlight := c.inFlight
	c.mu.Unlock()
	c.reporter.SetInFlight(inFlight, c.bp.Limit())

	if res.Status != worker.StatusOk {
		c.bp.RecordFailure()
		c.reporter.RecordError(res.Err)
		log.Printf("queue: %s batch of %d failed after %d attempts: %v", c.kind, len(batch), res.Attempts, res.Err)
		c.park(ctx, park, res.Err)
		return
	}

	c.bp.RecordSuccess()
	c.reporter.AddCompiled(len(batch))

	changed, _ := res.Value.([]string)
	if len(changed) == 0 {
		return
	}
	for _, fn := range c.notify {
		fn(ctx, c.kind, changed)
	}
}

// park moves entries that reached the failure ceiling out of the queue. If
// that fails they stay queued and are retried.
func (c *Controller) park(ctx context.Context, entries []types.QueueEntry, cause error) {
	if len(entries) == 0 {
		return
	}
	reason := "compilation failed"
	if cause != nil {
		reason = cause.Error()
	}
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		return tx.ParkQueue(ctx, c.kind, entries, reason)
	})

	c.mu.Lock()
	for _, e := range entries {
		delete(c.pending, e.ID)
		if err == nil {
			delete(c.failures, e.ID)
		}
	}
	if err != nil {
		c.rewindLocked(entries[0].ID - 1)
	}
	c.mu.Unlock()

	if err != nil {
		log.Printf("queue: failed to park %d %s entries: %v", len(entries), c.kind, err)
		c.reporter.RecordError(err)
		return
	}
	c.reporter.AddParked(len(entries))
	for _, e := range entries {
		log.Printf("queue: parked %s entry %d (%s) after %d failed dispatches", c.kind, e.ID, e.ChunkKey, c.config.MaxFailures)
	}
}

func (c *Controller) refreshDepth(ctx context.Context) {
	var depth int64
	err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		depth, err = tx.QueueDepth(ctx, c.kind)
		return err
	})
	if err != nil {
		log.Printf("queue: %s depth check failed: %v", c.kind, err)
		return
	}
	c.reporter.SetQueueDepth(depth)
}
