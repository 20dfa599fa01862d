package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds pool limits and the retry policy.
type Config struct {
	// Concurrency bounds the number of units executing at once (default: 4).
	Concurrency int `json:"concurrency" yaml:"concurrency" toml:"concurrency"`

	// MaxAttempts bounds how many times a retryable unit runs (default: 5).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`

	// RetryBackoff is the fixed delay between attempts (default: 3s).
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		MaxAttempts:  5,
		RetryBackoff: 3 * time.Second,
	}
}

// Func is one unit of work.
type Func func(ctx context.Context) Result

// Pool executes submitted units with bounded concurrency.
type Pool struct {
	name   string
	config Config
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	completed atomic.Int64
}

// NewPool creates a pool. name prefixes its log lines.
func NewPool(name string, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Pool{
		name:   name,
		config: cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
	}
}

// Submit schedules fn. done, if non-nil, receives the final result once fn
// succeeds, fails fatally, exhausts its attempts or ctx is cancelled. done
// runs on the pool goroutine.
func (p *Pool) Submit(ctx context.Context, unit string, fn Func, done func(Result)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%s: pool is closed", p.name)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		res := p.run(ctx, unit, fn)
		switch res.Status {
		case StatusOk:
			p.completed.Add(1)
		default:
			p.failures.Add(1)
		}
		if done != nil {
			done(res)
		}
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, unit string, fn Func) Result {
	var res Result
	for attempt := 1; ; attempt++ {
		if err := p.acquire(ctx); err != nil {
			return Result{Status: StatusFatal, Err: err, Attempts: attempt - 1}
		}
		p.active.Add(1)
		res = fn(ctx)
		p.active.Add(-1)
		p.release()
		res.Attempts = attempt

		if res.Status != StatusRetryable {
			if res.Status == StatusFatal {
				log.Printf("%s: unit %s failed permanently: %v", p.name, unit, res.Err)
			}
			return res
		}
		if attempt >= p.config.MaxAttempts {
			log.Printf("%s: unit %s gave up after %d attempts: %v", p.name, unit, attempt, res.Err)
			return res
		}

		p.retries.Add(1)
		log.Printf("%s: unit %s attempt %d failed, retrying in %s: %v",
			p.name, unit, attempt, p.config.RetryBackoff, res.Err)

		timer := time.NewTimer(p.config.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Status = StatusFatal
			res.Err = fmt.Errorf("%s: retry of %s cancelled: %w", p.name, unit, ctx.Err())
			return res
		case <-timer.C:
		}
	}
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.sem }

// Close stops accepting units and waits for submitted ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Active    int64
	Retries   int64
	Failures  int64
	Completed int64
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Retries:   p.retries.Load(),
		Failures:  p.failures.Load(),
		Completed: p.completed.Load(),
	}
}
