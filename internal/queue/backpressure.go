package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backpressure tracks recent batch outcomes and adjusts the in-flight
// ceiling of a controller.
//
// When the failure rate exceeds the threshold the ceiling is halved. With no
// failures in the window it doubles back up, never above the configured
// maximum.
type Backpressure struct {
	max       int32
	min       int32
	threshold float64

	current atomic.Int32

	mu       sync.Mutex
	attempts []outcome
	window   time.Duration
}

type outcome struct {
	at      time.Time
	success bool
}

// BackpressureConfig holds configuration for the limiter.
type BackpressureConfig struct {
	// FailureThreshold is the failure rate above which the ceiling is halved (default: 0.25).
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`

	// Window is the sliding window for tracking outcomes (default: 1m).
	Window time.Duration `json:"window" yaml:"window" toml:"window"`
}

// DefaultBackpressureConfig returns sensible defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		FailureThreshold: 0.25,
		Window:           time.Minute,
	}
}

// NewBackpressure creates a limiter with ceiling maxInFlight.
func NewBackpressure(maxInFlight int, cfg BackpressureConfig) *Backpressure {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.25
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	bp := &Backpressure{
		max:       int32(maxInFlight),
		min:       1,
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
	}
	bp.current.Store(int32(maxInFlight))
	return bp
}

// RecordSuccess records a successful batch.
func (bp *Backpressure) RecordSuccess() { bp.record(true) }

// RecordFailure records a failed batch.
func (bp *Backpressure) RecordFailure() { bp.record(false) }

func (bp *Backpressure) record(success bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, outcome{at: time.Now(), success: success})
}

// FailureRate returns the failure rate within the sliding window.
func (bp *Backpressure) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.failureRateLocked()
}

// failureRateLocked computes the failure rate. Caller must hold bp.mu.
func (bp *Backpressure) failureRateLocked() float64 {
	cutoff := time.Now().Add(-bp.window)
	i := 0
	for i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bp.attempts = bp.attempts[i:]
	}
	if len(bp.attempts) == 0 {
		return 0
	}

	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}
	return float64(failures) / float64(len(bp.attempts))
}

// Adjust recalculates the ceiling from the recent failure rate. Called once
// per poll.
func (bp *Backpressure) Adjust() {
	bp.mu.Lock()
	rate := bp.failureRateLocked()
	bp.mu.Unlock()

	current := bp.current.Load()
	switch {
	case rate > bp.threshold:
		next := current / 2
		if next < bp.min {
			next = bp.min
		}
		bp.current.Store(next)
	case rate == 0:
		next := current * 2
		if next > bp.max {
			next = bp.max
		}
		bp.current.Store(next)
	case rate < bp.threshold/2:
		next := current + 1
		if next > bp.max {
			next = bp.max
		}
		bp.current.Store(next)
	}
}

// Limit returns the current in-flight ceiling.
func (bp *Backpressure) Limit() int {
	return int(bp.current.Load())
}
