// Package status tracks the health of the compiler queue controllers and
// exposes it as JSON snapshots and Prometheus metrics.
package status

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of one controller's status.
type Snapshot struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	QueueDepth  int64     `json:"queue_depth"`
	InFlight    int       `json:"in_flight"`
	Ceiling     int       `json:"in_flight_ceiling"`
	Compiled    int64     `json:"compiled_total"`
	Failures    int64     `json:"failures_total"`
	Parked      int64     `json:"parked_total"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reporter records the status of one controller. All methods are safe for
// concurrent use.
type Reporter struct {
	mu sync.Mutex
	s  Snapshot
}

// NewReporter creates a reporter named after its controller.
func NewReporter(name string) *Reporter {
	return &Reporter{s: Snapshot{Name: name}}
}

func (r *Reporter) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.s)
	r.s.UpdatedAt = time.Now()
}

// SetRunning records whether the controller loop is active.
func (r *Reporter) SetRunning(running bool) {
	r.update(func(s *Snapshot) { s.Running = running })
}

// SetQueueDepth records the number of pending queue entries.
func (r *Reporter) SetQueueDepth(n int64) {
	r.update(func(s *Snapshot) { s.QueueDepth = n })
}

// SetInFlight records the in-flight batch count and the current ceiling.
func (r *Reporter) SetInFlight(n, ceiling int) {
	r.update(func(s *Snapshot) {
		s.InFlight = n
		s.Ceiling = ceiling
	})
}

// AddCompiled adds n processed queue items to the running total.
func (r *Reporter) AddCompiled(n int) {
	r.update(func(s *Snapshot) { s.Compiled += int64(n) })
}

// AddParked adds n queue items given up on to the running total.
func (r *Reporter) AddParked(n int) {
	r.update(func(s *Snapshot) { s.Parked += int64(n) })
}

// RecordError stores err as the last error and counts a failure.
func (r *Reporter) RecordError(err error) {
	if err == nil {
		return
	}
	r.update(func(s *Snapshot) {
		s.Failures++
		s.LastError = err.Error()
		s.LastErrorAt = time.Now()
	})
}

// Snapshot returns a copy of the current status.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// Registry holds the reporters of one process.
type Registry struct {
	mu        sync.RWMutex
	reporters map[string]*Reporter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{reporters: make(map[string]*Reporter)}
}

// Reporter returns the reporter called name, creating it on first use.
func (g *Registry) Reporter(name string) *Reporter {
	g.mu.RLock()
	r, ok := g.reporters[name]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.reporters[name]; ok {
		return r
	}
	r = NewReporter(name)
	g.reporters[name] = r
	return r
}

// Snapshots returns the status of every reporter ordered by name.
func (g *Registry) Snapshots() []Snapshot {
	g.mu.RLock()
	out := make([]Snapshot, 0, len(g.reporters))
	for _, r := range g.reporters {
		out = append(out, r.Snapshot())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
