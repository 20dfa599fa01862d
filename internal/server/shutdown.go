// Package server coordinates graceful shutdown of the process's servers
// and background workers.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDrainTimeout bounds the wait for in-flight HTTP requests.
const DefaultDrainTimeout = 15 * time.Second

type namedCloser struct {
	name string
	c    io.Closer
}

// Manager tracks in-flight requests and closes registered resources in
// reverse registration order.
type Manager struct {
	drainTimeout time.Duration

	inFlight     atomic.Int64
	shuttingDown atomic.Bool
	once         sync.Once

	mu      sync.Mutex
	closers []namedCloser
}

// NewManager creates a manager. A zero drainTimeout uses the default.
func NewManager(drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Manager{drainTimeout: drainTimeout}
}

// Register adds a resource closed on shutdown. Later registrations close
// first.
func (m *Manager) Register(name string, c io.Closer) {
	m.mu.Lock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
	m.mu.Unlock()
}

// IsShuttingDown reports whether Shutdown has begun.
func (m *Manager) IsShuttingDown() bool { return m.shuttingDown.Load() }

// InFlight returns the number of tracked requests.
func (m *Manager) InFlight() int64 { return m.inFlight.Load() }

// Middleware counts requests and rejects new ones once shutdown began.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shuttingDown.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
			return
		}
		m.inFlight.Add(1)
		defer m.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Shutdown drains in-flight requests then closes every registered
// resource. Only the first call does any work; it returns the first close
// error.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	m.once.Do(func() {
		m.shuttingDown.Store(true)

		if err := m.drain(ctx); err != nil {
			log.Printf("server: %v", err)
		}

		m.mu.Lock()
		closers := m.closers
		m.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				log.Printf("server: failed to close %s: %v", closers[i].name, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
	})
	return firstErr
}

func (m *Manager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d in-flight requests", m.inFlight.Load())
		case <-ticker.C:
		}
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// HTTPCloser shuts srv down gracefully within timeout.
func HTTPCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
