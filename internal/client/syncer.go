package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunksync"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
)

// Dialer opens a sync stream bound to ctx. Cancelling ctx must end the
// stream.
type Dialer func(ctx context.Context) (chunksync.Stream, error)

// SyncerConfig controls reconnect behavior.
type SyncerConfig struct {
	ReconnectBackoff time.Duration `json:"reconnect_backoff" yaml:"reconnect_backoff" toml:"reconnect_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff"`
}

// DefaultSyncerConfig returns the default reconnect settings.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		ReconnectBackoff: 500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// Syncer subscribes the cache to every chunk kind and applies what the
// server sends. All cache updates happen on the syncer goroutine.
type Syncer struct {
	cache *Cache
	dial  Dialer
	cfg   SyncerConfig

	initial     chan struct{}
	initialOnce sync.Once

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyncer creates a syncer. Zero config values use defaults.
func NewSyncer(cache *Cache, dial Dialer, cfg SyncerConfig) *Syncer {
	def := DefaultSyncerConfig()
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.MaxBackoff < cfg.ReconnectBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Syncer{
		cache:   cache,
		dial:    dial,
		cfg:     cfg,
		initial: make(chan struct{}),
	}
}

// InitialLoadDone is closed once every scope of the first session has
// finished its catch-up.
func (s *Syncer) InitialLoadDone() <-chan struct{} {
	return s.initial
}

// Start begins syncing in the background.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("client: syncer already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
	return nil
}

// Stop ends the current session and waits for the syncer to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.ReconnectBackoff
	for {
		loaded, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if loaded {
			backoff = s.cfg.ReconnectBackoff
		}
		log.Printf("client: sync session ended: %v; reconnecting in %v", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// session runs one stream until it fails. loaded reports whether the
// session completed its catch-up.
func (s *Syncer) session(ctx context.Context) (loaded bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.dial(ctx)
	if err != nil {
		return false, err
	}

	pending := make(map[string]struct{}, len(chunk.Kinds))
	for _, kind := range chunk.Kinds {
		scope := kind.Namespace()
		if err := stream.Send(chunksync.Subscribe(scope, s.cache.Markers(kind))); err != nil {
			return false, cerrors.NewSyncError(cerrors.CodeStreamClosed, "client: subscribe failed", err)
		}
		pending[scope] = struct{}{}
	}

	for {
		env, err := stream.Recv()
		if err != nil {
			return loaded, cerrors.NewSyncError(cerrors.CodeStreamClosed, "client: stream lost", err)
		}

		switch env.Kind {
		case chunksync.MessageChunkBatch:
			kind, ok := chunk.KindForNamespace(env.Scope)
			if !ok {
				log.Printf("client: ignoring batch for unknown scope %q", env.Scope)
				continue
			}
			s.cache.Apply(kind, env.Chunks)
		case chunksync.MessageLoadComplete:
			delete(pending, env.Scope)
			if len(pending) == 0 && !loaded {
				loaded = true
				s.initialOnce.Do(func() { close(s.initial) })
				log.Printf("client: initial load complete")
			}
		case chunksync.MessageError:
			log.Printf("client: server error on scope %q: %s", env.Scope, env.Error)
		default:
			log.Printf("client: ignoring %s message", env.Kind)
		}
	}
}
