// Package fanout pushes freshly compiled chunks to the observers subscribed
// to their scope.
package fanout

import (
	"context"
	"log"
	"sync"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultBufferSize is the number of pending batches an observer may hold.
const DefaultBufferSize = 64

// Batch is one push to an observer. Chunks with Deleted set are tombstones
// for keys that no longer exist.
type Batch struct {
	Scope  string
	Chunks []types.CompiledChunk
}

// Observer is one subscribed client stream.
type Observer struct {
	ID    string
	Scope string

	ch       chan Batch
	done     <-chan struct{}
	dropped  chan struct{}
	dropOnce sync.Once
}

// C returns the observer's outbound queue.
func (o *Observer) C() <-chan Batch { return o.ch }

// Dropped is closed when the handler gives up on the observer because its
// queue overflowed. Pushes after that point are lost, so the stream owning
// the observer must end and let its client reconcile.
func (o *Observer) Dropped() <-chan struct{} { return o.dropped }

func (o *Observer) drop() {
	o.dropOnce.Do(func() { close(o.dropped) })
}

func (o *Observer) gone() bool {
	if o.done == nil {
		return false
	}
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Handler tracks observers by id.
type Handler struct {
	store      *store.Store
	observers  *xsync.MapOf[string, *Observer]
	bufferSize int
}

// NewHandler creates a handler loading chunks from s.
func NewHandler(s *store.Store, bufferSize int) *Handler {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Handler{
		store:      s,
		observers:  xsync.NewMapOf[string, *Observer](),
		bufferSize: bufferSize,
	}
}

// Observe registers an observer for scope, replacing any previous
// registration under the same id. done is closed when the observer's stream
// ends.
func (h *Handler) Observe(id, scope string, done <-chan struct{}) *Observer {
	obs := &Observer{
		ID:      id,
		Scope:   scope,
		ch:      make(chan Batch, h.bufferSize),
		done:    done,
		dropped: make(chan struct{}),
	}
	h.observers.Store(id, obs)
	return obs
}

// Forget removes obs if it is still the registration for its id.
func (h *Handler) Forget(obs *Observer) {
	h.observers.Compute(obs.ID, func(old *Observer, loaded bool) (*Observer, bool) {
		return old, !loaded || old == obs
	})
}

// Len returns the number of registered observers.
func (h *Handler) Len() int { return h.observers.Size() }

// Notify pushes the current content of the changed keys to every observer of
// kind's scope. Keys that no longer exist are sent as tombstones. Observers
// whose stream ended are forgotten. Observers whose queue is full are
// forgotten and marked dropped.
func (h *Handler) Notify(ctx context.Context, kind chunk.Kind, keys []string) {
	scope := kind.Namespace()

	var targets []*Observer
	h.observers.Range(func(id string, obs *Observer) bool {
		if obs.gone() {
			h.Forget(obs)
			return true
		}
		if obs.Scope == scope {
			targets = append(targets, obs)
		}
		return true
	})
	if len(targets) == 0 || len(keys) == 0 {
		return
	}

	var loaded []types.CompiledChunk
	err := h.store.View(ctx, func(tx *store.Tx) error {
		var err error
		loaded, err = tx.LoadChunks(ctx, kind, keys)
		return err
	})
	if err != nil {
		log.Printf("fanout: failed to load %d %s chunks: %v", len(keys), kind, err)
		return
	}

	byKey := make(map[string]types.CompiledChunk, len(loaded))
	for _, c := range loaded {
		byKey[c.ChunkKey] = c
	}
	chunks := make([]types.CompiledChunk, 0, len(keys))
	for _, k := range keys {
		if c, ok := byKey[k]; ok {
			chunks = append(chunks, c)
		} else {
			chunks = append(chunks, types.CompiledChunk{ChunkKey: k, Deleted: true})
		}
	}

	batch := Batch{Scope: scope, Chunks: chunks}
	for _, obs := range targets {
		select {
		case obs.ch <- batch:
		default:
			log.Printf("fanout: observer %s queue full, dropping it", obs.ID)
			h.Forget(obs)
			obs.drop()
		}
	}
}
