// Package client holds the client-side mirror of compiled chunks and keeps
// it synchronized with a chunk sync server.
package client

import (
	"log"
	"sort"
	"sync"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Listener is told about chunks replaced or removed in the cache. Calls
// happen on the goroutine that applied the change, after the cache lock is
// released.
type Listener interface {
	ChunksChanged(kind chunk.Kind, changed []types.CompiledChunk)
}

// Cache stores the latest chunk of every key per kind. Updates replace an
// entry wholesale.
type Cache struct {
	mu        sync.RWMutex
	entries   map[chunk.Kind]map[string]types.CompiledChunk
	listeners []Listener
	persist   *Persist
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	entries := make(map[chunk.Kind]map[string]types.CompiledChunk, len(chunk.Kinds))
	for _, k := range chunk.Kinds {
		entries[k] = make(map[string]types.CompiledChunk)
	}
	return &Cache{entries: entries}
}

// AddListener registers l for future changes.
func (c *Cache) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Attach loads every chunk stored in p and writes later changes through to
// it. Listeners registered before Attach see the loaded chunks.
func (c *Cache) Attach(p *Persist) error {
	loaded, err := p.Load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.persist = p
	c.mu.Unlock()

	for kind, chunks := range loaded {
		c.apply(kind, chunks, false)
		log.Printf("client: restored %d %s chunks", len(chunks), kind)
	}
	return nil
}

// Markers returns the key and freshness token of every cached chunk of
// kind, ordered by key.
func (c *Cache) Markers(kind chunk.Kind) []types.ChunkMarker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.ChunkMarker, 0, len(c.entries[kind]))
	for key, e := range c.entries[kind] {
		out = append(out, types.ChunkMarker{ChunkKey: key, LastUpdate: e.LastUpdate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkKey < out[j].ChunkKey })
	return out
}

// Get returns the cached chunk for key.
func (c *Cache) Get(kind chunk.Kind, key string) (types.CompiledChunk, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kind][key]
	return e, ok
}

// Len returns the number of cached chunks of kind.
func (c *Cache) Len(kind chunk.Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[kind])
}

// Apply stores chunks, removing tombstoned keys. The server is the
// authority on content: a chunk replaces the cached entry whenever its
// LastUpdate differs, in either direction. It returns the number of entries
// that changed.
func (c *Cache) Apply(kind chunk.Kind, chunks []types.CompiledChunk) int {
	return c.apply(kind, chunks, true)
}

func (c *Cache) apply(kind chunk.Kind, chunks []types.CompiledChunk, write bool) int {
	c.mu.Lock()
	bucket, ok := c.entries[kind]
	if !ok {
		c.mu.Unlock()
		return 0
	}

	changed := make([]types.CompiledChunk, 0, len(chunks))
	for _, ch := range chunks {
		cur, exists := bucket[ch.ChunkKey]
		if ch.Deleted {
			if !exists {
				continue
			}
			delete(bucket, ch.ChunkKey)
			changed = append(changed, ch)
			continue
		}
		if exists && cur.LastUpdate == ch.LastUpdate {
			continue
		}
		bucket[ch.ChunkKey] = ch
		changed = append(changed, ch)
	}
	listeners := append([]Listener(nil), c.listeners...)
	persist := c.persist
	c.mu.Unlock()

	if len(changed) == 0 {
		return 0
	}
	if write && persist != nil {
		if err := persist.Save(kind, changed); err != nil {
			log.Printf("client: failed to persist %d %s chunks: %v", len(changed), kind, err)
		}
	}
	for _, l := range listeners {
		l.ChunksChanged(kind, changed)
	}
	return len(changed)
}
