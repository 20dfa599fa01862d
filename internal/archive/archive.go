// Package archive mirrors compiled chunks into object storage so a fresh
// client can start from a recent snapshot without a full server catch-up.
package archive

import (
	"context"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/storage"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
)

// DefaultPrefix is the object path prefix for mirrored chunks.
const DefaultPrefix = "chunks"

// Mirror copies changed chunks from the store to object storage.
type Mirror struct {
	store   *store.Store
	objects storage.ObjectStorage
	prefix  string
}

// NewMirror creates a mirror writing under prefix.
func NewMirror(s *store.Store, objects storage.ObjectStorage, prefix string) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Mirror{store: s, objects: objects, prefix: strings.TrimSuffix(prefix, "/")}
}

func (m *Mirror) objectPath(kind chunk.Kind, chunkKey string) string {
	return path.Join(m.prefix, kind.Namespace(), chunkKey)
}

// Notify uploads the current version of every key and removes keys that no
// longer have a chunk. Failures are logged; the next change to a key
// rewrites it.
func (m *Mirror) Notify(ctx context.Context, kind chunk.Kind, keys []string) {
	if err := m.Sync(ctx, kind, keys); err != nil {
		log.Printf("archive: %v", err)
	}
}

// Sync is Notify returning the first failure.
func (m *Mirror) Sync(ctx context.Context, kind chunk.Kind, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	var loaded []types.CompiledChunk
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		loaded, err = tx.LoadChunks(ctx, kind, keys)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load %d %s chunks: %w", len(keys), kind, err)
	}

	present := make(map[string]struct{}, len(loaded))
	var firstErr error
	for _, c := range loaded {
		present[c.ChunkKey] = struct{}{}
		if err := m.objects.Put(ctx, m.objectPath(kind, c.ChunkKey), chunk.AppendWire(nil, c)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to upload %s: %w", c.ChunkKey, err)
		}
	}
	for _, k := range keys {
		if _, ok := present[k]; ok {
			continue
		}
		if err := m.objects.Delete(ctx, m.objectPath(kind, k)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return firstErr
}

// Snapshot mirrors every chunk of kind currently in the store.
func (m *Mirror) Snapshot(ctx context.Context, kind chunk.Kind) (int, error) {
	var markers []types.ChunkMarker
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		markers, err = tx.ChunkMarkers(ctx, kind)
		return err
	})
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(markers))
	for i, mk := range markers {
		keys[i] = mk.ChunkKey
	}
	return len(keys), m.Sync(ctx, kind, keys)
}

// Restore reads every mirrored chunk of kind, ordered by key.
func Restore(ctx context.Context, objects storage.ObjectStorage, prefix string, kind chunk.Kind, concurrency int) ([]types.CompiledChunk, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	dir := path.Join(strings.TrimSuffix(prefix, "/"), kind.Namespace()) + "/"

	paths, err := objects.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	res, err := storage.Fetch(ctx, objects, paths, concurrency)
	if err != nil {
		return nil, err
	}
	for p, ferr := range res.Errors {
		log.Printf("archive: skipping %s: %v", p, ferr)
	}

	out := make([]types.CompiledChunk, 0, len(res.Objects))
	for p, data := range res.Objects {
		c, err := chunk.ParseWire(data)
		if err != nil {
			log.Printf("archive: skipping corrupt %s: %v", p, err)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkKey < out[j].ChunkKey })
	return out, nil
}
