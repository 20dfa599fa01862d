// Package compiler rebuilds compiled chunks from authoritative rows.
package compiler

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/internal/worker"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Compiler compiles batches of dirty chunk keys of one kind.
type Compiler struct {
	kind  chunk.Kind
	store *store.Store
	now   func() time.Time

	// beforeCommit runs inside the transaction after every write; a non-nil
	// error aborts the batch.
	beforeCommit func() error
}

// New creates a compiler for kind.
func New(kind chunk.Kind, s *store.Store) *Compiler {
	return &Compiler{kind: kind, store: s, now: time.Now}
}

// Compile rebuilds the chunks named by entries in one transaction and
// consumes the entries. The result's value is the sorted list of chunk keys
// whose stored content changed, including removed ones.
func (c *Compiler) Compile(ctx context.Context, entries []types.QueueEntry) worker.Result {
	changed, err := c.compile(ctx, entries)
	return worker.FromError(changed, err)
}

func (c *Compiler) compile(ctx context.Context, entries []types.QueueEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(entries))
	seen := make(map[string]struct{}, len(entries))
	keys := make([]string, 0, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		if _, ok := seen[e.ChunkKey]; !ok {
			seen[e.ChunkKey] = struct{}{}
			keys = append(keys, e.ChunkKey)
		}
	}
	sort.Strings(keys)

	var changed []string
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		changed = changed[:0]

		existing, err := tx.ChunkHashes(ctx, c.kind, keys)
		if err != nil {
			return err
		}
		built, err := c.build(ctx, tx, keys)
		if err != nil {
			return err
		}

		lastUpdate := c.now().UTC().Format(time.RFC3339Nano)
		var fresh []types.CompiledChunk
		for _, key := range keys {
			data, ok := built[key]
			if !ok {
				if _, had := existing[key]; had {
					changed = append(changed, key)
				}
				continue
			}
			hash := chunk.Hash(data)
			if existing[key] == hash {
				continue
			}
			changed = append(changed, key)
			fresh = append(fresh, types.CompiledChunk{
				ChunkKey:    key,
				EncodedData: data,
				EncodedHash: hash,
				LastUpdate:  lastUpdate,
			})
		}

		if err := tx.DeleteChunks(ctx, c.kind, changed); err != nil {
			return err
		}
		if err := tx.InsertChunks(ctx, c.kind, fresh); err != nil {
			return err
		}
		if err := tx.DeleteQueue(ctx, c.kind, ids); err != nil {
			return err
		}
		if c.beforeCommit != nil {
			return c.beforeCommit()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		log.Printf("compiler: %s batch of %d keys, %d changed", c.kind, len(keys), len(changed))
	}
	return changed, nil
}

// build serializes the current content of every key that still has rows.
func (c *Compiler) build(ctx context.Context, tx *store.Tx, keys []string) (map[string][]byte, error) {
	switch c.kind {
	case chunk.KindKeyword:
		return buildKeywordChunks(ctx, tx, keys)
	case chunk.KindObject:
		return buildObjectChunks(ctx, tx, keys)
	default:
		return nil, cerrors.NewInternalError("compiler: unknown chunk kind "+c.kind.String(), nil)
	}
}

func buildKeywordChunks(ctx context.Context, tx *store.Tx, keys []string) (map[string][]byte, error) {
	postings, err := tx.PostingsByChunkKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	indexes := make(map[string]chunk.KeywordIndex)
	for _, p := range postings {
		idx, ok := indexes[p.ChunkKey]
		if !ok {
			idx = make(chunk.KeywordIndex)
			indexes[p.ChunkKey] = idx
		}
		idx.Add(p.PropertyName, p.Keyword, p.ObjectID)
	}

	out := make(map[string][]byte, len(indexes))
	for key, idx := range indexes {
		data, err := chunk.EncodeKeywordIndex(idx)
		if err != nil {
			return nil, cerrors.NewCompileError(cerrors.CodeEncodeFailed, "compiler: encode "+key, err)
		}
		out[key] = data
	}
	return out, nil
}

func buildObjectChunks(ctx context.Context, tx *store.Tx, keys []string) (map[string][]byte, error) {
	objects, err := tx.ObjectsByChunkKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]map[int64]string)
	for _, o := range objects {
		m, ok := grouped[o.ChunkKey]
		if !ok {
			m = make(map[int64]string)
			grouped[o.ChunkKey] = m
		}
		m[o.ID] = o.PackedJSON
	}

	out := make(map[string][]byte, len(grouped))
	for key, m := range grouped {
		data, err := chunk.EncodeObjects(m)
		if err != nil {
			return nil, cerrors.NewCompileError(cerrors.CodeEncodeFailed, "compiler: encode "+key, err)
		}
		out[key] = data
	}
	return out, nil
}
