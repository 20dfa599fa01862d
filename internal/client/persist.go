package client

import (
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/cockroachdb/pebble"
)

// Persist keeps cached chunks on local disk so a restarted client only
// fetches what changed while it was away. Keys are "<namespace>/<chunk key>",
// values the chunk wire encoding.
type Persist struct {
	db *pebble.DB
}

// OpenPersist opens or creates the store in dir.
func OpenPersist(dir string) (*Persist, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("client: failed to open chunk store %s: %w", dir, err)
	}
	return &Persist{db: db}, nil
}

// Close closes the store.
func (p *Persist) Close() error {
	return p.db.Close()
}

func persistKey(kind chunk.Kind, chunkKey string) []byte {
	return []byte(kind.Namespace() + "/" + chunkKey)
}

// Save writes chunks and deletes tombstoned keys in one batch.
func (p *Persist) Save(kind chunk.Kind, chunks []types.CompiledChunk) error {
	b := p.db.NewBatch()
	defer b.Close()

	for _, ch := range chunks {
		key := persistKey(kind, ch.ChunkKey)
		if ch.Deleted {
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := b.Set(key, chunk.AppendWire(nil, ch), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Load returns every stored chunk grouped by kind.
func (p *Persist) Load() (map[chunk.Kind][]types.CompiledChunk, error) {
	out := make(map[chunk.Kind][]types.CompiledChunk)
	for _, kind := range chunk.Kinds {
		prefix := []byte(kind.Namespace() + "/")
		upper := append([]byte(kind.Namespace()), '/'+1)

		it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
		if err != nil {
			return nil, fmt.Errorf("client: failed to iterate chunk store: %w", err)
		}
		for it.First(); it.Valid(); it.Next() {
			ch, err := chunk.ParseWire(it.Value())
			if err != nil {
				it.Close()
				return nil, fmt.Errorf("client: corrupt stored chunk %q: %w", it.Key(), err)
			}
			out[kind] = append(out[kind], ch)
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
