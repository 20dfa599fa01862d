package store

import (
	"context"
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/pkg/types"
)

// ChunkHashes returns the stored hash of each existing chunk key.
func (t *Tx) ChunkHashes(ctx context.Context, kind chunk.Kind, chunkKeys []string) (map[string]string, error) {
	out := make(map[string]string, len(chunkKeys))
	err := batches(len(chunkKeys), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			"SELECT chunk_key, encoded_hash FROM "+chunkTable(kind)+" WHERE chunk_key IN ("+placeholders(hi-lo)+")",
			stringArgs(chunkKeys[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to query %s chunk hashes: %w", kind, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key, hash string
			if err := rows.Scan(&key, &hash); err != nil {
				return fmt.Errorf("store: failed to scan chunk hash: %w", err)
			}
			out[key] = hash
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteChunks removes compiled chunks by key.
func (t *Tx) DeleteChunks(ctx context.Context, kind chunk.Kind, chunkKeys []string) error {
	return batches(len(chunkKeys), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM "+chunkTable(kind)+" WHERE chunk_key IN ("+placeholders(hi-lo)+")",
			stringArgs(chunkKeys[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete %s chunks: %w", kind, err)
		}
		return nil
	})
}

// InsertChunks inserts freshly compiled chunks. Callers delete the previous
// rows first; replacement is never an in-place update.
func (t *Tx) InsertChunks(ctx context.Context, kind chunk.Kind, chunks []types.CompiledChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT INTO "+chunkTable(kind)+" (chunk_key, encoded_data, encoded_hash, last_update) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare %s chunk insert: %w", kind, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ChunkKey, c.EncodedData, c.EncodedHash, c.LastUpdate); err != nil {
			return fmt.Errorf("store: failed to insert %s chunk %q: %w", kind, c.ChunkKey, err)
		}
	}
	return nil
}

// LoadChunks returns the stored chunks for the given keys. Missing keys are
// simply absent from the result.
func (t *Tx) LoadChunks(ctx context.Context, kind chunk.Kind, chunkKeys []string) ([]types.CompiledChunk, error) {
	var out []types.CompiledChunk
	err := batches(len(chunkKeys), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT chunk_key, encoded_data, encoded_hash, last_update FROM `+chunkTable(kind)+`
			 WHERE chunk_key IN (`+placeholders(hi-lo)+`) ORDER BY chunk_key`,
			stringArgs(chunkKeys[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to load %s chunks: %w", kind, err)
		}
		defer rows.Close()
		for rows.Next() {
			var c types.CompiledChunk
			if err := rows.Scan(&c.ChunkKey, &c.EncodedData, &c.EncodedHash, &c.LastUpdate); err != nil {
				return fmt.Errorf("store: failed to scan chunk: %w", err)
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// ChunkMarkers returns the (key, last update) pair of every stored chunk of
// the kind, ordered by key.
func (t *Tx) ChunkMarkers(ctx context.Context, kind chunk.Kind) ([]types.ChunkMarker, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT chunk_key, last_update FROM "+chunkTable(kind)+" ORDER BY chunk_key")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list %s chunk markers: %w", kind, err)
	}
	defer rows.Close()

	var out []types.ChunkMarker
	for rows.Next() {
		var m types.ChunkMarker
		if err := rows.Scan(&m.ChunkKey, &m.LastUpdate); err != nil {
			return nil, fmt.Errorf("store: failed to scan chunk marker: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
