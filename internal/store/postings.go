package store

import (
	"context"
	"fmt"

	"github.com/arkilian/chunkindex/pkg/types"
)

// PostingChunkKeys returns the distinct chunk keys holding postings of the
// given objects.
func (t *Tx) PostingChunkKeys(ctx context.Context, objectIDs []int64) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	err := batches(len(objectIDs), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			"SELECT DISTINCT chunk_key FROM postings WHERE object_id IN ("+placeholders(hi-lo)+")",
			int64Args(objectIDs[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to query posting chunk keys: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("store: failed to scan chunk key: %w", err)
			}
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				out = append(out, key)
			}
		}
		return rows.Err()
	})
	return out, err
}

// DeletePostingsForObjects removes every posting of the given objects.
func (t *Tx) DeletePostingsForObjects(ctx context.Context, objectIDs []int64) error {
	return batches(len(objectIDs), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM postings WHERE object_id IN ("+placeholders(hi-lo)+")",
			int64Args(objectIDs[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete postings: %w", err)
		}
		return nil
	})
}

// InsertPostings bulk-inserts postings. Duplicates are ignored.
func (t *Tx) InsertPostings(ctx context.Context, postings []types.Posting) error {
	if len(postings) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO postings (chunk_key, keyword, property_name, object_id) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare posting insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range postings {
		if _, err := stmt.ExecContext(ctx, p.ChunkKey, p.Keyword, p.PropertyName, p.ObjectID); err != nil {
			return fmt.Errorf("store: failed to insert posting: %w", err)
		}
	}
	return nil
}

// PostingsByChunkKeys returns every posting stored under the given chunk
// keys, ordered for deterministic grouping.
func (t *Tx) PostingsByChunkKeys(ctx context.Context, chunkKeys []string) ([]types.Posting, error) {
	var out []types.Posting
	err := batches(len(chunkKeys), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT chunk_key, keyword, property_name, object_id FROM postings
			 WHERE chunk_key IN (`+placeholders(hi-lo)+`)
			 ORDER BY chunk_key, property_name, keyword, object_id`,
			stringArgs(chunkKeys[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to query postings: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p types.Posting
			if err := rows.Scan(&p.ChunkKey, &p.Keyword, &p.PropertyName, &p.ObjectID); err != nil {
				return fmt.Errorf("store: failed to scan posting: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
