package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Enqueue appends one queue entry per chunk key to the kind's queue.
func (t *Tx) Enqueue(ctx context.Context, kind chunk.Kind, chunkKeys []string) error {
	if len(chunkKeys) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, "INSERT INTO "+queueTable(kind)+" (chunk_key) VALUES (?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare %s enqueue: %w", kind, err)
	}
	defer stmt.Close()

	for _, key := range chunkKeys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("store: failed to enqueue %s chunk %q: %w", kind, key, err)
		}
	}
	return nil
}

// FetchQueue returns up to limit entries with id > afterID in id order.
func (t *Tx) FetchQueue(ctx context.Context, kind chunk.Kind, afterID int64, limit int) ([]types.QueueEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, chunk_key FROM "+queueTable(kind)+" WHERE id > ? ORDER BY id LIMIT ?",
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to fetch %s queue: %w", kind, err)
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.ID, &e.ChunkKey); err != nil {
			return nil, fmt.Errorf("store: failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteQueue removes queue entries by id.
func (t *Tx) DeleteQueue(ctx context.Context, kind chunk.Kind, ids []int64) error {
	return batches(len(ids), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM "+queueTable(kind)+" WHERE id IN ("+placeholders(hi-lo)+")",
			int64Args(ids[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete %s queue entries: %w", kind, err)
		}
		return nil
	})
}

// QueueDepth returns the number of pending entries in the kind's queue.
func (t *Tx) QueueDepth(ctx context.Context, kind chunk.Kind) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+queueTable(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count %s queue: %w", kind, err)
	}
	return n, nil
}

// ParkQueue moves entries out of the kind's queue into its parked table,
// recording why. Parked entries keep their queue id and are never fetched
// again.
func (t *Tx) ParkQueue(ctx context.Context, kind chunk.Kind, entries []types.QueueEntry, reason string) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO "+parkedTable(kind)+" (id, chunk_key, reason, parked_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare %s park: %w", kind, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.ChunkKey, reason, now); err != nil {
			return fmt.Errorf("store: failed to park %s entry %d: %w", kind, e.ID, err)
		}
		ids[i] = e.ID
	}
	return t.DeleteQueue(ctx, kind, ids)
}

// ParkedQueue returns every parked entry of the kind in id order.
func (t *Tx) ParkedQueue(ctx context.Context, kind chunk.Kind) ([]types.QueueEntry, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id, chunk_key FROM "+parkedTable(kind)+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list parked %s entries: %w", kind, err)
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.ID, &e.ChunkKey); err != nil {
			return nil, fmt.Errorf("store: failed to scan parked entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
