package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arkilian/chunkindex/pkg/types"
)

const objectColumns = "id, key, chunk_key, object_type_id, properties_json, packed_json"

func scanObject(rows *sql.Rows) (types.ObjectRecord, error) {
	var o types.ObjectRecord
	err := rows.Scan(&o.ID, &o.Key, &o.ChunkKey, &o.ObjectTypeID, &o.PropertiesJSON, &o.PackedJSON)
	if err != nil {
		return o, fmt.Errorf("store: failed to scan object: %w", err)
	}
	return o, nil
}

func (t *Tx) queryObjects(ctx context.Context, where string, args []interface{}) ([]types.ObjectRecord, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+objectColumns+" FROM objects WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query objects: %w", err)
	}
	defer rows.Close()

	var out []types.ObjectRecord
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindObjectsByKey returns the objects whose lower-cased key is in
// lowerKeys, indexed by lower-cased key.
func (t *Tx) FindObjectsByKey(ctx context.Context, lowerKeys []string) (map[string]types.ObjectRecord, error) {
	out := make(map[string]types.ObjectRecord, len(lowerKeys))
	err := batches(len(lowerKeys), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			"SELECT key_lower, "+objectColumns+" FROM objects WHERE key_lower IN ("+placeholders(hi-lo)+")",
			stringArgs(lowerKeys[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to find objects by key: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var lower string
			var o types.ObjectRecord
			if err := rows.Scan(&lower, &o.ID, &o.Key, &o.ChunkKey, &o.ObjectTypeID, &o.PropertiesJSON, &o.PackedJSON); err != nil {
				return fmt.Errorf("store: failed to scan object: %w", err)
			}
			out[lower] = o
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectsByIDs returns the objects with the given ids, ordered by id.
func (t *Tx) ObjectsByIDs(ctx context.Context, ids []int64) ([]types.ObjectRecord, error) {
	var out []types.ObjectRecord
	err := batches(len(ids), func(lo, hi int) error {
		objs, err := t.queryObjects(ctx, "id IN ("+placeholders(hi-lo)+")", int64Args(ids[lo:hi]))
		out = append(out, objs...)
		return err
	})
	return out, err
}

// ObjectsByChunkKeys returns every object stored under the given chunk keys.
func (t *Tx) ObjectsByChunkKeys(ctx context.Context, chunkKeys []string) ([]types.ObjectRecord, error) {
	var out []types.ObjectRecord
	err := batches(len(chunkKeys), func(lo, hi int) error {
		objs, err := t.queryObjects(ctx, "chunk_key IN ("+placeholders(hi-lo)+")", stringArgs(chunkKeys[lo:hi]))
		out = append(out, objs...)
		return err
	})
	return out, err
}

// InsertObject inserts a new object record. lowerKey is the case-folded key
// that enforces identity.
func (t *Tx) InsertObject(ctx context.Context, o types.ObjectRecord, lowerKey string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO objects ("+objectColumns+", key_lower) VALUES (?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.Key, o.ChunkKey, o.ObjectTypeID, o.PropertiesJSON, o.PackedJSON, lowerKey)
	if err != nil {
		return fmt.Errorf("store: failed to insert object %q: %w", o.Key, err)
	}
	return nil
}

// UpdateObject rewrites the mutable columns of an existing object.
func (t *Tx) UpdateObject(ctx context.Context, o types.ObjectRecord) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE objects SET object_type_id = ?, properties_json = ?, packed_json = ? WHERE id = ?",
		o.ObjectTypeID, o.PropertiesJSON, o.PackedJSON, o.ID)
	if err != nil {
		return fmt.Errorf("store: failed to update object %d: %w", o.ID, err)
	}
	return nil
}

// SetPackedJSON replaces the packed snapshot of one object.
func (t *Tx) SetPackedJSON(ctx context.Context, id int64, packed string) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE objects SET packed_json = ? WHERE id = ?", packed, id); err != nil {
		return fmt.Errorf("store: failed to set packed json for %d: %w", id, err)
	}
	return nil
}

// DeleteObjects removes object rows by id.
func (t *Tx) DeleteObjects(ctx context.Context, ids []int64) error {
	return batches(len(ids), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM objects WHERE id IN ("+placeholders(hi-lo)+")", int64Args(ids[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete objects: %w", err)
		}
		return nil
	})
}

// ObjectCount returns the number of stored objects.
func (t *Tx) ObjectCount(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count objects: %w", err)
	}
	return n, nil
}
