package store

import (
	"context"
	"fmt"

	"github.com/arkilian/chunkindex/pkg/types"
)

// Lookup tables.
const (
	ObjectTypesTable = "object_types"
	PropertiesTable  = "properties"
)

// UpsertLookups inserts any missing names into table (object_types or
// properties) and returns the id of every requested name.
func (t *Tx) UpsertLookups(ctx context.Context, table string, names []string) (map[string]int64, error) {
	if table != ObjectTypesTable && table != PropertiesTable {
		return nil, fmt.Errorf("store: unknown lookup table %q", table)
	}

	insert, err := t.tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO "+table+" (name, title) VALUES (?, ?)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to prepare %s upsert: %w", table, err)
	}
	defer insert.Close()

	for _, name := range names {
		if _, err := insert.ExecContext(ctx, name, name); err != nil {
			return nil, fmt.Errorf("store: failed to upsert %s %q: %w", table, name, err)
		}
	}

	ids := make(map[string]int64, len(names))
	err = batches(len(names), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			"SELECT id, name FROM "+table+" WHERE name IN ("+placeholders(hi-lo)+")",
			stringArgs(names[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to resolve %s ids: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return fmt.Errorf("store: failed to scan %s row: %w", table, err)
			}
			ids[name] = id
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListLookups returns every row of a lookup table ordered by id.
func (t *Tx) ListLookups(ctx context.Context, table string) ([]types.Lookup, error) {
	if table != ObjectTypesTable && table != PropertiesTable {
		return nil, fmt.Errorf("store: unknown lookup table %q", table)
	}
	rows, err := t.tx.QueryContext(ctx, "SELECT id, name, title FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []types.Lookup
	for rows.Next() {
		var l types.Lookup
		if err := rows.Scan(&l.ID, &l.Name, &l.Title); err != nil {
			return nil, fmt.Errorf("store: failed to scan %s row: %w", table, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReserveIDs reserves n contiguous ids from the named sequence in a single
// round trip and returns the first one.
func (t *Tx) ReserveIDs(ctx context.Context, sequence string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("store: cannot reserve %d ids", n)
	}
	if _, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO id_sequences (name, next_id) VALUES (?, 1)", sequence); err != nil {
		return 0, fmt.Errorf("store: failed to init sequence %q: %w", sequence, err)
	}

	var next int64
	err := t.tx.QueryRowContext(ctx,
		"UPDATE id_sequences SET next_id = next_id + ? WHERE name = ? RETURNING next_id",
		n, sequence,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("store: failed to reserve ids from %q: %w", sequence, err)
	}
	return next - int64(n), nil
}
