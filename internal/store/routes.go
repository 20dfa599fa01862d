package store

import (
	"context"
	"fmt"

	"github.com/arkilian/chunkindex/pkg/types"
)

// RoutesForObjects returns every route attached to the given objects ordered
// by object id and route title.
func (t *Tx) RoutesForObjects(ctx context.Context, objectIDs []int64) ([]types.Route, error) {
	var out []types.Route
	err := batches(len(objectIDs), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT object_id, import_group_hash, route_title, route_path FROM routes
			 WHERE object_id IN (`+placeholders(hi-lo)+`) ORDER BY object_id, route_title`,
			int64Args(objectIDs[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to query routes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r types.Route
			if err := rows.Scan(&r.ObjectID, &r.ImportGroupHash, &r.RouteTitle, &r.RoutePath); err != nil {
				return fmt.Errorf("store: failed to scan route: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// ObjectIDsForGroups returns the distinct objects holding routes owned by
// any of the given import groups.
func (t *Tx) ObjectIDsForGroups(ctx context.Context, hashes []string) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64
	err := batches(len(hashes), func(lo, hi int) error {
		rows, err := t.tx.QueryContext(ctx,
			"SELECT DISTINCT object_id FROM routes WHERE import_group_hash IN ("+placeholders(hi-lo)+")",
			stringArgs(hashes[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to query route groups: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("store: failed to scan object id: %w", err)
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		return rows.Err()
	})
	return out, err
}

// DeleteRoutesByGroup removes every route owned by the given import groups.
func (t *Tx) DeleteRoutesByGroup(ctx context.Context, hashes []string) error {
	return batches(len(hashes), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM routes WHERE import_group_hash IN ("+placeholders(hi-lo)+")",
			stringArgs(hashes[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete routes: %w", err)
		}
		return nil
	})
}

// DeleteRoutesForObjects removes every route of the given objects.
func (t *Tx) DeleteRoutesForObjects(ctx context.Context, objectIDs []int64) error {
	return batches(len(objectIDs), func(lo, hi int) error {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM routes WHERE object_id IN ("+placeholders(hi-lo)+")",
			int64Args(objectIDs[lo:hi])...)
		if err != nil {
			return fmt.Errorf("store: failed to delete object routes: %w", err)
		}
		return nil
	})
}

// InsertRoutes inserts routes. The caller resolves conflicts beforehand.
func (t *Tx) InsertRoutes(ctx context.Context, routes []types.Route) error {
	if len(routes) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT INTO routes (object_id, import_group_hash, route_title, route_path) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare route insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range routes {
		if _, err := stmt.ExecContext(ctx, r.ObjectID, r.ImportGroupHash, r.RouteTitle, r.RoutePath); err != nil {
			return fmt.Errorf("store: failed to insert route %d/%q: %w", r.ObjectID, r.RouteTitle, err)
		}
	}
	return nil
}
