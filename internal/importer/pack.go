package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Reserved keys of the packed object snapshot.
const (
	PackedRoutesKey     = "_r_"
	PackedObjectTypeKey = "_otid_"
)

// packObject builds the packed snapshot of an object: its merged properties,
// its routes as [title, path] pairs ordered by title and its object type id.
// Keys are emitted sorted.
func packObject(o types.ObjectRecord, routes []types.Route) (string, error) {
	props := make(map[string]string)
	if o.PropertiesJSON != "" {
		if err := json.Unmarshal([]byte(o.PropertiesJSON), &props); err != nil {
			return "", fmt.Errorf("importer: bad properties json for object %d: %w", o.ID, err)
		}
	}

	packed := make(map[string]interface{}, len(props)+2)
	for k, v := range props {
		packed[k] = v
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].RouteTitle < routes[j].RouteTitle })
	pairs := make([][2]string, 0, len(routes))
	for _, r := range routes {
		pairs = append(pairs, [2]string{r.RouteTitle, r.RoutePath})
	}
	packed[PackedRoutesKey] = pairs
	packed[PackedObjectTypeKey] = o.ObjectTypeID

	raw, err := json.Marshal(packed)
	if err != nil {
		return "", fmt.Errorf("importer: failed to pack object %d: %w", o.ID, err)
	}
	return string(raw), nil
}

// repack rewrites the packed snapshot of every given object and enqueues
// each object's chunk key on the object queue. It returns the number of
// distinct object chunk keys queued.
func repack(ctx context.Context, tx *store.Tx, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	objects, err := tx.ObjectsByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	routes, err := tx.RoutesForObjects(ctx, ids)
	if err != nil {
		return 0, err
	}
	byObject := make(map[int64][]types.Route)
	for _, r := range routes {
		byObject[r.ObjectID] = append(byObject[r.ObjectID], r)
	}

	seen := make(map[string]struct{})
	var chunkKeys []string
	for _, o := range objects {
		packed, err := packObject(o, byObject[o.ID])
		if err != nil {
			return 0, err
		}
		if packed != o.PackedJSON {
			if err := tx.SetPackedJSON(ctx, o.ID, packed); err != nil {
				return 0, err
			}
		}
		if _, ok := seen[o.ChunkKey]; !ok {
			seen[o.ChunkKey] = struct{}{}
			chunkKeys = append(chunkKeys, o.ChunkKey)
		}
	}

	sort.Strings(chunkKeys)
	if err := tx.Enqueue(ctx, chunk.KindObject, chunkKeys); err != nil {
		return 0, err
	}
	return len(chunkKeys), nil
}
