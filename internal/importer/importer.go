// Package importer turns incoming object descriptors into authoritative
// object, route and posting rows and queues the chunk keys they dirty.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/internal/tokenize"
	"github.com/arkilian/chunkindex/pkg/types"
)

const (
	// NoneObjectType is used when an import object carries no type.
	NoneObjectType = "none"

	// KeyProperty holds the object's original key and is always indexed.
	KeyProperty = "key"

	objectIDSequence = "objects"
)

// Summary reports what one import batch changed.
type Summary struct {
	Inserted            int `json:"inserted"`
	Updated             int `json:"updated"`
	Reindexed           int `json:"reindexed"`
	RoutesInserted      int `json:"routes_inserted"`
	RouteConflicts      int `json:"route_conflicts"`
	KeywordChunksQueued int `json:"keyword_chunks_queued"`
	ObjectChunksQueued  int `json:"object_chunks_queued"`
}

// Importer writes import batches to the store. It is safe for concurrent
// use; the store serializes the write transactions.
type Importer struct {
	store    *store.Store
	keywords chunkkey.Keyer
	objects  chunkkey.Keyer
	lookups  *Lookups
}

// New creates an importer sharding into buckets chunks per kind.
func New(s *store.Store, buckets int) *Importer {
	return &Importer{
		store:    s,
		keywords: chunkkey.New(chunk.KindKeyword.Namespace(), buckets),
		objects:  chunkkey.New(chunk.KindObject.Namespace(), buckets),
		lookups:  NewLookups(),
	}
}

// Lookups returns the importer's lookup registry.
func (im *Importer) Lookups() *Lookups { return im.lookups }

// pending is one normalized, batch-deduplicated import object.
type pending struct {
	key        string
	lowerKey   string
	objectType string
	properties map[string]string
	routes     []types.ImportRoute

	id       int64
	existing bool
	reindex  bool
	record   types.ObjectRecord
}

// normalize lower-cases types and property names, defaults the type and
// collapses objects sharing a case-folded key. The first occurrence fixes the
// batch order; later ones overwrite properties and append routes. Property
// names that collide with the packed snapshot's reserved keys are rejected.
func normalize(objects []types.ImportObject) ([]*pending, error) {
	if len(objects) == 0 {
		return nil, cerrors.NewValidationError(cerrors.CodeEmptyBatch, "import batch is empty")
	}

	byKey := make(map[string]*pending, len(objects))
	var out []*pending
	for i, obj := range objects {
		key := strings.TrimSpace(obj.Key)
		if key == "" {
			return nil, cerrors.NewValidationError(cerrors.CodeMissingKey, "import object has no key").
				WithDetails(map[string]interface{}{"index": i})
		}
		lower := strings.ToLower(key)

		p, ok := byKey[lower]
		if !ok {
			p = &pending{key: key, lowerKey: lower, properties: make(map[string]string)}
			byKey[lower] = p
			out = append(out, p)
		}

		objectType := strings.ToLower(strings.TrimSpace(obj.ObjectType))
		if objectType == "" {
			objectType = NoneObjectType
		}
		if !ok || objectType != NoneObjectType {
			p.objectType = objectType
		}
		for name, value := range obj.Properties {
			name = strings.ToLower(name)
			if name == PackedRoutesKey || name == PackedObjectTypeKey {
				return nil, cerrors.NewValidationError(cerrors.CodeReservedProperty, "property name "+name+" is reserved").
					WithDetails(map[string]interface{}{"index": i, "key": key})
			}
			p.properties[name] = value
		}
		p.routes = append(p.routes, obj.Routes...)
	}
	return out, nil
}

// Import writes one batch. The whole batch is a single transaction: any
// failure leaves the store untouched.
func (im *Importer) Import(ctx context.Context, objects []types.ImportObject) (*Summary, error) {
	batch, err := normalize(objects)
	if err != nil {
		return nil, err
	}

	typeNames := []string{NoneObjectType}
	propNames := []string{KeyProperty}
	for _, p := range batch {
		typeNames = append(typeNames, p.objectType)
		for name := range p.properties {
			propNames = append(propNames, name)
		}
	}
	typeNames = uniqueSorted(typeNames)
	propNames = uniqueSorted(propNames)

	summary := &Summary{}
	var typeIDs, propIDs map[string]int64

	err = im.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		if typeIDs, err = im.resolveLookups(ctx, tx, store.ObjectTypesTable, typeNames); err != nil {
			return err
		}
		if propIDs, err = im.resolveLookups(ctx, tx, store.PropertiesTable, propNames); err != nil {
			return err
		}
		if err := im.writeObjects(ctx, tx, batch, typeIDs, summary); err != nil {
			return err
		}

		groupObjects, err := im.replaceRoutes(ctx, tx, batch, summary)
		if err != nil {
			return err
		}
		if err := im.rebuildPostings(ctx, tx, batch, summary); err != nil {
			return err
		}

		touched := make([]int64, 0, len(batch)+len(groupObjects))
		for _, p := range batch {
			touched = append(touched, p.id)
		}
		touched = append(touched, groupObjects...)
		summary.ObjectChunksQueued, err = repack(ctx, tx, uniqueIDs(touched))
		return err
	})
	if err != nil {
		return nil, err
	}

	im.lookups.merge(typeIDs, propIDs)
	log.Printf("importer: imported %d objects (inserted=%d updated=%d reindexed=%d routes=%d conflicts=%d)",
		len(batch), summary.Inserted, summary.Updated, summary.Reindexed, summary.RoutesInserted, summary.RouteConflicts)
	return summary, nil
}

// resolveLookups returns an id for every name, creating rows for names the
// registry does not know yet.
func (im *Importer) resolveLookups(ctx context.Context, tx *store.Tx, table string, names []string) (map[string]int64, error) {
	ids, unknown := im.lookups.missing(table, names)
	if len(unknown) > 0 {
		created, err := tx.UpsertLookups(ctx, table, unknown)
		if err != nil {
			return nil, err
		}
		for n, id := range created {
			ids[n] = id
		}
	}
	for _, n := range names {
		if _, ok := ids[n]; !ok {
			return nil, cerrors.NewImportError(cerrors.CodeLookupMissing,
				fmt.Sprintf("importer: no %s id for %q", table, n), nil)
		}
	}
	return ids, nil
}

// writeObjects matches the batch against existing records, merges
// properties and inserts or updates object rows.
func (im *Importer) writeObjects(ctx context.Context, tx *store.Tx, batch []*pending, typeIDs map[string]int64, summary *Summary) error {
	lowerKeys := make([]string, len(batch))
	for i, p := range batch {
		lowerKeys[i] = p.lowerKey
	}
	existing, err := tx.FindObjectsByKey(ctx, lowerKeys)
	if err != nil {
		return err
	}

	newCount := len(batch) - len(existing)
	var nextID int64
	if newCount > 0 {
		if nextID, err = tx.ReserveIDs(ctx, objectIDSequence, newCount); err != nil {
			return err
		}
	}

	for _, p := range batch {
		merged := map[string]string{KeyProperty: p.key}
		rec, found := existing[p.lowerKey]
		if found {
			if rec.PropertiesJSON != "" {
				var old map[string]string
				if err := json.Unmarshal([]byte(rec.PropertiesJSON), &old); err != nil {
					return fmt.Errorf("importer: bad properties json for %q: %w", rec.Key, err)
				}
				for k, v := range old {
					merged[k] = v
				}
			}
		}
		for k, v := range p.properties {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("importer: failed to encode properties for %q: %w", p.key, err)
		}
		propsJSON := string(raw)
		typeID := typeIDs[p.objectType]

		if found {
			p.id = rec.ID
			p.existing = true
			p.reindex = propsJSON != rec.PropertiesJSON
			if p.reindex || typeID != rec.ObjectTypeID {
				rec.PropertiesJSON = propsJSON
				rec.ObjectTypeID = typeID
				if err := tx.UpdateObject(ctx, rec); err != nil {
					return err
				}
				summary.Updated++
			}
		} else {
			p.id = nextID
			nextID++
			p.reindex = true
			rec = types.ObjectRecord{
				ID:             p.id,
				Key:            p.key,
				ChunkKey:       im.objects.ObjectKey(p.id),
				ObjectTypeID:   typeID,
				PropertiesJSON: propsJSON,
			}
			if err := tx.InsertObject(ctx, rec, p.lowerKey); err != nil {
				return err
			}
			summary.Inserted++
		}
		p.record = rec
		if p.reindex {
			summary.Reindexed++
		}
	}
	return nil
}

type routeSlot struct {
	objectID int64
	title    string
}

// replaceRoutes replaces every route owned by the batch's import groups.
// A title already owned on the same object by a group outside the batch
// wins; the incoming route is skipped. It returns the ids of objects outside
// the batch that lost routes and so need repacking.
func (im *Importer) replaceRoutes(ctx context.Context, tx *store.Tx, batch []*pending, summary *Summary) ([]int64, error) {
	hashSet := make(map[string]struct{})
	batchIDs := make([]int64, 0, len(batch))
	for _, p := range batch {
		batchIDs = append(batchIDs, p.id)
		for _, r := range p.routes {
			hashSet[r.ImportGroupHash] = struct{}{}
		}
	}
	if len(hashSet) == 0 {
		return nil, nil
	}
	hashes := make([]string, 0, len(hashSet))
	for h := range hashSet {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	current, err := tx.RoutesForObjects(ctx, batchIDs)
	if err != nil {
		return nil, err
	}
	owned := make(map[routeSlot]string)
	for _, r := range current {
		if _, inBatch := hashSet[r.ImportGroupHash]; !inBatch {
			owned[routeSlot{r.ObjectID, r.RouteTitle}] = r.ImportGroupHash
		}
	}

	affected, err := tx.ObjectIDsForGroups(ctx, hashes)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteRoutesByGroup(ctx, hashes); err != nil {
		return nil, err
	}

	taken := make(map[routeSlot]struct{})
	var inserts []types.Route
	for _, p := range batch {
		for _, r := range p.routes {
			slot := routeSlot{p.id, r.RouteTitle}
			if owner, ok := owned[slot]; ok {
				log.Printf("importer: route %q on %q owned by group %s, skipping import from group %s",
					r.RouteTitle, p.key, owner, r.ImportGroupHash)
				summary.RouteConflicts++
				continue
			}
			if _, dup := taken[slot]; dup {
				log.Printf("importer: duplicate route title %q for %q in batch, skipping", r.RouteTitle, p.key)
				summary.RouteConflicts++
				continue
			}
			taken[slot] = struct{}{}
			inserts = append(inserts, types.Route{
				ObjectID:        p.id,
				ImportGroupHash: r.ImportGroupHash,
				RouteTitle:      r.RouteTitle,
				RoutePath:       r.RoutePath,
			})
		}
	}
	if err := tx.InsertRoutes(ctx, inserts); err != nil {
		return nil, err
	}
	summary.RoutesInserted = len(inserts)

	inBatch := make(map[int64]struct{}, len(batchIDs))
	for _, id := range batchIDs {
		inBatch[id] = struct{}{}
	}
	var others []int64
	for _, id := range affected {
		if _, ok := inBatch[id]; !ok {
			others = append(others, id)
		}
	}
	return others, nil
}

// rebuildPostings drops and recreates the postings of every object needing
// re-index and queues every keyword chunk key touched either way.
func (im *Importer) rebuildPostings(ctx context.Context, tx *store.Tx, batch []*pending, summary *Summary) error {
	var ids []int64
	for _, p := range batch {
		if p.reindex && p.existing {
			ids = append(ids, p.id)
		}
	}

	dirty := make(map[string]struct{})
	if len(ids) > 0 {
		old, err := tx.PostingChunkKeys(ctx, ids)
		if err != nil {
			return err
		}
		for _, k := range old {
			dirty[k] = struct{}{}
		}
		if err := tx.DeletePostingsForObjects(ctx, ids); err != nil {
			return err
		}
	}

	var postings []types.Posting
	for _, p := range batch {
		if !p.reindex {
			continue
		}
		props := make(map[string]string)
		if err := json.Unmarshal([]byte(p.record.PropertiesJSON), &props); err != nil {
			return fmt.Errorf("importer: bad properties json for %q: %w", p.key, err)
		}
		for name, value := range props {
			for _, kw := range tokenize.Sorted(value) {
				key := im.keywords.Key(kw)
				dirty[key] = struct{}{}
				postings = append(postings, types.Posting{
					ChunkKey:     key,
					Keyword:      kw,
					PropertyName: name,
					ObjectID:     p.id,
				})
			}
		}
	}
	if err := tx.InsertPostings(ctx, postings); err != nil {
		return err
	}

	keys := make([]string, 0, len(dirty))
	for k := range dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := tx.Enqueue(ctx, chunk.KindKeyword, keys); err != nil {
		return err
	}
	summary.KeywordChunksQueued = len(keys)
	return nil
}

// RemoveImportGroups deletes every route owned by the given import groups,
// repacks the objects that held them and queues their object chunks. It
// returns the number of objects repacked.
func (im *Importer) RemoveImportGroups(ctx context.Context, hashes []string) (int, error) {
	if len(hashes) == 0 {
		return 0, cerrors.NewValidationError(cerrors.CodeEmptyBatch, "no import groups given")
	}
	var repacked int
	err := im.store.Update(ctx, func(tx *store.Tx) error {
		ids, err := tx.ObjectIDsForGroups(ctx, hashes)
		if err != nil {
			return err
		}
		if err := tx.DeleteRoutesByGroup(ctx, hashes); err != nil {
			return err
		}
		if _, err := repack(ctx, tx, ids); err != nil {
			return err
		}
		repacked = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("importer: removed %d import groups, repacked %d objects", len(hashes), repacked)
	return repacked, nil
}

// DeleteObjects removes objects by key together with their routes and
// postings and queues every chunk they occupied. Unknown keys are ignored.
// It returns the number of objects deleted.
func (im *Importer) DeleteObjects(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, cerrors.NewValidationError(cerrors.CodeEmptyBatch, "no object keys given")
	}
	lower := make([]string, len(keys))
	for i, k := range keys {
		lower[i] = strings.ToLower(strings.TrimSpace(k))
	}

	var deleted int
	err := im.store.Update(ctx, func(tx *store.Tx) error {
		found, err := tx.FindObjectsByKey(ctx, lower)
		if err != nil || len(found) == 0 {
			return err
		}
		ids := make([]int64, 0, len(found))
		objectKeys := make(map[string]struct{})
		for _, o := range found {
			ids = append(ids, o.ID)
			objectKeys[o.ChunkKey] = struct{}{}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		kwKeys, err := tx.PostingChunkKeys(ctx, ids)
		if err != nil {
			return err
		}
		if err := tx.DeletePostingsForObjects(ctx, ids); err != nil {
			return err
		}
		if err := tx.DeleteRoutesForObjects(ctx, ids); err != nil {
			return err
		}
		if err := tx.DeleteObjects(ctx, ids); err != nil {
			return err
		}

		sort.Strings(kwKeys)
		if err := tx.Enqueue(ctx, chunk.KindKeyword, kwKeys); err != nil {
			return err
		}
		objKeys := make([]string, 0, len(objectKeys))
		for k := range objectKeys {
			objKeys = append(objKeys, k)
		}
		sort.Strings(objKeys)
		if err := tx.Enqueue(ctx, chunk.KindObject, objKeys); err != nil {
			return err
		}
		deleted = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("importer: deleted %d objects", deleted)
	return deleted, nil
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

func uniqueIDs(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
