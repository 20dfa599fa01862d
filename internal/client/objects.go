package client

import (
	"encoding/json"
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	"github.com/arkilian/chunkindex/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultObjectCacheSize is the number of decoded object chunks kept.
const DefaultObjectCacheSize = 1024

// Reserved keys of a packed object.
const (
	packedRoutesKey     = "_r_"
	packedObjectTypeKey = "_otid_"
)

// Object is an object resolved from its packed snapshot.
type Object struct {
	ID           int64             `json:"id"`
	ObjectTypeID int64             `json:"object_type_id"`
	Properties   map[string]string `json:"properties"`
	Routes       [][2]string       `json:"routes"`
}

// ObjectIndex resolves object ids against the cached object chunks.
type ObjectIndex struct {
	cache   *Cache
	keyer   chunkkey.Keyer
	decoded *lru.Cache[string, decodedChunk]
}

// decodedChunk is a decoded object chunk and the version it was decoded
// from. A hit is only served while the cache still holds that version.
type decodedChunk struct {
	lastUpdate string
	hash       string
	objects    map[int64]string
}

// NewObjectIndex creates an index over cache and registers it for
// invalidation.
func NewObjectIndex(cache *Cache, buckets, size int) (*ObjectIndex, error) {
	if size <= 0 {
		size = DefaultObjectCacheSize
	}
	decoded, err := lru.New[string, decodedChunk](size)
	if err != nil {
		return nil, fmt.Errorf("client: failed to create object cache: %w", err)
	}
	x := &ObjectIndex{
		cache:   cache,
		keyer:   chunkkey.New(chunk.KindObject.Namespace(), buckets),
		decoded: decoded,
	}
	cache.AddListener(x)
	return x, nil
}

// ChunksChanged drops decoded copies of replaced object chunks.
func (x *ObjectIndex) ChunksChanged(kind chunk.Kind, changed []types.CompiledChunk) {
	if kind != chunk.KindObject {
		return
	}
	for _, c := range changed {
		x.decoded.Remove(c.ChunkKey)
	}
}

// Objects returns the objects for ids in the given order, skipping ids not
// cached. A positive objectTypeID keeps only objects of that type.
func (x *ObjectIndex) Objects(ids []int64, objectTypeID int64) ([]Object, error) {
	out := make([]Object, 0, len(ids))
	for _, id := range ids {
		objects, err := x.chunk(x.keyer.ObjectKey(id))
		if err != nil {
			return nil, err
		}
		packed, ok := objects[id]
		if !ok {
			continue
		}
		obj, err := unpackObject(id, packed)
		if err != nil {
			return nil, err
		}
		if objectTypeID > 0 && obj.ObjectTypeID != objectTypeID {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// chunk returns the decoded objects of the cached chunk at key. A decoded
// copy is reused only while it matches the cached version.
func (x *ObjectIndex) chunk(key string) (map[int64]string, error) {
	c, ok := x.cache.Get(chunk.KindObject, key)
	if !ok {
		x.decoded.Remove(key)
		return nil, nil
	}
	if d, ok := x.decoded.Get(key); ok && d.lastUpdate == c.LastUpdate && d.hash == c.EncodedHash {
		return d.objects, nil
	}
	objects, err := chunk.DecodeObjects(c.EncodedData)
	if err != nil {
		return nil, err
	}
	x.decoded.Add(key, decodedChunk{lastUpdate: c.LastUpdate, hash: c.EncodedHash, objects: objects})
	return objects, nil
}

func unpackObject(id int64, packed string) (Object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(packed), &fields); err != nil {
		return Object{}, fmt.Errorf("client: bad packed object %d: %w", id, err)
	}

	obj := Object{ID: id, Properties: make(map[string]string, len(fields))}
	for k, raw := range fields {
		var err error
		switch k {
		case packedRoutesKey:
			err = json.Unmarshal(raw, &obj.Routes)
		case packedObjectTypeKey:
			err = json.Unmarshal(raw, &obj.ObjectTypeID)
		default:
			var v string
			err = json.Unmarshal(raw, &v)
			obj.Properties[k] = v
		}
		if err != nil {
			return Object{}, fmt.Errorf("client: bad field %q in packed object %d: %w", k, id, err)
		}
	}
	return obj, nil
}
