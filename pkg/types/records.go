// Package types defines the typed records shared by the importer, the
// compiler, the sync protocol and the client cache.
package types

// Posting is one keyword→object association inside a keyword chunk.
// Unique per (ChunkKey, Keyword, PropertyName, ObjectID).
type Posting struct {
	ChunkKey     string
	Keyword      string
	PropertyName string
	ObjectID     int64
}

// ObjectRecord is the authoritative row for an indexed object.
type ObjectRecord struct {
	ID             int64
	Key            string
	ChunkKey       string
	ObjectTypeID   int64
	PropertiesJSON string
	PackedJSON     string
}

// Route is a navigation target attached to an object by an import group.
// Unique per (ObjectID, RouteTitle).
type Route struct {
	ObjectID        int64
	ImportGroupHash string
	RouteTitle      string
	RoutePath       string
}

// QueueEntry marks a chunk key as dirty for one compiler.
type QueueEntry struct {
	ID       int64
	ChunkKey string
}

// CompiledChunk is the immutable, self-contained content of one shard.
// An empty EncodedData with Deleted set is a tombstone used by the sync
// protocol to tell clients a shard no longer exists.
type CompiledChunk struct {
	ChunkKey    string
	EncodedData []byte
	EncodedHash string
	LastUpdate  string
	Deleted     bool
}

// ChunkMarker is the (chunk key, last update) pair a client reports when it
// subscribes.
type ChunkMarker struct {
	ChunkKey   string
	LastUpdate string
}

// Lookup is a named row of the object type or property lookup tables.
type Lookup struct {
	ID    int64
	Name  string
	Title string
}

// ImportRoute is a route carried by an ImportObject.
type ImportRoute struct {
	ImportGroupHash string `json:"import_group_hash" yaml:"import_group_hash"`
	RouteTitle      string `json:"route_title" yaml:"route_title"`
	RoutePath       string `json:"route_path" yaml:"route_path"`
}

// ImportObject is an incoming object descriptor.
type ImportObject struct {
	Key        string            `json:"key" yaml:"key"`
	ObjectType string            `json:"object_type,omitempty" yaml:"object_type"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties"`
	Routes     []ImportRoute     `json:"routes,omitempty" yaml:"routes"`
}
