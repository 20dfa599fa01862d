package store

import (
	"fmt"

	"github.com/arkilian/chunkindex/internal/chunk"
)

// Authoritative tables. Objects and postings are the source of truth for
// compilation; routes and lookups feed the packed object snapshot.

const createObjectTypesTableSQL = `
CREATE TABLE IF NOT EXISTS object_types (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL
)`

const createPropertiesTableSQL = `
CREATE TABLE IF NOT EXISTS properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL
)`

const createIDSequencesTableSQL = `
CREATE TABLE IF NOT EXISTS id_sequences (
    name TEXT PRIMARY KEY,
    next_id INTEGER NOT NULL
)`

const createObjectsTableSQL = `
CREATE TABLE IF NOT EXISTS objects (
    id INTEGER PRIMARY KEY,
    key TEXT NOT NULL,
    key_lower TEXT NOT NULL UNIQUE,
    chunk_key TEXT NOT NULL,
    object_type_id INTEGER NOT NULL,
    properties_json TEXT NOT NULL,
    packed_json TEXT NOT NULL DEFAULT ''
)`

const createRoutesTableSQL = `
CREATE TABLE IF NOT EXISTS routes (
    object_id INTEGER NOT NULL,
    import_group_hash TEXT NOT NULL,
    route_title TEXT NOT NULL,
    route_path TEXT NOT NULL,
    PRIMARY KEY (object_id, route_title)
)`

const createPostingsTableSQL = `
CREATE TABLE IF NOT EXISTS postings (
    chunk_key TEXT NOT NULL,
    keyword TEXT NOT NULL,
    property_name TEXT NOT NULL,
    object_id INTEGER NOT NULL,
    PRIMARY KEY (chunk_key, keyword, property_name, object_id)
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_objects_chunk ON objects(chunk_key)`,
	`CREATE INDEX IF NOT EXISTS idx_routes_group ON routes(import_group_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_postings_object ON postings(object_id)`,
}

// queueTable, parkedTable and chunkTable name the per-kind compiler tables.
func queueTable(k chunk.Kind) string  { return k.String() + "_queue" }
func parkedTable(k chunk.Kind) string { return k.String() + "_parked" }
func chunkTable(k chunk.Kind) string  { return k.String() + "_chunks" }

func createQueueTableSQL(k chunk.Kind) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_key TEXT NOT NULL
)`, queueTable(k))
}

func createParkedTableSQL(k chunk.Kind) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    chunk_key TEXT NOT NULL,
    reason TEXT NOT NULL,
    parked_at TEXT NOT NULL
)`, parkedTable(k))
}

func createChunkTableSQL(k chunk.Kind) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    chunk_key TEXT PRIMARY KEY,
    encoded_data BLOB NOT NULL,
    encoded_hash TEXT NOT NULL,
    last_update TEXT NOT NULL
)`, chunkTable(k))
}

// allSchemaSQL returns every statement needed to initialize the store.
func allSchemaSQL() []string {
	statements := []string{
		createObjectTypesTableSQL,
		createPropertiesTableSQL,
		createIDSequencesTableSQL,
		createObjectsTableSQL,
		createRoutesTableSQL,
		createPostingsTableSQL,
	}
	statements = append(statements, createIndexesSQL...)
	for _, k := range chunk.Kinds {
		statements = append(statements, createQueueTableSQL(k), createParkedTableSQL(k), createChunkTableSQL(k))
	}
	return statements
}
