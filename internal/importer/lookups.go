package importer

import (
	"context"
	"sync"

	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
)

// Lookups caches lookup name → id resolutions for one importer. It is only
// updated after the transaction that created the rows has committed, so a
// rolled-back batch never leaves ids behind that do not exist.
type Lookups struct {
	mu          sync.RWMutex
	objectTypes map[string]int64
	properties  map[string]int64
}

// NewLookups returns an empty registry.
func NewLookups() *Lookups {
	return &Lookups{
		objectTypes: make(map[string]int64),
		properties:  make(map[string]int64),
	}
}

// ObjectTypeID returns the cached id of an object type name.
func (l *Lookups) ObjectTypeID(name string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.objectTypes[name]
	return id, ok
}

// PropertyID returns the cached id of a property name.
func (l *Lookups) PropertyID(name string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.properties[name]
	return id, ok
}

// Load fills the registry from the store.
func (l *Lookups) Load(ctx context.Context, s *store.Store) error {
	var objectTypes, properties []types.Lookup
	err := s.View(ctx, func(tx *store.Tx) error {
		var err error
		if objectTypes, err = tx.ListLookups(ctx, store.ObjectTypesTable); err != nil {
			return err
		}
		properties, err = tx.ListLookups(ctx, store.PropertiesTable)
		return err
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range objectTypes {
		l.objectTypes[o.Name] = o.ID
	}
	for _, p := range properties {
		l.properties[p.Name] = p.ID
	}
	return nil
}

// missing splits names into the cached ids and the names still unknown.
func (l *Lookups) missing(table string, names []string) (map[string]int64, []string) {
	src := l.properties
	if table == store.ObjectTypesTable {
		src = l.objectTypes
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	known := make(map[string]int64, len(names))
	var unknown []string
	for _, n := range names {
		if id, ok := src[n]; ok {
			known[n] = id
		} else {
			unknown = append(unknown, n)
		}
	}
	return known, unknown
}

func (l *Lookups) merge(objectTypes, properties map[string]int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for n, id := range objectTypes {
		l.objectTypes[n] = id
	}
	for n, id := range properties {
		l.properties[n] = id
	}
}
