// Package producercache implements the Producer's on-disk cache and
// diff algorithm (C7): an atomically-replaced, badger-backed snapshot
// per type holding every regular and cacheonly attribute plus
// remote_pkey and the schema revision at time of write, with secret and
// local attributes never persisted. Storage is internal/storage's
// badger wrapper; the differ that walks the old/new snapshot is plain
// in-memory set comparison with no external dependency, since the
// algorithm itself (spec.md §4.5) has no ecosystem library analogue.
package producercache

import (
	"fmt"
	"sort"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

const namespace = "producercache"

// Entry is what is actually persisted for one cached object: the
// attribute subset CachedAttrs() computes, the remote pkey needed to
// re-derive foreign-key linkage, and the schema revision it was written
// under (used by the evolver to detect stale cache entries).
type Entry struct {
	Type           string        `json:"type"`
	Pkey           string        `json:"pkey"`
	RemotePkey     string        `json:"remote_pkey"`
	SchemaRevision int           `json:"schema_revision"`
	Attrs          value.AttrMap `json:"attrs"`
}

// Cache is the Producer's persisted last-successfully-published
// snapshot, one Entry per (type, pkey).
type Cache struct {
	db *storage.DB
}

func Open(db *storage.DB) *Cache {
	return &Cache{db: db}
}

func key(typeName string, pkey dataschema.Pkey) []byte {
	return storage.Key(namespace, typeName, string(pkey))
}

// Put writes one entry, overwriting any prior entry for the same pkey.
// Badger transactions already give per-key atomicity; the "atomically
// replaced" guarantee spec.md §4.5 asks for is this single Put.
func (c *Cache) Put(typeName string, revision int, obj *dataschema.Object) error {
	entry := Entry{
		Type:           typeName,
		Pkey:           string(obj.Pkey),
		RemotePkey:     string(obj.RemotePkey),
		SchemaRevision: revision,
		Attrs:          obj.Attrs.Clone(),
	}
	if err := c.db.Put(key(typeName, obj.Pkey), entry); err != nil {
		return fmt.Errorf("producercache: put %s/%s: %w", typeName, obj.Pkey, err)
	}
	return nil
}

func (c *Cache) Remove(typeName string, pkey dataschema.Pkey) error {
	return c.db.Delete(key(typeName, pkey))
}

func (c *Cache) Get(typeName string, pkey dataschema.Pkey) (*Entry, bool, error) {
	var entry Entry
	found, err := c.db.Get(key(typeName, pkey), &entry)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &entry, true, nil
}

// All loads every cached entry for typeName, keyed by pkey.
func (c *Cache) All(typeName string) (map[dataschema.Pkey]*Entry, error) {
	out := make(map[dataschema.Pkey]*Entry)
	prefix := storage.Key(namespace, typeName, "")
	err := c.db.IteratePrefix(prefix, func() any { return new(Entry) }, func(_ []byte, v any) error {
		entry := v.(*Entry)
		out[dataschema.Pkey(entry.Pkey)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("producercache: iterate %s: %w", typeName, err)
	}
	return out, nil
}

// SortedTypeRevisions is a convenience used by the consumer-visible
// status command to list cached types deterministically.
func SortedTypeRevisions(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
