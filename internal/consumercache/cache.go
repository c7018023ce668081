// Package consumercache implements the Consumer's local object cache
// (C11): a badger-backed store of every applied object, updated by
// insert on added, attribute-level merge on modified, and move-to-
// trashbin or physical delete on removed. Storage is the same
// internal/storage wrapper the producer cache uses; the schema
// isolation is a separate namespace so producer- and consumer-side
// processes can in principle share one badger directory in tests
// without key collision.
package consumercache

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

const namespace = "consumercache"

type Entry struct {
	Type           string        `json:"type"`
	Pkey           string        `json:"pkey"`
	RemotePkey     string        `json:"remote_pkey"`
	SchemaRevision int           `json:"schema_revision"`
	Attrs          value.AttrMap `json:"attrs"`
}

type Cache struct {
	db *storage.DB
}

func Open(db *storage.DB) *Cache {
	return &Cache{db: db}
}

func key(typeName string, pkey dataschema.Pkey) []byte {
	return storage.Key(namespace, typeName, string(pkey))
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

// Insert is applied on an added event.
func (c *Cache) Insert(typeName string, pkey, remotePkey dataschema.Pkey, revision int, attrs value.AttrMap) error {
	entry := Entry{Type: typeName, Pkey: string(pkey), RemotePkey: string(remotePkey), SchemaRevision: revision, Attrs: attrs.Clone()}
	if err := c.db.Put(key(typeName, pkey), entry); err != nil {
		return fmt.Errorf("consumercache: insert %s/%s: %w", typeName, pkey, err)
	}
	return nil
}

// MergeAttrs is applied on a modified event: only the attributes named
// in changed are overwritten, everything else in the cached object is
// left as-is (spec.md §4.9 "attribute-level merge").
func (c *Cache) MergeAttrs(typeName string, pkey dataschema.Pkey, revision int, changed value.AttrMap) error {
	entry, found, err := c.Get(typeName, pkey)
	if err != nil {
		return err
	}
	if !found {
		entry = &Entry{Type: typeName, Pkey: string(pkey), Attrs: value.AttrMap{}}
	}
	if entry.Attrs == nil {
		entry.Attrs = value.AttrMap{}
	}
	for k, v := range changed {
		entry.Attrs[k] = v
	}
	entry.SchemaRevision = revision
	if err := c.db.Put(key(typeName, pkey), *entry); err != nil {
		return fmt.Errorf("consumercache: merge %s/%s: %w", typeName, pkey, err)
	}
	return nil
}

func (c *Cache) Remove(typeName string, pkey dataschema.Pkey) error {
	if err := c.db.Delete(key(typeName, pkey)); err != nil {
		return fmt.Errorf("consumercache: remove %s/%s: %w", typeName, pkey, err)
	}
	return nil
}

func (c *Cache) All(typeName string) (map[dataschema.Pkey]*Entry, error) {
	out := make(map[dataschema.Pkey]*Entry)
	prefix := storage.Key(namespace, typeName, "")
	err := c.db.IteratePrefix(prefix, func() any { return new(Entry) }, func(_ []byte, v any) error {
		entry := v.(*Entry)
		out[dataschema.Pkey(entry.Pkey)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consumercache: iterate %s: %w", typeName, err)
	}
	return out, nil
}

// DropType removes every cached entry for typeName, used by the
// evolver when a type is removed from the remote schema.
func (c *Cache) DropType(typeName string) error {
	all, err := c.All(typeName)
	if err != nil {
		return err
	}
	for pkey := range all {
		if err := c.Remove(typeName, pkey); err != nil {
			return err
		}
	}
	return nil
}

// DropAttr removes attr from every cached entry of typeName, used by
// the evolver when the remote schema stops declaring an attribute.
func (c *Cache) DropAttr(typeName, attr string) error {
	all, err := c.All(typeName)
	if err != nil {
		return err
	}
	for pkey, entry := range all {
		if _, present := entry.Attrs[attr]; !present {
			continue
		}
		delete(entry.Attrs, attr)
		if err := c.db.Put(key(typeName, pkey), *entry); err != nil {
			return err
		}
	}
	return nil
}
