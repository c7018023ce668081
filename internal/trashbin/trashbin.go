// Package trashbin implements the Consumer's deferred-deletion trashbin
// (C14): on a removed event with a positive retention window, the
// object is parked here with a deletion timestamp rather than deleted
// immediately; a periodic sweep physically deletes expired entries, and
// a matching added before expiry restores the object without a new
// add on the target. Storage is the shared badger wrapper, the same
// pattern internal/producercache and internal/errorqueue use.
package trashbin

import (
	"time"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

const namespace = "trashbin"

// Entry is a parked object awaiting physical deletion.
type Entry struct {
	Type        string        `json:"type"`
	Pkey        string        `json:"pkey"`
	RemotePkey  string        `json:"remote_pkey"`
	Attrs       value.AttrMap `json:"attrs"`
	DeleteAfter time.Time     `json:"delete_after"`
}

type Bin struct {
	db *storage.DB
}

func Open(db *storage.DB) *Bin {
	return &Bin{db: db}
}

func key(typeName string, pkey dataschema.Pkey) []byte {
	return storage.Key(namespace, typeName, string(pkey))
}

// Park moves an object into the trashbin with a deletion deadline
// retention after now.
func (b *Bin) Park(typeName string, obj *dataschema.Object, retention time.Duration, now time.Time) error {
	entry := Entry{
		Type:        typeName,
		Pkey:        string(obj.Pkey),
		RemotePkey:  string(obj.RemotePkey),
		Attrs:       obj.Attrs.Clone(),
		DeleteAfter: now.Add(retention),
	}
	return b.db.Put(key(typeName, obj.Pkey), entry)
}

// Restore removes pkey from the trashbin and returns its parked entry,
// used when a matching added arrives before expiry (spec.md §4.12: "no
// target add is called", only the local index changes).
func (b *Bin) Restore(typeName string, pkey dataschema.Pkey) (*Entry, bool, error) {
	entry, found, err := b.Get(typeName, pkey)
	if err != nil || !found {
		return nil, found, err
	}
	if err := b.db.Delete(key(typeName, pkey)); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (b *Bin) Get(typeName string, pkey dataschema.Pkey) (*Entry, bool, error) {
	var entry Entry
	found, err := b.db.Get(key(typeName, pkey), &entry)
	if err != nil || !found {
		return nil, found, err
	}
	return &entry, true, nil
}

// Expired lists every entry across every type whose DeleteAfter has
// passed as of now, the set the periodic sweep physically deletes.
func (b *Bin) Expired(now time.Time) ([]Entry, error) {
	var out []Entry
	err := b.db.IteratePrefix([]byte(namespace), func() any { return new(Entry) }, func(_ []byte, v any) error {
		entry := v.(*Entry)
		if !entry.DeleteAfter.After(now) {
			out = append(out, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Purge physically removes pkey's trashbin entry. No target handler is
// called here or by the sweep; the removal handler ran when the removed
// event was applied.
func (b *Bin) Purge(typeName string, pkey dataschema.Pkey) error {
	return b.db.Delete(key(typeName, pkey))
}

// DropType removes every trashbin entry for typeName, used by the
// evolver when the remote schema stops declaring a type.
func (b *Bin) DropType(typeName string) error {
	entries, err := b.allOfType(typeName)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.Purge(typeName, dataschema.Pkey(e.Pkey)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bin) allOfType(typeName string) ([]Entry, error) {
	var out []Entry
	prefix := storage.Key(namespace, typeName, "")
	err := b.db.IteratePrefix(prefix, func() any { return new(Entry) }, func(_ []byte, v any) error {
		out = append(out, *v.(*Entry))
		return nil
	})
	return out, err
}
