package fkpolicy

import (
	"encoding/json"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// QueueReader is the subset of *errorqueue.Queue the relation lookup
// needs: whether a (type, pkey) currently has a pending error, and the
// full set of pending keys to search for children of a removed parent.
// *errorqueue.Queue satisfies this directly; declared as an interface
// here only so tests can fake the queue without badger storage.
type QueueReader interface {
	Head(typeName string, pkey dataschema.Pkey) (event errorqueue.QueuedEvent, pending bool, err error)
	AllKeys() (pkeys []dataschema.Pkey, types []string, err error)
}

// NewLookup builds the consumercache.RelationLookup-shaped function (see
// internal/consumercache.RelationLookup) from a schema's declared
// foreign keys and the live error queue, so the blocking decision always
// reflects the queue's current contents rather than a snapshot taken at
// schema-evolution time.
func NewLookup(schema *dataschema.Schema, queue QueueReader) func(typ *dataschema.Type, ev bus.Event) RelationState {
	childrenOf := indexChildren(schema)

	return func(typ *dataschema.Type, ev bus.Event) RelationState {
		return RelationState{
			ParentHasPendingErrors:   anyParentErrors(typ, ev, queue),
			AnyChildHasPendingErrors: anyChildErrors(typ, ev, childrenOf, queue),
		}
	}
}

// indexChildren maps a parent type name to the (childType, fkAttr)
// pairs of every type declaring a foreign key to it, so
// anyChildErrors doesn't re-scan the whole schema per event.
func indexChildren(schema *dataschema.Schema) map[string][]childRef {
	out := make(map[string][]childRef)
	for _, t := range schema.Forward() {
		for attr, fk := range t.ForeignKeys {
			out[fk.ParentType] = append(out[fk.ParentType], childRef{ChildType: t.Name, FKAttr: attr})
		}
	}
	return out
}

type childRef struct {
	ChildType string
	FKAttr    string
}

func anyParentErrors(typ *dataschema.Type, ev bus.Event, queue QueueReader) bool {
	if len(typ.ForeignKeys) == 0 {
		return false
	}
	attrs, ok := eventFKValues(ev)
	if !ok {
		return false
	}
	for _, fk := range typ.ForeignKeys {
		v, ok := attrs[fk.Attr]
		if !ok {
			continue
		}
		parentPkey := dataschema.Pkey(v.String())
		if _, pending, err := queue.Head(fk.ParentType, parentPkey); err == nil && pending {
			return true
		}
	}
	return false
}

func anyChildErrors(typ *dataschema.Type, ev bus.Event, childrenOf map[string][]childRef, queue QueueReader) bool {
	refs := childrenOf[typ.Name]
	if len(refs) == 0 {
		return false
	}
	childTypeSet := make(map[string]bool, len(refs))
	for _, r := range refs {
		childTypeSet[r.ChildType] = true
	}

	pkeys, types, err := queue.AllKeys()
	if err != nil {
		return false
	}
	for i, childType := range types {
		if !childTypeSet[childType] {
			continue
		}
		head, pending, err := queue.Head(childType, pkeys[i])
		if err != nil || !pending {
			continue
		}
		attrs, ok := eventFKValues(head.Event)
		if !ok {
			continue
		}
		for _, r := range refs {
			if r.ChildType != childType {
				continue
			}
			if v, ok := attrs[r.FKAttr]; ok && dataschema.Pkey(v.String()) == ev.Pkey {
				return true
			}
		}
	}
	return false
}

// eventFKValues decodes the attribute bag an event carries that a
// foreign-key attribute could be found in: Payload for added/modified
// (the attrs actually sent), FKeys for removed (spec.md §6's
// "fkeys (for removed, carrying values of foreign-key attributes at the
// moment of removal)").
func eventFKValues(ev bus.Event) (value.AttrMap, bool) {
	raw := ev.Payload
	if ev.Operation == bus.OpRemoved {
		raw = ev.FKeys
	}
	if len(raw) == 0 {
		return nil, false
	}
	var attrs value.AttrMap
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, false
	}
	return attrs, true
}
