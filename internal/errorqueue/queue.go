// Package errorqueue implements the Consumer's per-(type, pkey) error
// queue with autoremediation (C12): badger-backed ordered lists of
// failed events, coalesced on arrival according to the configured
// autoremediation policy, and retried by a background task every
// errorQueue_retryInterval. Grounded on the same badger-backed ordered-
// list shape internal/producercache and internal/trashbin use, with the
// coalescing rules in autoremediation.go kept as pure functions over
// []QueuedEvent so they can be tested without any storage dependency.
package errorqueue

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
)

const namespace = "errorqueue"

// QueuedEvent wraps a bus.Event with the retry bookkeeping C12/§4.9
// context flags need: whether any attempt partially mutated the target,
// and how many steps have been attempted so far.
type QueuedEvent struct {
	Event                bus.Event `json:"event"`
	CurrentStep          int       `json:"current_step"`
	IsPartiallyProcessed bool      `json:"is_partially_processed"`
}

type Queue struct {
	db *storage.DB
}

func Open(db *storage.DB) *Queue {
	return &Queue{db: db}
}

func key(typeName string, pkey dataschema.Pkey) []byte {
	return storage.Key(namespace, typeName, string(pkey))
}

type entryList struct {
	Events []QueuedEvent `json:"events"`
}

func (q *Queue) load(typeName string, pkey dataschema.Pkey) (entryList, error) {
	var list entryList
	_, err := q.db.Get(key(typeName, pkey), &list)
	if err != nil {
		return entryList{}, fmt.Errorf("errorqueue: load %s/%s: %w", typeName, pkey, err)
	}
	return list, nil
}

func (q *Queue) save(typeName string, pkey dataschema.Pkey, list entryList) error {
	if len(list.Events) == 0 {
		return q.db.Delete(key(typeName, pkey))
	}
	return q.db.Put(key(typeName, pkey), list)
}

// Enqueue appends ev for (typeName, pkey), applying the configured
// autoremediation policy against whatever is already queued.
func (q *Queue) Enqueue(typeName string, pkey dataschema.Pkey, ev QueuedEvent, policy Policy) error {
	list, err := q.load(typeName, pkey)
	if err != nil {
		return err
	}
	list.Events = Coalesce(list.Events, ev, policy)
	return q.save(typeName, pkey, list)
}

// Head returns the first queued event for (typeName, pkey), the one a
// retry attempt re-submits, and whether any event is queued at all.
func (q *Queue) Head(typeName string, pkey dataschema.Pkey) (QueuedEvent, bool, error) {
	list, err := q.load(typeName, pkey)
	if err != nil {
		return QueuedEvent{}, false, err
	}
	if len(list.Events) == 0 {
		return QueuedEvent{}, false, nil
	}
	return list.Events[0], true, nil
}

// PopHead removes the first queued event after it has been successfully
// re-applied.
func (q *Queue) PopHead(typeName string, pkey dataschema.Pkey) error {
	list, err := q.load(typeName, pkey)
	if err != nil {
		return err
	}
	if len(list.Events) == 0 {
		return nil
	}
	list.Events = list.Events[1:]
	return q.save(typeName, pkey, list)
}

// MarkHeadPartiallyProcessed records that the head event's retry raised
// isPartiallyProcessed, so later coalescing on this key refuses to merge.
func (q *Queue) MarkHeadPartiallyProcessed(typeName string, pkey dataschema.Pkey) error {
	list, err := q.load(typeName, pkey)
	if err != nil {
		return err
	}
	if len(list.Events) == 0 {
		return nil
	}
	list.Events[0].IsPartiallyProcessed = true
	list.Events[0].CurrentStep++
	return q.save(typeName, pkey, list)
}

// DropAttr removes attr from the payload of every queued event of
// typeName, used by the schema evolver when the remote schema stops
// declaring an attribute — a retried event must never reintroduce an
// attribute the schema no longer knows.
func (q *Queue) DropAttr(typeName, attr string) error {
	pkeys, types, err := q.AllKeys()
	if err != nil {
		return err
	}
	for i, t := range types {
		if t != typeName {
			continue
		}
		pkey := pkeys[i]
		list, err := q.load(t, pkey)
		if err != nil {
			return err
		}
		changed := false
		for j := range list.Events {
			payload := decodePayload(list.Events[j].Event.Payload)
			if _, present := payload[attr]; !present {
				continue
			}
			delete(payload, attr)
			list.Events[j].Event.Payload = encodePayload(payload)
			changed = true
		}
		if changed {
			if err := q.save(t, pkey, list); err != nil {
				return err
			}
		}
	}
	return nil
}

// AllKeys lists every (type, pkey) with at least one queued event, used
// by the retry task to walk the queue. Keys come back in storage key
// order (type name, then pkey), not in the order their events arrived.
func (q *Queue) AllKeys() ([]dataschema.Pkey, []string, error) {
	var pkeys []dataschema.Pkey
	var types []string
	err := q.db.IteratePrefix([]byte(namespace), func() any { return new(entryList) }, func(k []byte, v any) error {
		list := v.(*entryList)
		if len(list.Events) == 0 {
			return nil
		}
		parts := splitKey(k)
		if len(parts) < 3 {
			return nil
		}
		types = append(types, parts[1])
		pkeys = append(pkeys, dataschema.Pkey(parts[2]))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("errorqueue: list keys: %w", err)
	}
	return pkeys, types, nil
}

func splitKey(k []byte) []string {
	var parts []string
	start := 0
	for i, b := range k {
		if b == '\x1f' {
			parts = append(parts, string(k[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, string(k[start:]))
	return parts
}
