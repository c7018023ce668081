package evolver

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Apply mutates the consumer cache, error queue, and trashbin in place
// per spec.md §4.8: removed types drop everything (including trashbin
// and queued errors) of that type; removed attributes are dropped from
// every cached object and every queued error event; renamed primary
// keys migrate the cache index without any client-visible event. Added
// types/attrs require no mutation — absence until a future event
// populates them is already the correct state.
func Apply(plan Plan, cache *consumercache.Cache, queue *errorqueue.Queue, bin *trashbin.Bin) error {
	for _, typeName := range plan.RemovedTypes {
		if err := cache.DropType(typeName); err != nil {
			return fmt.Errorf("evolver: drop type %s from cache: %w", typeName, err)
		}
		if err := bin.DropType(typeName); err != nil {
			return fmt.Errorf("evolver: drop type %s from trashbin: %w", typeName, err)
		}
		if err := drainQueueForType(queue, typeName); err != nil {
			return fmt.Errorf("evolver: drop queued errors for type %s: %w", typeName, err)
		}
	}

	for typeName, attrs := range plan.RemovedAttrs {
		for _, attr := range attrs {
			if err := cache.DropAttr(typeName, attr); err != nil {
				return fmt.Errorf("evolver: drop attr %s.%s: %w", typeName, attr, err)
			}
			if err := queue.DropAttr(typeName, attr); err != nil {
				return fmt.Errorf("evolver: drop attr %s.%s from error queue: %w", typeName, attr, err)
			}
		}
	}

	for _, rename := range plan.RenamedPrimaryKeys {
		if err := migratePkeyIndex(cache, rename); err != nil {
			return fmt.Errorf("evolver: migrate pkey of %s: %w", rename.Type, err)
		}
	}

	return nil
}

// migratePkeyIndex re-keys every cached entry of rename.Type under the
// pkey its After attributes compute, preserving RemotePkey — the stable
// identity the rename is detected by in the first place. A composite
// pkey change propagates this way as one migrated object, never as an
// add+remove pair. Queued error events keep their arrival pkey; they
// carry their own payloads and drain against the pkey they failed under.
func migratePkeyIndex(cache *consumercache.Cache, rename PkeyRename) error {
	all, err := cache.All(rename.Type)
	if err != nil {
		return err
	}
	for oldPkey, entry := range all {
		newPkey := pkeyFromAttrs(entry.Attrs, rename.After)
		if newPkey == oldPkey {
			continue
		}
		if err := cache.Insert(rename.Type, newPkey, dataschema.Pkey(entry.RemotePkey), entry.SchemaRevision, entry.Attrs); err != nil {
			return err
		}
		if err := cache.Remove(rename.Type, oldPkey); err != nil {
			return err
		}
	}
	return nil
}

func pkeyFromAttrs(attrs value.AttrMap, keyAttrs []string) dataschema.Pkey {
	parts := make([]value.Value, len(keyAttrs))
	for i, attr := range keyAttrs {
		parts[i] = attrs[attr]
	}
	return dataschema.MakePkey(parts...)
}

func drainQueueForType(queue *errorqueue.Queue, typeName string) error {
	pkeys, types, err := queue.AllKeys()
	if err != nil {
		return err
	}
	for i, t := range types {
		if t != typeName {
			continue
		}
		pkey := dataschema.Pkey(pkeys[i])
		for {
			_, found, err := queue.Head(t, pkey)
			if err != nil {
				return err
			}
			if !found {
				break
			}
			if err := queue.PopHead(t, pkey); err != nil {
				return err
			}
		}
	}
	return nil
}
