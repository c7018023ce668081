package consumercache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// RelationLookup resolves the foreign-key error state for one event,
// supplied by the caller (internal/consumer), which has the live error
// queue and schema available.
type RelationLookup func(typ *dataschema.Type, ev bus.Event) fkpolicy.RelationState

// ApplyOutcome is what Apply reports back to the caller so it can
// decide whether to enqueue into the error queue.
type ApplyOutcome struct {
	Blocked              bool
	Result               herr.Outcome
	IsPartiallyProcessed bool
}

// Apply runs one dequeued event through steps 2-4 of spec.md §4.9 (step
// 1, schema evolution, is the caller's responsibility since it spans
// every in-flight package). fkPolicy/lookup decide blocking; handler is
// the bound target; when bin is nil or retention is not positive, a
// removed object is deleted from the cache immediately instead of being
// parked in the trashbin.
func (c *Cache) Apply(ctx *target.ApplyContext, typ *dataschema.Type, ev bus.Event, fkPolicy fkpolicy.Policy, lookup RelationLookup, handler target.Handler, bin *trashbin.Bin, retention time.Duration) (ApplyOutcome, error) {
	state := lookup(typ, ev)
	if fkpolicy.ShouldBlock(fkPolicy, ev, state) {
		return ApplyOutcome{Blocked: true}, nil
	}

	// An added for a pkey still parked in the trashbin is a local
	// modified+restore (spec.md §4.12): the target already holds the
	// object, so its add handler must never run for it.
	if ev.Operation == bus.OpAdded && bin != nil {
		if _, parked, err := bin.Get(typ.Name, ev.Pkey); err != nil {
			return ApplyOutcome{}, fmt.Errorf("consumercache: peek trashbin %s/%s: %w", typ.Name, ev.Pkey, err)
		} else if parked {
			if err := c.restoreFromTrashbin(typ.Name, ev, bin); err != nil {
				return ApplyOutcome{}, fmt.Errorf("consumercache: restore %s/%s: %w", typ.Name, ev.Pkey, err)
			}
			return ApplyOutcome{Result: herr.Ok()}, nil
		}
	}

	result := handler.Apply(ctx, typ, ev)
	outcome := ApplyOutcome{Result: result, IsPartiallyProcessed: ctx.IsPartiallyProcessed()}
	if !result.IsOK() {
		return outcome, nil
	}

	if err := c.applyToCache(typ.Name, ev, bin, retention); err != nil {
		return outcome, fmt.Errorf("consumercache: apply to cache: %w", err)
	}
	return outcome, nil
}

// restoreFromTrashbin pulls the parked object back into the live cache
// and overlays the event's attributes on top of it, with no target
// invocation of any kind.
func (c *Cache) restoreFromTrashbin(typeName string, ev bus.Event, bin *trashbin.Bin) error {
	restored, found, err := bin.Restore(typeName, ev.Pkey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	merged := restored.Attrs.Clone()
	if len(ev.Payload) > 0 {
		var attrs value.AttrMap
		if err := json.Unmarshal(ev.Payload, &attrs); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		for k, v := range attrs {
			merged[k] = v
		}
	}
	return c.Insert(typeName, ev.Pkey, dataschema.Pkey(restored.RemotePkey), ev.SchemaRevision, merged)
}

func (c *Cache) applyToCache(typeName string, ev bus.Event, bin *trashbin.Bin, retention time.Duration) error {
	var attrs value.AttrMap
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &attrs); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	switch ev.Operation {
	case bus.OpAdded:
		return c.Insert(typeName, ev.Pkey, ev.Pkey, ev.SchemaRevision, attrs)

	case bus.OpModified:
		return c.MergeAttrs(typeName, ev.Pkey, ev.SchemaRevision, attrs)

	case bus.OpRemoved:
		if retention <= 0 || bin == nil {
			return c.Remove(typeName, ev.Pkey)
		}
		entry, found, err := c.Get(typeName, ev.Pkey)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		obj := &dataschema.Object{Type: typeName, Pkey: ev.Pkey, RemotePkey: dataschema.Pkey(entry.RemotePkey), Attrs: entry.Attrs}
		if err := bin.Park(typeName, obj, retention, time.Now()); err != nil {
			return err
		}
		return c.Remove(typeName, ev.Pkey)
	}
	return nil
}
