// Package emitter implements the Producer's event emission and commit
// hook orchestration (C8): publishing each producercache.Change in stable order,
// then invoking the bound source's commit_one/commit_all operations.
// The commit hooks themselves are just another datasource.Driver.Add
// call under the hood (a templated query against the source), so this
// package depends only on a small CommitRunner seam rather than the
// datasource or projection packages directly, the same inversion the
// teacher uses between its policy engine and the accumulator it drives.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producercache"
)

// CommitRunner executes a source's commit_one/commit_all operation.
// Implemented by the producer package, which has the live datasource
// driver and projection scope available.
type CommitRunner interface {
	CommitOne(ctx context.Context, source *dataschema.SourceBinding, change producercache.Change) error
	CommitAll(ctx context.Context, source *dataschema.SourceBinding) error
}

// CacheWriter is the subset of producercache.Cache the emitter needs to
// apply a change once its event has been published and committed.
type CacheWriter interface {
	Put(typeName string, revision int, obj *dataschema.Object) error
	Remove(typeName string, pkey dataschema.Pkey) error
}

// Outcome reports, per change, whether publish+commit succeeded, so the
// caller can decide whether to alert on a source.
type Outcome struct {
	Change      producercache.Change
	Published   bool
	CommitOneOK bool
	Diagnostic  *herr.Diagnostic
}

// EmitType publishes every change for one type exactly once, in the
// Added-Modified-Removed stable order producercache.Diff already produced. After
// each acknowledged publish, commit_one runs for every source bound to
// the type (source declaration order); the cache only advances when all
// of them succeed, since a failed commit_one marks its source for
// alerting without retracting the already-published event (spec.md
// §4.6). commit_all runs once per source at the end of the type's
// emission, never once per change.
func EmitType(ctx context.Context, pub bus.Publisher, runner CommitRunner, cache CacheWriter, typeName string, revision int, step int64, sources []*dataschema.SourceBinding, changes []producercache.Change, objects map[dataschema.Pkey]*dataschema.Object) []Outcome {
	outcomes := make([]Outcome, 0, len(changes))

	for _, ch := range changes {
		ev, err := toEvent(typeName, revision, step, ch)
		if err != nil {
			outcomes = append(outcomes, Outcome{Change: ch, Diagnostic: herr.New(herr.BusUnavailable, err).WithCoords(typeName, string(ch.Pkey), "")})
			continue
		}

		if err := pub.Publish(ctx, ev); err != nil {
			outcomes = append(outcomes, Outcome{Change: ch, Diagnostic: herr.New(herr.BusUnavailable, err).WithCoords(typeName, string(ch.Pkey), "")})
			continue
		}

		out := Outcome{Change: ch, Published: true, CommitOneOK: true}
		for _, source := range sources {
			if err := runner.CommitOne(ctx, source, ch); err != nil {
				out.CommitOneOK = false
				out.Diagnostic = herr.New(herr.SourceUnavailable, fmt.Errorf("commit_one: %w", err)).WithCoords(typeName, string(ch.Pkey), source.Name)
			}
		}
		if out.CommitOneOK {
			applyToCache(cache, typeName, revision, ch, objects)
		}

		outcomes = append(outcomes, out)
	}

	for _, source := range sources {
		if err := runner.CommitAll(ctx, source); err != nil {
			outcomes = append(outcomes, Outcome{Diagnostic: herr.New(herr.SourceUnavailable, fmt.Errorf("commit_all: %w", err)).WithCoords(typeName, "", source.Name)})
		}
	}

	return outcomes
}

func applyToCache(cache CacheWriter, typeName string, revision int, ch producercache.Change, objects map[dataschema.Pkey]*dataschema.Object) {
	switch ch.Kind {
	case producercache.Added, producercache.Modified:
		if obj, ok := objects[ch.Pkey]; ok {
			_ = cache.Put(typeName, revision, obj)
		}
	case producercache.Removed:
		_ = cache.Remove(typeName, ch.Pkey)
	}
}

func toEvent(typeName string, revision int, step int64, ch producercache.Change) (bus.Event, error) {
	op, err := operationOf(ch.Kind)
	if err != nil {
		return bus.Event{}, err
	}
	payload, err := json.Marshal(ch.Attrs)
	if err != nil {
		return bus.Event{}, fmt.Errorf("emitter: encode payload: %w", err)
	}
	ev := bus.Event{
		Type:           typeName,
		Pkey:           ch.Pkey,
		Operation:      op,
		Payload:        payload,
		SchemaRevision: revision,
		ProducerStep:   step,
	}
	if ch.Kind == producercache.Removed && len(ch.FKAttrs) > 0 {
		fkeys, err := json.Marshal(ch.FKAttrs)
		if err != nil {
			return bus.Event{}, fmt.Errorf("emitter: encode fkeys: %w", err)
		}
		ev.FKeys = fkeys
	}
	return ev, nil
}

func operationOf(k producercache.ChangeKind) (bus.Operation, error) {
	switch k {
	case producercache.Added:
		return bus.OpAdded, nil
	case producercache.Modified:
		return bus.OpModified, nil
	case producercache.Removed:
		return bus.OpRemoved, nil
	default:
		return "", fmt.Errorf("emitter: unknown change kind %q", k)
	}
}
