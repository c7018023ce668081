// Package producer wires the Producer-side pipeline — C4 fetch through
// C8 commit hooks — into one per-tick cycle, the orchestration layer
// spec.md §5 describes as "one tick every updateInterval seconds:
// (fetch all sources in parallel...; join; merge; diff; publish)".
// Fetch fan-out uses golang.org/x/sync/errgroup the way SPEC_FULL.md's
// domain stack section grounds it, with each source's failure captured
// per-source rather than aborting the whole group, so one
// source_unavailable never stops its siblings (spec.md §7 propagation
// policy).
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/datasource"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/emitter"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/integrity"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/merge"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/projection"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/tracing"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// SourceHandle binds one dataschema.SourceBinding to a live driver and
// its compiled projection expressions, assembled once at startup from
// config by the cmd/hermes-producer wiring.
type SourceHandle struct {
	Binding  *dataschema.SourceBinding
	Driver   datasource.Driver
	Compiled *projection.CompiledSource
}

// TypeConstraints supplies the merge_constraints and integrity_constraints
// predicates for one type, compiled once from config at startup by the
// caller (the expression language is out of this package's scope).
type TypeConstraints struct {
	Merge     []merge.ConstraintPredicate
	Integrity []integrity.ConstraintPredicate
}

// CycleResult reports, per type, what happened during one tick — used
// for metrics and the mail-alert digest.
type CycleResult struct {
	Diagnostics []*herr.Diagnostic
	Outcomes    map[string][]emitter.Outcome // by type
}

// Engine is the assembled Producer: a schema, per-type source handles,
// constraint predicates, the persisted cache, the bus publisher, and a
// commit runner able to invoke a source's commit_one/commit_all.
type Engine struct {
	Schema      *dataschema.Schema
	Sources     map[string][]*SourceHandle // type name -> sources
	Constraints map[string]TypeConstraints
	Cache       *producercache.Cache
	Publisher   bus.Publisher
	Commits     emitter.CommitRunner
	Step        int64
	Registry    *projection.Registry
	CachedValues func(typeName string, pkey dataschema.Pkey) (value.AttrMap, bool)
}

// RunCycle executes one full tick: fetch+project every source in
// parallel, merge per type, evaluate cross-type integrity, diff against
// the persisted cache, and emit. Types are processed in declared order
// so emission order matches spec.md §4.5/§4.6; only the fetch+project
// stage is parallel across sources within this single tick.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	e.Step++
	ctx, span := tracing.Tracer("hermes.producer").Start(ctx, "cycle")
	span.SetAttributes(attribute.Int64("hermes.step", e.Step))
	defer span.End()

	result := CycleResult{Outcomes: make(map[string][]emitter.Outcome)}

	fetched := make(map[string][]merge.SourceResult, len(e.Schema.Forward()))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, typ := range e.Schema.Forward() {
		typ := typ
		for _, sh := range e.Sources[typ.Name] {
			sh := sh
			g.Go(func() error {
				sr, diag := fetchAndProject(gctx, typ, sh, e.Registry, e.CachedValues)
				mu.Lock()
				fetched[typ.Name] = append(fetched[typ.Name], sr)
				if diag != nil {
					result.Diagnostics = append(result.Diagnostics, diag)
				}
				mu.Unlock()
				return nil // source_unavailable never aborts the group
			})
		}
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("producer: fetch fan-out: %w", err)
	}

	snapshot := make(integrity.Snapshot, len(e.Schema.Forward()))
	for _, typ := range e.Schema.Forward() {
		cached, err := e.cachedObjects(typ.Name)
		if err != nil {
			return result, fmt.Errorf("producer: load cache %s: %w", typ.Name, err)
		}
		mr := merge.Merge(typ, sourcesInDeclOrder(typ, fetched[typ.Name]), cached, e.Constraints[typ.Name].Merge)
		result.Diagnostics = append(result.Diagnostics, mr.Diagnostics...)
		snapshot[typ.Name] = mr.Merged
	}

	predicatesByType := make(map[string][]integrity.ConstraintPredicate, len(e.Constraints))
	for name, c := range e.Constraints {
		predicatesByType[name] = c.Integrity
	}
	ir := integrity.Evaluate(e.Schema.Forward(), snapshot, predicatesByType)
	result.Diagnostics = append(result.Diagnostics, ir.Diagnostics...)

	for _, typ := range e.Schema.Forward() {
		old, err := e.Cache.All(typ.Name)
		if err != nil {
			return result, fmt.Errorf("producer: load old cache %s: %w", typ.Name, err)
		}
		sentAttrsOf := sentAttrsFunc(typ)
		changes := producercache.Diff(old, ir.Kept[typ.Name], sentAttrsOf, fkAttrNames(typ)...)
		if len(changes) == 0 {
			continue
		}

		kept := ir.Kept[typ.Name]
		toCache := kept
		if len(typ.Sources) > 0 {
			toCache = make(map[dataschema.Pkey]*dataschema.Object, len(kept))
			for k, obj := range kept {
				c := obj.Clone()
				c.Attrs = typ.Sources[0].CachedAttrs(obj.Attrs)
				toCache[k] = c
			}
		}
		outcomes := emitter.EmitType(ctx, e.Publisher, e.Commits, e.Cache, typ.Name, e.Schema.Revision, e.Step, typ.Sources, changes, toCache)
		result.Outcomes[typ.Name] = append(result.Outcomes[typ.Name], outcomes...)
	}

	return result, nil
}

// PublishSchema announces the full current schema as one schema_update
// event, the wire format cmd/hermes-consumer's DecodeSchema expects.
// Call this once at startup and again whenever the schema revision
// changes, before any data events reference the new revision — a
// consumer that sees a type it doesn't know yet parks the event for
// retry (spec.md §5) rather than erroring, but there's no reason to
// make every consumer wait out that retry interval on every restart.
func (e *Engine) PublishSchema(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		Revision int
		Types    []*dataschema.Type
	}{Revision: e.Schema.Revision, Types: e.Schema.Forward()})
	if err != nil {
		return fmt.Errorf("producer: encode schema_update: %w", err)
	}
	ev := bus.Event{
		Operation:      bus.OpSchemaUpdate,
		Payload:        payload,
		SchemaRevision: e.Schema.Revision,
		ProducerStep:   e.Step,
	}
	if err := e.Publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("producer: publish schema_update: %w", err)
	}
	return nil
}

func (e *Engine) cachedObjects(typeName string) (map[dataschema.Pkey]*dataschema.Object, error) {
	entries, err := e.Cache.All(typeName)
	if err != nil {
		return nil, err
	}
	out := make(map[dataschema.Pkey]*dataschema.Object, len(entries))
	for k, entry := range entries {
		out[k] = &dataschema.Object{Type: typeName, Pkey: k, RemotePkey: dataschema.Pkey(entry.RemotePkey), Attrs: entry.Attrs}
	}
	return out, nil
}

func fetchAndProject(ctx context.Context, typ *dataschema.Type, sh *SourceHandle, reg *projection.Registry, cachedValues func(string, dataschema.Pkey) (value.AttrMap, bool)) (merge.SourceResult, *herr.Diagnostic) {
	sr := merge.SourceResult{Source: sh.Binding, Rows: make(map[dataschema.Pkey]*dataschema.Object)}

	scan := func(raw datasource.Row) bool {
		row := projection.Row{Remote: raw}
		// best-effort cached-values lookup; pkey isn't known until after
		// projection, so the row is projected once to find its pkey and,
		// when cachedValues has an entry for that pkey, projected again
		// with those values bound.
		attrs, diag := projection.ProjectRow(sh.Compiled, sh.Binding, row, reg)
		if diag != nil {
			return true // skip this row, keep scanning (projection_error, per-row)
		}
		pkey := typ.PkeyOf(attrs)
		if cv, ok := cachedValues(typ.Name, pkey); ok {
			row.CachedValues = cv
			attrs, diag = projection.ProjectRow(sh.Compiled, sh.Binding, row, reg)
			if diag != nil {
				return true
			}
		}
		sr.Rows[pkey] = &dataschema.Object{Type: typ.Name, Pkey: pkey, RemotePkey: pkey, Attrs: attrs}
		return true
	}
	err := sh.Driver.Fetch(ctx, sh.Binding.FetchQuery, fetchVars(sh.Binding), scan)
	if err != nil {
		if rc, ok := sh.Driver.(datasource.Reconnector); ok {
			if rerr := rc.Reconnect(ctx); rerr == nil {
				sr.Rows = make(map[dataschema.Pkey]*dataschema.Object)
				if err = sh.Driver.Fetch(ctx, sh.Binding.FetchQuery, fetchVars(sh.Binding), scan); err == nil {
					return sr, nil
				}
			}
		}
		return sr, herr.New(herr.SourceUnavailable, err).WithCoords(typ.Name, "", sh.Binding.Name)
	}
	return sr, nil
}

func fetchVars(sb *dataschema.SourceBinding) datasource.Vars {
	v := make(datasource.Vars, len(sb.FetchVars))
	for k, val := range sb.FetchVars {
		v[k] = val
	}
	return v
}

func sourcesInDeclOrder(typ *dataschema.Type, results []merge.SourceResult) []merge.SourceResult {
	byName := make(map[string]merge.SourceResult, len(results))
	for _, r := range results {
		byName[r.Source.Name] = r
	}
	out := make([]merge.SourceResult, 0, len(typ.Sources))
	for _, sb := range typ.Sources {
		if r, ok := byName[sb.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// fkAttrNames lists a type's declared foreign-key attributes, so a
// removed object's values for them can be carried on its event (spec.md
// §6's fkeys field) after the cache entry they came from is dropped.
func fkAttrNames(typ *dataschema.Type) []string {
	names := make([]string, 0, len(typ.ForeignKeys))
	for attr := range typ.ForeignKeys {
		names = append(names, attr)
	}
	return names
}

// sentAttrsFunc builds the producercache.Diff callback that reduces an Object's
// full attribute set to the subset actually transmitted downstream. A
// type's sources are expected to agree on classification for any
// attribute they share, so the first bound source is authoritative.
func sentAttrsFunc(typ *dataschema.Type) func(*dataschema.Object) value.AttrMap {
	return func(obj *dataschema.Object) value.AttrMap {
		if len(typ.Sources) == 0 {
			return obj.Attrs.Clone()
		}
		return typ.Sources[0].SentAttrs(obj.Attrs)
	}
}
