// Package consumer wires the Consumer-side pipeline — C10 schema
// evolution through C15 initial sync — into the three cooperative
// tasks spec.md §5 describes: the main apply loop that fetches events
// off the bus in order, a periodic error-queue retry task, and a
// periodic trashbin purge task. All three share one badger-backed
// state (consumercache, errorqueue, trashbin) but run on independent
// tickers so a slow retry backlog never stalls new event consumption,
// the same separation the teacher draws between its ingest loop and
// its background compaction goroutine.
package consumer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/evolver"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/initsync"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/tracing"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
)

// DecodeSchema turns a schema_update event's payload into a dataschema.Schema.
// Wire encoding of a schema announcement is a config/producer concern,
// so the caller supplies this rather than this package owning it.
type DecodeSchema func(payload []byte) (*dataschema.Schema, error)

// AlertFunc is invoked for a fatal, non-retryable outcome — the C17
// mail-alerting hook. A nil AlertFunc silently drops the event after
// logging, same as the Python base plugin's "does nothing but logging".
type AlertFunc func(ev bus.Event, diag *herr.Diagnostic)

// Engine is the assembled Consumer.
type Engine struct {
	Schema *dataschema.Schema

	Bus     bus.Consumer
	Scanner initsync.Scanner // only needed for the cold-start scan

	Cache  *consumercache.Cache
	Queue  *errorqueue.Queue
	Bin    *trashbin.Bin
	Targets *target.Registry

	FKPolicy        fkpolicy.Policy
	Autoremediation errorqueue.Policy
	RelationLookup  consumercache.RelationLookup
	Retention       func(typeName string) time.Duration

	DecodeSchema         DecodeSchema
	RemotePkeyStable     func(typeName string) bool
	Alert                AlertFunc
	OnSaveHooks          []func() error // e.g. flatfile.Target.OnSave, run once per apply

	cursor     *initsync.Cursor
	busBackoff *rate.Limiter
}

// busRetryInterval is the fixed backoff between bus reconnect attempts
// (spec.md §5 "Bus connect failures back off to a fixed 60-second retry").
const busRetryInterval = 60 * time.Second

// ColdStart locates the most recent initsync_begin/initsync_end marker
// pair (or the first one, if useFirstInitsyncSequence is set) and
// arms the engine's initsync cursor, per spec.md §4.13. Call this once,
// before Run, only when the consumer starts with no local cache.
func (e *Engine) ColdStart(ctx context.Context, useFirstInitsyncSequence bool) error {
	seq, err := initsync.FindSequence(ctx, e.Scanner, useFirstInitsyncSequence)
	if err != nil {
		return fmt.Errorf("consumer: initsync scan: %w", err)
	}
	e.cursor = initsync.NewCursor(seq)
	return nil
}

// Run is the main apply loop: fetch the next event, route schema
// updates through the evolver, route data events through the applier,
// and commit the offset once the event has been durably applied or
// enqueued. A failed fetch is bus_unavailable: transient, retried on
// the fixed 60s backoff with no state advanced. Run returns only on
// ctx cancellation or a fatal apply/storage error.
func (e *Engine) Run(ctx context.Context) error {
	// burst 1 so the first fetch never waits; only failures pace.
	e.busBackoff = rate.NewLimiter(rate.Every(busRetryInterval), 1)

	for {
		ev, err := e.Bus.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.busBackoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		if err := e.handleEvent(ctx, ev); err != nil {
			return err
		}

		if err := e.Bus.Commit(ctx, ev); err != nil {
			return fmt.Errorf("consumer: commit offset %d: %w", ev.Offset, err)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev bus.Event) error {
	inWindow := false
	if e.cursor != nil {
		inWindow = e.cursor.Observe(ev)
	}

	switch ev.Operation {
	case bus.OpSchemaUpdate:
		return e.applySchemaUpdate(ev)
	case bus.OpInitsyncBegin, bus.OpInitsyncEnd:
		return nil
	}

	typ, ok := e.Schema.Type(ev.Type)
	if !ok {
		// schema_update for this type hasn't arrived yet; nothing sane
		// to apply against, so park the event for a later retry rather
		// than drop it silently.
		return e.enqueue(ev, false)
	}

	authoritative := initsync.IsAuthoritativeAdd(ev, inWindow)
	if !authoritative {
		if _, pending, err := e.Queue.Head(ev.Type, ev.Pkey); err != nil {
			return fmt.Errorf("consumer: error queue head %s/%s: %w", ev.Type, ev.Pkey, err)
		} else if pending {
			return e.enqueue(ev, false)
		}
	}

	return e.apply(ctx, typ, ev, false, false)
}

func (e *Engine) applySchemaUpdate(ev bus.Event) error {
	newSchema, err := e.DecodeSchema(ev.Payload)
	if err != nil {
		return fmt.Errorf("consumer: decode schema_update: %w", err)
	}
	plan := evolver.Compute(e.Schema, newSchema, e.RemotePkeyStable)
	if err := evolver.Apply(plan, e.Cache, e.Queue, e.Bin); err != nil {
		return fmt.Errorf("consumer: apply evolver plan: %w", err)
	}
	e.Schema = newSchema
	return nil
}

// apply runs one event through consumercache.Apply and decides the
// error-queue fate of a non-OK outcome. isRetry/partiallyProcessed seed
// the ApplyContext for a retried event out of the error queue.
func (e *Engine) apply(ctx context.Context, typ *dataschema.Type, ev bus.Event, isRetry, partiallyProcessed bool) error {
	_, span := tracing.Tracer("hermes.consumer").Start(ctx, "apply")
	span.SetAttributes(
		attribute.String("hermes.type", ev.Type),
		attribute.String("hermes.operation", string(ev.Operation)),
		attribute.Bool("hermes.retry", isRetry),
	)
	defer span.End()

	applyCtx := target.NewApplyContext(isRetry)
	if partiallyProcessed {
		applyCtx.MarkPartiallyProcessed()
	}

	retention := time.Duration(0)
	if e.Retention != nil {
		retention = e.Retention(typ.Name)
	}

	outcome, err := e.Cache.Apply(applyCtx, typ, ev, e.FKPolicy, e.RelationLookup, e.Targets, e.Bin, retention)
	if err != nil {
		return fmt.Errorf("consumer: apply %s/%s: %w", ev.Type, ev.Pkey, err)
	}

	if outcome.Blocked {
		return e.enqueue(ev, false)
	}

	if outcome.Result.IsOK() {
		e.runSaveHooks()
		if isRetry {
			return e.Queue.PopHead(ev.Type, ev.Pkey)
		}
		return nil
	}

	if outcome.Result.Kind == herr.Fatal {
		if e.Alert != nil {
			e.Alert(ev, outcome.Result.Diagnostic)
		}
		if isRetry {
			return e.Queue.PopHead(ev.Type, ev.Pkey)
		}
		return nil
	}

	// Retryable (or Skip, treated the same as retryable: try again later).
	if isRetry {
		if outcome.IsPartiallyProcessed {
			return e.Queue.MarkHeadPartiallyProcessed(ev.Type, ev.Pkey)
		}
		return nil
	}
	return e.enqueue(ev, outcome.IsPartiallyProcessed)
}

func (e *Engine) enqueue(ev bus.Event, partiallyProcessed bool) error {
	return e.Queue.Enqueue(ev.Type, ev.Pkey, errorqueue.QueuedEvent{
		Event:                ev,
		IsPartiallyProcessed: partiallyProcessed,
	}, e.Autoremediation)
}

func (e *Engine) runSaveHooks() {
	for _, hook := range e.OnSaveHooks {
		_ = hook()
	}
}

// RunRetryTask retries the head event of every (type, pkey) with a
// pending error, once per interval, until ctx is cancelled. A
// successful retry pops the head so the next queued event (if any)
// becomes eligible on the following tick.
func (e *Engine) RunRetryTask(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.retryOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) retryOnce(ctx context.Context) error {
	pkeys, types, err := e.Queue.AllKeys()
	if err != nil {
		return fmt.Errorf("consumer: list error queue keys: %w", err)
	}
	for i, typeName := range types {
		pkey := pkeys[i]
		head, pending, err := e.Queue.Head(typeName, pkey)
		if err != nil {
			return fmt.Errorf("consumer: retry head %s/%s: %w", typeName, pkey, err)
		}
		if !pending {
			continue
		}
		typ, ok := e.Schema.Type(typeName)
		if !ok {
			continue
		}
		if err := e.apply(ctx, typ, head.Event, true, head.IsPartiallyProcessed); err != nil {
			return err
		}
	}
	return nil
}

// RunPurgeTask physically deletes trashbin entries whose retention
// window has elapsed, once per interval, until ctx is cancelled. The
// target was already told about the removal at apply time (spec.md
// §4.12); purging only drops the parked local copy.
func (e *Engine) RunPurgeTask(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.purgeOnce(); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) purgeOnce() error {
	expired, err := e.Bin.Expired(time.Now())
	if err != nil {
		return fmt.Errorf("consumer: list expired trashbin entries: %w", err)
	}
	for _, entry := range expired {
		if err := e.Bin.Purge(entry.Type, dataschema.Pkey(entry.Pkey)); err != nil {
			return fmt.Errorf("consumer: purge %s/%s: %w", entry.Type, entry.Pkey, err)
		}
	}
	return nil
}
