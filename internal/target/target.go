// Package target defines the client plugin contract from spec.md §6: a
// plugin exposes handlers keyed by (type, operation), receives the event
// plus a mutable ApplyContext, and answers with a typed herr.Outcome.
// The Registry mirrors the Python GenericClient dispatch table — an
// unbound (type, operation) pair is a successful no-op, not an error,
// so a datamodel can declare more types than a given target cares about.
package target

import (
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
)

// ApplyContext carries the two per-invocation flags spec.md §4.9 gives a
// handler: whether this invocation is a retry out of the error queue, and
// the mutable partially-processed flag the handler raises after its first
// non-idempotent mutation on the target. The flag is what autoremediation
// later consults to decide whether coalescing the failed event with its
// successors is still safe.
type ApplyContext struct {
	isAnErrorRetry       bool
	isPartiallyProcessed bool
}

func NewApplyContext(isRetry bool) *ApplyContext {
	return &ApplyContext{isAnErrorRetry: isRetry}
}

// IsAnErrorRetry reports whether the handler is being re-invoked from the
// error queue rather than from the live apply loop.
func (c *ApplyContext) IsAnErrorRetry() bool { return c.isAnErrorRetry }

// MarkPartiallyProcessed is called by a handler once it has performed a
// mutation on the target that a retry could not safely repeat from
// scratch. It is one-way; there is no unmark.
func (c *ApplyContext) MarkPartiallyProcessed() { c.isPartiallyProcessed = true }

func (c *ApplyContext) IsPartiallyProcessed() bool { return c.isPartiallyProcessed }

// Handler applies one event to a target. Implementations must not mutate
// the consumer cache themselves; the applier does that after a successful
// return, so a Removed handler can still read the cached object.
type Handler interface {
	Apply(ctx *ApplyContext, typ *dataschema.Type, ev bus.Event) herr.Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *ApplyContext, typ *dataschema.Type, ev bus.Event) herr.Outcome

func (f HandlerFunc) Apply(ctx *ApplyContext, typ *dataschema.Type, ev bus.Event) herr.Outcome {
	return f(ctx, typ, ev)
}

type binding struct {
	typeName string
	op       bus.Operation
}

// Registry is the (type, operation) dispatch table a target plugin
// registers its handlers into. It satisfies Handler itself, so the
// consumer engine can treat the whole plugin as one handler.
type Registry struct {
	handlers map[binding]HandlerFunc
	onSave   []func() error
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[binding]HandlerFunc)}
}

// Bind registers fn for (typeName, op). A later Bind for the same pair
// replaces the earlier one.
func (r *Registry) Bind(typeName string, op bus.Operation, fn HandlerFunc) {
	r.handlers[binding{typeName: typeName, op: op}] = fn
}

// OnSave registers a batching hook, run once after every successful
// apply. This is the on_save moment the flatfile plugin uses to rewrite
// only the files whose inputs changed during the event.
func (r *Registry) OnSave(hook func() error) {
	r.onSave = append(r.onSave, hook)
}

// OnSaveHooks returns the registered hooks in registration order.
func (r *Registry) OnSaveHooks() []func() error { return r.onSave }

// Apply dispatches to the bound handler, or reports success when no
// handler is bound for the event's (type, operation).
func (r *Registry) Apply(ctx *ApplyContext, typ *dataschema.Type, ev bus.Event) herr.Outcome {
	fn, ok := r.handlers[binding{typeName: ev.Type, op: ev.Operation}]
	if !ok {
		return herr.Ok()
	}
	return fn(ctx, typ, ev)
}
