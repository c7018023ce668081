package consumer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumer"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// scriptedBus serves a fixed event sequence, then cancels the run.
type scriptedBus struct {
	events    []bus.Event
	next      int
	committed []int64
	cancel    context.CancelFunc
}

func (b *scriptedBus) Fetch(ctx context.Context) (bus.Event, error) {
	if b.next >= len(b.events) {
		b.cancel()
		return bus.Event{}, context.Canceled
	}
	ev := b.events[b.next]
	b.next++
	return ev, nil
}

func (b *scriptedBus) Commit(_ context.Context, ev bus.Event) error {
	b.committed = append(b.committed, ev.Offset)
	return nil
}

func (b *scriptedBus) Seek(context.Context, int64) error { return nil }
func (b *scriptedBus) Close() error                      { return nil }

func testSchema(t *testing.T) *dataschema.Schema {
	t.Helper()
	s, err := dataschema.New(1, []*dataschema.Type{
		{Name: "Users", PrimaryKey: []string{"uid"}},
	})
	require.NoError(t, err)
	return s
}

func testEvent(t *testing.T, offset int64, op bus.Operation, pkey dataschema.Pkey, attrs value.AttrMap) bus.Event {
	t.Helper()
	ev := bus.Event{Offset: offset, Type: "Users", Pkey: pkey, Operation: op, SchemaRevision: 1, ProducerStep: offset}
	if attrs != nil {
		payload, err := json.Marshal(attrs)
		require.NoError(t, err)
		ev.Payload = payload
	}
	return ev
}

type engineParts struct {
	engine *consumer.Engine
	bus    *scriptedBus
	cache  *consumercache.Cache
	queue  *errorqueue.Queue
}

func newEngine(t *testing.T, handler target.HandlerFunc, events ...bus.Event) (engineParts, context.Context) {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sb := &scriptedBus{events: events, cancel: cancel}

	schema := testSchema(t)
	cache := consumercache.Open(db)
	queue := errorqueue.Open(db)
	bin := trashbin.Open(db)

	targets := target.NewRegistry()
	for _, op := range []bus.Operation{bus.OpAdded, bus.OpModified, bus.OpRemoved} {
		targets.Bind("Users", op, handler)
	}

	engine := &consumer.Engine{
		Schema:          schema,
		Bus:             sb,
		Cache:           cache,
		Queue:           queue,
		Bin:             bin,
		Targets:         targets,
		FKPolicy:        fkpolicy.Disabled,
		Autoremediation: errorqueue.Disabled,
		RelationLookup:  fkpolicy.NewLookup(schema, queue),
	}
	return engineParts{engine: engine, bus: sb, cache: cache, queue: queue}, ctx
}

func TestRunAppliesEventsAndCommitsOffsets(t *testing.T) {
	parts, ctx := newEngine(t,
		func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome { return herr.Ok() },
		testEvent(t, 1, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")}),
		testEvent(t, 2, bus.OpModified, "u1", value.AttrMap{"mail": value.String("a@x")}),
	)

	require.NoError(t, parts.engine.Run(ctx))
	require.Equal(t, []int64{1, 2}, parts.bus.committed)

	entry, found, err := parts.cache.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.String("a@x"), entry.Attrs["mail"])
}

func TestRunEnqueuesRetryableAndStillCommitsOffset(t *testing.T) {
	parts, ctx := newEngine(t,
		func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
			return herr.RetryableWith(herr.New(herr.ApplyRetryable, nil))
		},
		testEvent(t, 1, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")}),
	)

	require.NoError(t, parts.engine.Run(ctx))
	// offset committed: the event is durably parked, not lost
	require.Equal(t, []int64{1}, parts.bus.committed)

	head, pending, err := parts.queue.Head("Users", "u1")
	require.NoError(t, err)
	require.True(t, pending)
	require.Equal(t, bus.OpAdded, head.Event.Operation)

	_, found, err := parts.cache.Get("Users", "u1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunParksLaterEventsBehindPendingErrors(t *testing.T) {
	calls := 0
	parts, ctx := newEngine(t,
		func(_ *target.ApplyContext, _ *dataschema.Type, ev bus.Event) herr.Outcome {
			calls++
			return herr.RetryableWith(herr.New(herr.ApplyRetryable, nil))
		},
		testEvent(t, 1, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")}),
		testEvent(t, 2, bus.OpModified, "u1", value.AttrMap{"mail": value.String("a@x")}),
	)

	require.NoError(t, parts.engine.Run(ctx))
	// the second event never reaches the target: its pkey already has a
	// pending error, so it queues behind the first in arrival order
	require.Equal(t, 1, calls)
}

func TestRunFatalOutcomeAlertsAndDrops(t *testing.T) {
	var alerted []bus.Event
	parts, ctx := newEngine(t,
		func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
			return herr.FatalWith(herr.New(herr.ApplyFatal, nil))
		},
		testEvent(t, 1, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")}),
	)
	parts.engine.Alert = func(ev bus.Event, _ *herr.Diagnostic) { alerted = append(alerted, ev) }

	require.NoError(t, parts.engine.Run(ctx))
	require.Len(t, alerted, 1)

	_, pending, err := parts.queue.Head("Users", "u1")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestRetryTaskDrainsQueueOnSuccess(t *testing.T) {
	fail := true
	parts, ctx := newEngine(t,
		func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
			if fail {
				return herr.RetryableWith(herr.New(herr.ApplyRetryable, nil))
			}
			return herr.Ok()
		},
		testEvent(t, 1, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")}),
	)

	require.NoError(t, parts.engine.Run(ctx))
	_, pending, err := parts.queue.Head("Users", "u1")
	require.NoError(t, err)
	require.True(t, pending)

	// target recovered; the retry task's next tick should drain the key
	fail = false
	retryCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, parts.engine.RunRetryTask(retryCtx, 10*time.Millisecond))

	_, pending, err = parts.queue.Head("Users", "u1")
	require.NoError(t, err)
	require.False(t, pending)

	_, found, err := parts.cache.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
}
