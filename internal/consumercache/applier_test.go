package consumercache_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func openState(t *testing.T) (*consumercache.Cache, *trashbin.Bin) {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return consumercache.Open(db), trashbin.Open(db)
}

func event(t *testing.T, op bus.Operation, pkey dataschema.Pkey, attrs value.AttrMap) bus.Event {
	t.Helper()
	ev := bus.Event{Type: "Users", Pkey: pkey, Operation: op, SchemaRevision: 1}
	if attrs != nil {
		payload, err := json.Marshal(attrs)
		require.NoError(t, err)
		ev.Payload = payload
	}
	return ev
}

func noRelations(*dataschema.Type, bus.Event) fkpolicy.RelationState {
	return fkpolicy.RelationState{}
}

var userType = &dataschema.Type{Name: "Users", PrimaryKey: []string{"uid"}}

func okHandler() target.Handler {
	return target.HandlerFunc(func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
		return herr.Ok()
	})
}

func TestApplyAddedInsertsOnlyOnHandlerSuccess(t *testing.T) {
	cache, bin := openState(t)

	failing := target.HandlerFunc(func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
		return herr.RetryableWith(herr.New(herr.ApplyRetryable, nil))
	})
	ev := event(t, bus.OpAdded, "u1", value.AttrMap{"uid": value.String("u1")})

	out, err := cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.Disabled, noRelations, failing, bin, 0)
	require.NoError(t, err)
	require.False(t, out.Result.IsOK())
	_, found, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.False(t, found)

	out, err = cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.Disabled, noRelations, okHandler(), bin, 0)
	require.NoError(t, err)
	require.True(t, out.Result.IsOK())
	entry, found, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.String("u1"), entry.Attrs["uid"])
}

func TestApplyModifiedMergesAttributeLevel(t *testing.T) {
	cache, bin := openState(t)
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{
		"mail": value.String("old@x"), "name": value.String("Alice"),
	}))

	ev := event(t, bus.OpModified, "u1", value.AttrMap{"mail": value.String("new@x")})
	out, err := cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.Disabled, noRelations, okHandler(), bin, 0)
	require.NoError(t, err)
	require.True(t, out.Result.IsOK())

	entry, _, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.Equal(t, value.String("new@x"), entry.Attrs["mail"])
	require.Equal(t, value.String("Alice"), entry.Attrs["name"])
}

func TestApplyRemovedParksInTrashbinWhenRetentionPositive(t *testing.T) {
	cache, bin := openState(t)
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{"mail": value.String("a@x")}))

	ev := event(t, bus.OpRemoved, "u1", nil)
	_, err := cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.Disabled, noRelations, okHandler(), bin, 24*time.Hour)
	require.NoError(t, err)

	_, found, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.False(t, found)
	parked, found, err := bin.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.String("a@x"), parked.Attrs["mail"])
}

func TestApplyAddedRestoresFromTrashbinWithoutLosingAttrs(t *testing.T) {
	cache, bin := openState(t)
	require.NoError(t, bin.Park("Users", &dataschema.Object{
		Type: "Users", Pkey: "u1", RemotePkey: "u1",
		Attrs: value.AttrMap{"mail": value.String("a@x"), "office": value.String("B12")},
	}, 24*time.Hour, time.Now()))

	invoked := false
	handler := target.HandlerFunc(func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
		invoked = true
		return herr.Ok()
	})

	ev := event(t, bus.OpAdded, "u1", value.AttrMap{"mail": value.String("new@x")})
	out, err := cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.Disabled, noRelations, handler, bin, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, out.Result.IsOK())

	// the target already holds this object; a restore is local only
	require.False(t, invoked)

	entry, found, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.String("new@x"), entry.Attrs["mail"])
	require.Equal(t, value.String("B12"), entry.Attrs["office"])

	_, found, err = bin.Get("Users", "u1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyBlockedByForeignKeyPolicySkipsHandler(t *testing.T) {
	cache, bin := openState(t)
	invoked := false
	handler := target.HandlerFunc(func(*target.ApplyContext, *dataschema.Type, bus.Event) herr.Outcome {
		invoked = true
		return herr.Ok()
	})
	blocked := func(*dataschema.Type, bus.Event) fkpolicy.RelationState {
		return fkpolicy.RelationState{ParentHasPendingErrors: true}
	}

	ev := event(t, bus.OpModified, "u1", value.AttrMap{"mail": value.String("a@x")})
	out, err := cache.Apply(target.NewApplyContext(false), userType, ev, fkpolicy.OnEveryEvent, blocked, handler, bin, 0)
	require.NoError(t, err)
	require.True(t, out.Blocked)
	require.False(t, invoked)
}
