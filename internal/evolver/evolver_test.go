package evolver_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/evolver"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func schemaOf(t *testing.T, revision int, types ...*dataschema.Type) *dataschema.Schema {
	t.Helper()
	s, err := dataschema.New(revision, types)
	require.NoError(t, err)
	return s
}

func userType(pkey []string, attrs ...string) *dataschema.Type {
	mapping := make(map[string]string, len(attrs))
	for _, a := range attrs {
		mapping[a] = a
	}
	return &dataschema.Type{
		Name:       "Users",
		PrimaryKey: pkey,
		Sources:    []*dataschema.SourceBinding{{Name: "src", Mapping: mapping}},
	}
}

func TestComputeReportsRemovedAndAddedTypes(t *testing.T) {
	old := schemaOf(t, 1,
		userType([]string{"uid"}, "uid", "mail"),
		&dataschema.Type{Name: "Groups", PrimaryKey: []string{"gid"}},
	)
	new_ := schemaOf(t, 2,
		userType([]string{"uid"}, "uid", "mail"),
		&dataschema.Type{Name: "Machines", PrimaryKey: []string{"mid"}},
	)

	plan := evolver.Compute(old, new_, func(string) bool { return true })
	require.Equal(t, []string{"Groups"}, plan.RemovedTypes)
	require.Equal(t, []string{"Machines"}, plan.AddedTypes)
}

func TestComputeReportsAttrDelta(t *testing.T) {
	old := schemaOf(t, 1, userType([]string{"uid"}, "uid", "mail", "phone"))
	new_ := schemaOf(t, 2, userType([]string{"uid"}, "uid", "mail", "office"))

	plan := evolver.Compute(old, new_, func(string) bool { return true })
	require.Equal(t, []string{"phone"}, plan.RemovedAttrs["Users"])
	require.Equal(t, []string{"office"}, plan.AddedAttrs["Users"])
}

func TestComputeDetectsPkeyRename(t *testing.T) {
	old := schemaOf(t, 1, userType([]string{"uid"}, "uid", "login", "mail"))
	new_ := schemaOf(t, 2, userType([]string{"login"}, "uid", "login", "mail"))

	plan := evolver.Compute(old, new_, func(string) bool { return true })
	require.Len(t, plan.RenamedPrimaryKeys, 1)
	require.Equal(t, "Users", plan.RenamedPrimaryKeys[0].Type)
	require.Equal(t, []string{"uid"}, plan.RenamedPrimaryKeys[0].Before)
	require.Equal(t, []string{"login"}, plan.RenamedPrimaryKeys[0].After)

	// An unstable remote identity is a remove+add, not a rename.
	plan = evolver.Compute(old, new_, func(string) bool { return false })
	require.Empty(t, plan.RenamedPrimaryKeys)
}

func openState(t *testing.T) (*consumercache.Cache, *errorqueue.Queue, *trashbin.Bin) {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return consumercache.Open(db), errorqueue.Open(db), trashbin.Open(db)
}

func TestApplyDropsRemovedTypeEverywhere(t *testing.T) {
	cache, queue, bin := openState(t)
	require.NoError(t, cache.Insert("Groups", "g1", "g1", 1, value.AttrMap{"name": value.String("admins")}))
	require.NoError(t, queue.Enqueue("Groups", "g1", errorqueue.QueuedEvent{
		Event: bus.Event{Type: "Groups", Pkey: "g1", Operation: bus.OpModified},
	}, errorqueue.Disabled))

	plan := evolver.Plan{RemovedTypes: []string{"Groups"}}
	require.NoError(t, evolver.Apply(plan, cache, queue, bin))

	_, found, err := cache.Get("Groups", "g1")
	require.NoError(t, err)
	require.False(t, found)
	_, pending, err := queue.Head("Groups", "g1")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestApplyDropsRemovedAttrFromCacheAndQueue(t *testing.T) {
	cache, queue, bin := openState(t)
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{
		"mail": value.String("a@x"), "phone": value.String("123"),
	}))
	payload, err := json.Marshal(value.AttrMap{"mail": value.String("a@x"), "phone": value.String("123")})
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue("Users", "u1", errorqueue.QueuedEvent{
		Event: bus.Event{Type: "Users", Pkey: "u1", Operation: bus.OpModified, Payload: payload},
	}, errorqueue.Disabled))

	plan := evolver.Plan{RemovedAttrs: map[string][]string{"Users": {"phone"}}}
	require.NoError(t, evolver.Apply(plan, cache, queue, bin))

	entry, found, err := cache.Get("Users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotContains(t, entry.Attrs, "phone")
	require.Contains(t, entry.Attrs, "mail")

	head, pending, err := queue.Head("Users", "u1")
	require.NoError(t, err)
	require.True(t, pending)
	require.NotContains(t, string(head.Event.Payload), "phone")
	require.Contains(t, string(head.Event.Payload), "mail")
}

func TestApplyMigratesRenamedPkeyInPlace(t *testing.T) {
	cache, queue, bin := openState(t)
	require.NoError(t, cache.Insert("Users", "42", "42", 1, value.AttrMap{
		"uid": value.String("42"), "login": value.String("alice"),
	}))

	plan := evolver.Plan{RenamedPrimaryKeys: []evolver.PkeyRename{{
		Type: "Users", Before: []string{"uid"}, After: []string{"login"},
	}}}
	require.NoError(t, evolver.Apply(plan, cache, queue, bin))

	_, found, err := cache.Get("Users", "42")
	require.NoError(t, err)
	require.False(t, found)

	entry, found, err := cache.Get("Users", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "42", entry.RemotePkey)
}
