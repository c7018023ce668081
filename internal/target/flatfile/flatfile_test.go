package flatfile_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target/flatfile"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func testSettings(destDir string) flatfile.Settings {
	return flatfile.Settings{
		DestDir:         destDir,
		GroupType:       "Groups",
		GroupNameAttr:   "name",
		MemberType:      "GroupsMembers",
		MemberGroupAttr: "group_pkey",
		MemberValueAttr: "user_pkey",
		ValueType:       "Users",
		ValueAttr:       "mail",
	}
}

func openTestCache(t *testing.T) *consumercache.Cache {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return consumercache.Open(db)
}

func memberEvent(t *testing.T, op bus.Operation, pkey dataschema.Pkey, attrs value.AttrMap) bus.Event {
	t.Helper()
	ev := bus.Event{Type: "GroupsMembers", Pkey: pkey, Operation: op}
	payload, err := json.Marshal(attrs)
	require.NoError(t, err)
	if op == bus.OpRemoved {
		ev.FKeys = payload
	} else {
		ev.Payload = payload
	}
	return ev
}

func TestOnSaveWritesSortedValuesOfChangedGroups(t *testing.T) {
	destDir := t.TempDir()
	cache := openTestCache(t)
	require.NoError(t, cache.Insert("Groups", "g1", "g1", 1, value.AttrMap{"name": value.String("admins")}))
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{"mail": value.String("zoe@example.org")}))
	require.NoError(t, cache.Insert("Users", "u2", "u2", 1, value.AttrMap{"mail": value.String("amy@example.org")}))
	require.NoError(t, cache.Insert("GroupsMembers", "g1-u1", "g1-u1", 1, value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u1"),
	}))
	require.NoError(t, cache.Insert("GroupsMembers", "g1-u2", "g1-u2", 1, value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u2"),
	}))

	tgt := flatfile.New(testSettings(destDir), cache)
	r := target.NewRegistry()
	tgt.Register(r)

	typ := &dataschema.Type{Name: "GroupsMembers"}
	out := r.Apply(target.NewApplyContext(false), typ, memberEvent(t, bus.OpAdded, "g1-u2", value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u2"),
	}))
	require.True(t, out.IsOK())
	require.NoError(t, tgt.OnSave())

	data, err := os.ReadFile(filepath.Join(destDir, "admins.txt"))
	require.NoError(t, err)
	require.Equal(t, "amy@example.org\nzoe@example.org", string(data))
}

func TestOnSaveIsIncrementalAcrossCalls(t *testing.T) {
	destDir := t.TempDir()
	cache := openTestCache(t)
	require.NoError(t, cache.Insert("Groups", "g1", "g1", 1, value.AttrMap{"name": value.String("admins")}))
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{"mail": value.String("amy@example.org")}))
	require.NoError(t, cache.Insert("GroupsMembers", "g1-u1", "g1-u1", 1, value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u1"),
	}))

	tgt := flatfile.New(testSettings(destDir), cache)
	r := target.NewRegistry()
	tgt.Register(r)
	typ := &dataschema.Type{Name: "GroupsMembers"}

	r.Apply(target.NewApplyContext(false), typ, memberEvent(t, bus.OpAdded, "g1-u1", value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u1"),
	}))
	require.NoError(t, tgt.OnSave())
	path := filepath.Join(destDir, "admins.txt")
	require.NoError(t, os.Remove(path))

	// No group changed since the last save, so nothing is rewritten.
	require.NoError(t, tgt.OnSave())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestMemberRemovedFallsBackToFKeys(t *testing.T) {
	destDir := t.TempDir()
	cache := openTestCache(t)
	require.NoError(t, cache.Insert("Groups", "g1", "g1", 1, value.AttrMap{"name": value.String("admins")}))
	require.NoError(t, cache.Insert("Users", "u1", "u1", 1, value.AttrMap{"mail": value.String("amy@example.org")}))
	require.NoError(t, cache.Insert("GroupsMembers", "g1-u1", "g1-u1", 1, value.AttrMap{
		"group_pkey": value.String("g1"), "user_pkey": value.String("u1"),
	}))
	// The removed link g1-u9 is already gone from the cache; the event's
	// fkeys payload is the only remaining pointer at its group.

	tgt := flatfile.New(testSettings(destDir), cache)
	r := target.NewRegistry()
	tgt.Register(r)
	typ := &dataschema.Type{Name: "GroupsMembers"}

	out := r.Apply(target.NewApplyContext(false), typ, memberEvent(t, bus.OpRemoved, "g1-u9", value.AttrMap{
		"group_pkey": value.String("g1"),
	}))
	require.True(t, out.IsOK())
	require.NoError(t, tgt.OnSave())

	data, err := os.ReadFile(filepath.Join(destDir, "admins.txt"))
	require.NoError(t, err)
	require.Equal(t, "amy@example.org", string(data))
}

func TestGroupRemovedDeletesFile(t *testing.T) {
	destDir := t.TempDir()
	cache := openTestCache(t)
	require.NoError(t, cache.Insert("Groups", "g1", "g1", 1, value.AttrMap{"name": value.String("admins")}))
	path := filepath.Join(destDir, "admins.txt")
	require.NoError(t, os.WriteFile(path, []byte("amy@example.org"), 0o644))

	tgt := flatfile.New(testSettings(destDir), cache)
	r := target.NewRegistry()
	tgt.Register(r)

	out := r.Apply(target.NewApplyContext(false), &dataschema.Type{Name: "Groups"}, bus.Event{
		Type: "Groups", Pkey: "g1", Operation: bus.OpRemoved,
	})
	require.True(t, out.IsOK())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
