package producercache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func openTestCache(t *testing.T) *producercache.Cache {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return producercache.Open(db)
}

func TestCachePutGetRemove(t *testing.T) {
	c := openTestCache(t)
	obj := &dataschema.Object{
		Pkey:       "alice",
		RemotePkey: "uid=alice",
		Attrs:      value.AttrMap{"name": value.String("Alice")},
	}
	require.NoError(t, c.Put("Users", 1, obj))

	entry, found, err := c.Get("Users", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "uid=alice", entry.RemotePkey)
	require.Equal(t, 1, entry.SchemaRevision)

	require.NoError(t, c.Remove("Users", "alice"))
	_, found, err = c.Get("Users", "alice")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCacheAllScopesToType(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("Users", 1, &dataschema.Object{Pkey: "alice", Attrs: value.AttrMap{}}))
	require.NoError(t, c.Put("Groups", 1, &dataschema.Object{Pkey: "admins", Attrs: value.AttrMap{}}))

	all, err := c.All("Users")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Contains(t, all, dataschema.Pkey("alice"))
}
