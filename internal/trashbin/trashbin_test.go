package trashbin_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func openTestBin(t *testing.T) *trashbin.Bin {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return trashbin.Open(db)
}

func TestParkAndRestore(t *testing.T) {
	bin := openTestBin(t)
	obj := &dataschema.Object{Pkey: "alice", Attrs: value.AttrMap{"name": value.String("Alice")}}
	now := time.Unix(1000, 0)

	require.NoError(t, bin.Park("Users", obj, 24*time.Hour, now))

	entry, found, err := bin.Restore("Users", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", entry.Pkey)

	_, found, err = bin.Get("Users", "alice")
	require.NoError(t, err)
	require.False(t, found)
}

func TestExpiredListsOnlyPastDeadline(t *testing.T) {
	bin := openTestBin(t)
	now := time.Unix(1000, 0)

	expiredObj := &dataschema.Object{Pkey: "old", Attrs: value.AttrMap{}}
	freshObj := &dataschema.Object{Pkey: "new", Attrs: value.AttrMap{}}

	require.NoError(t, bin.Park("Users", expiredObj, -time.Hour, now))
	require.NoError(t, bin.Park("Users", freshObj, time.Hour, now))

	expired, err := bin.Expired(now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "old", expired[0].Pkey)
}
