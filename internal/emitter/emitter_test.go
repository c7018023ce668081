package emitter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/emitter"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

type fakePublisher struct {
	published []bus.Event
	failOn    dataschema.Pkey
}

func (p *fakePublisher) Publish(_ context.Context, ev bus.Event) error {
	if ev.Pkey == p.failOn {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeCommits struct {
	one        []dataschema.Pkey
	oneSources []string
	allSources []string
	oneErr     error
}

func (c *fakeCommits) CommitOne(_ context.Context, source *dataschema.SourceBinding, ch producercache.Change) error {
	if c.oneErr != nil {
		return c.oneErr
	}
	c.one = append(c.one, ch.Pkey)
	c.oneSources = append(c.oneSources, source.Name)
	return nil
}

func (c *fakeCommits) CommitAll(_ context.Context, source *dataschema.SourceBinding) error {
	c.allSources = append(c.allSources, source.Name)
	return nil
}

type fakeCache struct {
	puts    []dataschema.Pkey
	removes []dataschema.Pkey
}

func (c *fakeCache) Put(_ string, _ int, obj *dataschema.Object) error {
	c.puts = append(c.puts, obj.Pkey)
	return nil
}

func (c *fakeCache) Remove(_ string, pkey dataschema.Pkey) error {
	c.removes = append(c.removes, pkey)
	return nil
}

func changeSet() ([]producercache.Change, map[dataschema.Pkey]*dataschema.Object) {
	changes := []producercache.Change{
		{Kind: producercache.Added, Pkey: "a1", Attrs: value.AttrMap{"uid": value.String("a1")}},
		{Kind: producercache.Modified, Pkey: "m1", Attrs: value.AttrMap{"mail": value.String("x@y")}},
		{Kind: producercache.Removed, Pkey: "r1", FKAttrs: value.AttrMap{"group": value.String("g1")}},
	}
	objects := map[dataschema.Pkey]*dataschema.Object{
		"a1": {Type: "Users", Pkey: "a1", Attrs: value.AttrMap{"uid": value.String("a1")}},
		"m1": {Type: "Users", Pkey: "m1", Attrs: value.AttrMap{"mail": value.String("x@y")}},
	}
	return changes, objects
}

func TestEmitTypePublishesInStableOrderAndCommits(t *testing.T) {
	pub := &fakePublisher{}
	commits := &fakeCommits{}
	cache := &fakeCache{}
	changes, objects := changeSet()
	sources := []*dataschema.SourceBinding{{Name: "src"}}

	outcomes := emitter.EmitType(context.Background(), pub, commits, cache, "Users", 1, 7, sources, changes, objects)

	require.Len(t, pub.published, 3)
	require.Equal(t, bus.OpAdded, pub.published[0].Operation)
	require.Equal(t, bus.OpModified, pub.published[1].Operation)
	require.Equal(t, bus.OpRemoved, pub.published[2].Operation)
	for _, ev := range pub.published {
		require.Equal(t, int64(7), ev.ProducerStep)
		require.Equal(t, 1, ev.SchemaRevision)
	}

	// removed event carries fkeys, added/modified leave it unset
	require.NotEmpty(t, pub.published[2].FKeys)
	require.Empty(t, pub.published[0].FKeys)

	require.Equal(t, []dataschema.Pkey{"a1", "m1", "r1"}, commits.one)
	require.Equal(t, []string{"src"}, commits.allSources)
	require.Equal(t, []dataschema.Pkey{"a1", "m1"}, cache.puts)
	require.Equal(t, []dataschema.Pkey{"r1"}, cache.removes)

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		require.True(t, o.Published)
		require.True(t, o.CommitOneOK)
	}
}

func TestEmitTypeMultiSourcePublishesOnceCommitsPerSource(t *testing.T) {
	pub := &fakePublisher{}
	commits := &fakeCommits{}
	cache := &fakeCache{}
	changes, objects := changeSet()
	sources := []*dataschema.SourceBinding{{Name: "ldap"}, {Name: "hr"}}

	emitter.EmitType(context.Background(), pub, commits, cache, "Users", 1, 1, sources, changes, objects)

	// one publish per change, no matter how many sources the type binds
	require.Len(t, pub.published, 3)

	// commit_one runs per (change, source) in declaration order
	require.Equal(t, []dataschema.Pkey{"a1", "a1", "m1", "m1", "r1", "r1"}, commits.one)
	require.Equal(t, []string{"ldap", "hr", "ldap", "hr", "ldap", "hr"}, commits.oneSources)

	// commit_all runs once per source, only at the end of the type
	require.Equal(t, []string{"ldap", "hr"}, commits.allSources)

	// the cache still advances exactly once per change
	require.Equal(t, []dataschema.Pkey{"a1", "m1"}, cache.puts)
	require.Equal(t, []dataschema.Pkey{"r1"}, cache.removes)
}

func TestEmitTypePublishFailureSkipsCommitAndCache(t *testing.T) {
	pub := &fakePublisher{failOn: "m1"}
	commits := &fakeCommits{}
	cache := &fakeCache{}
	changes, objects := changeSet()

	outcomes := emitter.EmitType(context.Background(), pub, commits, cache, "Users", 1, 1, []*dataschema.SourceBinding{{Name: "src"}}, changes, objects)

	require.Len(t, pub.published, 2)
	require.NotContains(t, commits.one, dataschema.Pkey("m1"))
	require.NotContains(t, cache.puts, dataschema.Pkey("m1"))

	var failed *emitter.Outcome
	for i := range outcomes {
		if outcomes[i].Change.Pkey == "m1" {
			failed = &outcomes[i]
		}
	}
	require.NotNil(t, failed)
	require.False(t, failed.Published)
	require.NotNil(t, failed.Diagnostic)
}

func TestEmitTypeCommitOneFailureKeepsEventButNotCache(t *testing.T) {
	pub := &fakePublisher{}
	commits := &fakeCommits{oneErr: errors.New("source gone")}
	cache := &fakeCache{}
	changes, objects := changeSet()

	outcomes := emitter.EmitType(context.Background(), pub, commits, cache, "Users", 1, 1, []*dataschema.SourceBinding{{Name: "src"}}, changes, objects)

	// events are on the bus and stay there; the cache only advances for
	// objects whose commit_one succeeded
	require.Len(t, pub.published, 3)
	require.Empty(t, cache.puts)
	require.Empty(t, cache.removes)
	for _, o := range outcomes {
		if o.Change.Kind == "" {
			continue // trailing commit_all outcome
		}
		require.True(t, o.Published)
		require.False(t, o.CommitOneOK)
	}
}
