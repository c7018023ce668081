package target_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
)

func TestRegistryUnboundPairIsNoOpSuccess(t *testing.T) {
	r := target.NewRegistry()
	out := r.Apply(target.NewApplyContext(false), &dataschema.Type{Name: "Users"}, bus.Event{
		Type:      "Users",
		Pkey:      "alice",
		Operation: bus.OpAdded,
	})
	require.True(t, out.IsOK())
}

func TestRegistryDispatchesByTypeAndOperation(t *testing.T) {
	r := target.NewRegistry()
	var got []string
	record := func(label string) target.HandlerFunc {
		return func(_ *target.ApplyContext, _ *dataschema.Type, _ bus.Event) herr.Outcome {
			got = append(got, label)
			return herr.Ok()
		}
	}
	r.Bind("Users", bus.OpAdded, record("users-added"))
	r.Bind("Users", bus.OpRemoved, record("users-removed"))

	typ := &dataschema.Type{Name: "Users"}
	r.Apply(target.NewApplyContext(false), typ, bus.Event{Type: "Users", Operation: bus.OpAdded})
	r.Apply(target.NewApplyContext(false), typ, bus.Event{Type: "Users", Operation: bus.OpModified})
	r.Apply(target.NewApplyContext(false), typ, bus.Event{Type: "Users", Operation: bus.OpRemoved})

	require.Equal(t, []string{"users-added", "users-removed"}, got)
}

func TestApplyContextFlags(t *testing.T) {
	ctx := target.NewApplyContext(true)
	require.True(t, ctx.IsAnErrorRetry())
	require.False(t, ctx.IsPartiallyProcessed())

	ctx.MarkPartiallyProcessed()
	require.True(t, ctx.IsPartiallyProcessed())
}

func TestRegistryOnSaveHooksKeepRegistrationOrder(t *testing.T) {
	r := target.NewRegistry()
	var order []int
	r.OnSave(func() error { order = append(order, 1); return nil })
	r.OnSave(func() error { order = append(order, 2); return errors.New("boom") })

	hooks := r.OnSaveHooks()
	require.Len(t, hooks, 2)
	require.NoError(t, hooks[0]())
	require.Error(t, hooks[1]())
	require.Equal(t, []int{1, 2}, order)
}
