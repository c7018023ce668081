package integrity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/integrity"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func row(pkey string, attrs value.AttrMap) *dataschema.Object {
	return &dataschema.Object{Pkey: dataschema.Pkey(pkey), Attrs: attrs}
}

func TestEvaluateDropsFailingRow(t *testing.T) {
	users := &dataschema.Type{Name: "Users"}
	snapshot := integrity.Snapshot{
		"Users": {
			"alice": row("alice", value.AttrMap{"active": value.Bool(true)}),
			"bob":   row("bob", value.AttrMap{"active": value.Bool(false)}),
		},
	}
	predicates := map[string][]integrity.ConstraintPredicate{
		"Users": {func(b integrity.Binding) (bool, error) {
			active, _ := b.Self.Attrs["active"].AsBool()
			return active, nil
		}},
	}

	res := integrity.Evaluate([]*dataschema.Type{users}, snapshot, predicates)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Kept["Users"], dataschema.Pkey("alice"))
	assert.NotContains(t, res.Kept["Users"], dataschema.Pkey("bob"))
}

func TestEvaluateDropInEarlierTypeVisibleToLater(t *testing.T) {
	groups := &dataschema.Type{Name: "Groups"}
	memberships := &dataschema.Type{Name: "Memberships"}

	snapshot := integrity.Snapshot{
		"Groups": {
			"admins": row("admins", value.AttrMap{"valid": value.Bool(false)}),
		},
		"Memberships": {
			"admins:alice": row("admins:alice", value.AttrMap{"group": value.String("admins")}),
		},
	}

	predicates := map[string][]integrity.ConstraintPredicate{
		"Groups": {func(b integrity.Binding) (bool, error) {
			v, _ := b.Self.Attrs["valid"].AsBool()
			return v, nil
		}},
		"Memberships": {func(b integrity.Binding) (bool, error) {
			groupName, _ := b.Self.Attrs["group"].AsString()
			groups := integrity.PkeySet(b.Types["Groups"])
			_, exists := groups[dataschema.Pkey(groupName)]
			return exists, nil
		}},
	}

	res := integrity.Evaluate([]*dataschema.Type{groups, memberships}, snapshot, predicates)
	assert.Empty(t, res.Kept["Groups"])
	assert.Empty(t, res.Kept["Memberships"])
	require.Len(t, res.Diagnostics, 2)
}
