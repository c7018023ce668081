package constraints_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/constraints"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/integrity"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func TestCompileMergeEvaluatesRowAttrs(t *testing.T) {
	pred, err := constraints.CompileMerge(`(eq active true)`)
	require.NoError(t, err)

	ok, err := pred(&dataschema.Object{Attrs: value.AttrMap{"active": value.Bool(true)}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pred(&dataschema.Object{Attrs: value.AttrMap{"active": value.Bool(false)}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileMergeRejectsBadSyntax(t *testing.T) {
	_, err := constraints.CompileMerge(`(eq active`)
	require.Error(t, err)
}

func TestCompileMergeNonBooleanResultErrors(t *testing.T) {
	pred, err := constraints.CompileMerge(`uid`)
	require.NoError(t, err)

	_, err = pred(&dataschema.Object{Attrs: value.AttrMap{"uid": value.String("alice")}})
	require.Error(t, err)
}

func TestCompileIntegritySelfAttr(t *testing.T) {
	pred, err := constraints.CompileIntegrity(`(gt quota 0)`)
	require.NoError(t, err)

	ok, err := pred(integrity.Binding{
		Self: &dataschema.Object{Attrs: value.AttrMap{"quota": value.Int(10)}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pred(integrity.Binding{
		Self: &dataschema.Object{Attrs: value.AttrMap{"quota": value.Int(0)}},
	})
	require.NoError(t, err)
	require.False(t, ok)
}
