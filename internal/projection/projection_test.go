package projection_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/projection"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

func TestCompileAndEvalResolvesRemoteAttrs(t *testing.T) {
	c, err := projection.Compile("mail", "mail_src")
	require.NoError(t, err)

	row := projection.Row{Remote: value.AttrMap{"mail_src": value.String("alice@example.org")}}
	v, diag := c.Eval(row, projection.NewRegistry())
	require.Nil(t, diag)
	require.Equal(t, value.String("alice@example.org"), v)
}

func TestEvalResolvesCachedValues(t *testing.T) {
	c, err := projection.Compile("last_seen", "cached.last_seen")
	require.NoError(t, err)

	row := projection.Row{
		Remote:       value.AttrMap{},
		CachedValues: value.AttrMap{"last_seen": value.String("2024-01-01")},
	}
	v, diag := c.Eval(row, projection.NewRegistry())
	require.Nil(t, diag)
	require.Equal(t, value.String("2024-01-01"), v)
}

func TestEvalAppliesFilterPipeline(t *testing.T) {
	c, err := projection.Compile("login", "name | lower | regex_search(^([a-z]+))")
	require.NoError(t, err)

	row := projection.Row{Remote: value.AttrMap{"name": value.String("Alice Smith")}}
	v, diag := c.Eval(row, projection.DefaultRegistry())
	require.Nil(t, diag)
	require.Equal(t, value.String("alice"), v)
}

func TestEvalUnknownFilterIsRecoverable(t *testing.T) {
	c, err := projection.Compile("x", "name | no_such_filter")
	require.NoError(t, err)

	row := projection.Row{Remote: value.AttrMap{"name": value.String("a")}}
	_, diag := c.Eval(row, projection.NewRegistry())
	require.NotNil(t, diag)
}

func TestHashFilterIsDeterministic(t *testing.T) {
	reg := projection.DefaultRegistry()
	f, ok := reg.Lookup("hash_sha256")
	require.True(t, ok)

	a, err := f(value.String("secret"), nil)
	require.NoError(t, err)
	b, err := f(value.String("secret"), nil)
	require.NoError(t, err)
	require.Equal(t, a, b)

	s, _ := a.AsString()
	require.Len(t, s, 64) // hex-encoded sha256
}

func TestLdapPasswordHashProducesBcryptDigest(t *testing.T) {
	reg := projection.DefaultRegistry()
	f, ok := reg.Lookup("ldap_password_hash")
	require.True(t, ok)

	v, err := f(value.String("hunter2"), []string{"4"})
	require.NoError(t, err)
	s, _ := v.AsString()
	require.True(t, strings.HasPrefix(s, "{BCRYPT}$2"))
}

func TestProjectListMappingSkipsNulls(t *testing.T) {
	row := projection.Row{Remote: value.AttrMap{
		"mail1": value.String("a@x"),
		"mail2": value.Null(),
		"mail3": value.String("b@x"),
	}}

	v, ok := projection.ProjectListMapping([]string{"mail1", "mail2", "mail3"}, row)
	require.True(t, ok)
	require.Equal(t, value.List(value.String("a@x"), value.String("b@x")), v)

	_, ok = projection.ProjectListMapping([]string{"mail2"}, row)
	require.False(t, ok)
}

func TestProjectRowCombinesExpressionsAndListMappings(t *testing.T) {
	sb := &dataschema.SourceBinding{
		Name:        "src",
		Mapping:     map[string]string{"uid": "uid_src"},
		ListMapping: map[string][]string{"mails": {"mail1", "mail2"}},
	}
	cs, err := projection.CompileSource(sb)
	require.NoError(t, err)

	row := projection.Row{Remote: value.AttrMap{
		"uid_src": value.String("alice"),
		"mail1":   value.String("a@x"),
		"mail2":   value.String("b@x"),
	}}
	attrs, diag := projection.ProjectRow(cs, sb, row, projection.NewRegistry())
	require.Nil(t, diag)
	require.Equal(t, value.String("alice"), attrs["uid"])
	require.Equal(t, value.List(value.String("a@x"), value.String("b@x")), attrs["mails"])
}
