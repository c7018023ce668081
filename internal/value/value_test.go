package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualScalars(t *testing.T) {
	assert.True(t, Equal(String("a"), String("a")))
	assert.False(t, Equal(String("a"), String("b")))
	assert.False(t, Equal(Int(1), Float(1)))
	assert.True(t, Equal(Null(), Null()))
}

func TestEqualListIsOrderSensitive(t *testing.T) {
	a := List(Int(1), Int(2))
	b := List(Int(2), Int(1))
	assert.False(t, Equal(a, b))
	assert.True(t, Equal(a, List(Int(1), Int(2))))
}

func TestEqualMapIsOrderInsensitive(t *testing.T) {
	a := Map(map[string]Value{"x": Int(1), "y": Int(2)})
	b := Map(map[string]Value{"y": Int(2), "x": Int(1)})
	assert.True(t, Equal(a, b))
}

func TestEqualTimeComparesInstant(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 12, 0, 0, 0, loc)
	assert.True(t, Equal(Time(t1), Time(t2)))
}

func TestJSONRoundTripBytes(t *testing.T) {
	v := Bytes([]byte{1, 2, 3, 255})
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, Equal(v, out))

	b, ok := out.AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 255}, b)
}

func TestJSONRoundTripNestedList(t *testing.T) {
	v := List(String("a"), Int(2), List(Bool(true), Null()))
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, Equal(v, out))
}

func TestDiffReportsAddedAndChanged(t *testing.T) {
	a := AttrMap{"mail": String("a@x"), "pw": String("h1")}
	b := AttrMap{"mail": String("a@x"), "pw": String("h2"), "new": Int(1)}

	changed := Diff(a, b)
	assert.Equal(t, []string{"new", "pw"}, changed)
}
