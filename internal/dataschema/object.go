package dataschema

import (
	"sort"
	"strings"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Pkey is the canonical string form of a primary key, scalar or composite.
// Components of a composite key are tuple-joined so it is safe to use as a
// map key.
type Pkey string

const pkeySep = "\x1f"

// MakePkey builds a Pkey from ordered component values, in the Type's
// declared primary-key attribute order.
func MakePkey(parts ...value.Value) Pkey {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = p.String()
	}
	return Pkey(strings.Join(strs, pkeySep))
}

// PkeyOf extracts the Pkey of attrs for Type t.
func (t *Type) PkeyOf(attrs value.AttrMap) Pkey {
	parts := make([]value.Value, len(t.PrimaryKey))
	for i, attr := range t.PrimaryKey {
		parts[i] = attrs[attr]
	}
	return MakePkey(parts...)
}

// Object is a realized row of a Type: its pkey, its attribute dictionary,
// and a synthetic RemotePkey retained immutably for identity across local
// pkey renames (spec.md §3 "Object").
type Object struct {
	Type       string
	Pkey       Pkey
	RemotePkey Pkey
	Attrs      value.AttrMap
}

// Clone returns a deep-enough copy: the attribute map is copied, Values
// are immutable so their identity can be shared.
func (o *Object) Clone() *Object {
	return &Object{Type: o.Type, Pkey: o.Pkey, RemotePkey: o.RemotePkey, Attrs: o.Attrs.Clone()}
}

// SentAttrs returns the attribute subset that a source binding transmits
// downstream: Regular and Secret, excluding Local and CacheOnly.
func (sb *SourceBinding) SentAttrs(attrs value.AttrMap) value.AttrMap {
	out := make(value.AttrMap, len(attrs))
	for k, v := range attrs {
		switch sb.ClassOf(k) {
		case Regular, Secret:
			out[k] = v
		}
	}
	return out
}

// CachedAttrs returns the attribute subset that is persisted to the
// Producer cache: Regular and CacheOnly, excluding Local and Secret.
func (sb *SourceBinding) CachedAttrs(attrs value.AttrMap) value.AttrMap {
	out := make(value.AttrMap, len(attrs))
	for k, v := range attrs {
		switch sb.ClassOf(k) {
		case Regular, CacheOnly:
			out[k] = v
		}
	}
	return out
}

// SortedPkeys returns keys in a deterministic order, used anywhere diff
// output or log lines must not depend on Go's randomized map iteration.
func SortedPkeys(m map[Pkey]*Object) []Pkey {
	out := make([]Pkey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
