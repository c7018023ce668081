// Package value implements the typed, comparable attribute value model
// (C1): scalars, ordered lists, mappings, timestamps and bytes, with
// canonical equality and JSON-safe serialization. No component outside
// this package compares attribute values directly with ==; Equal is the
// only sanctioned comparison, since lists and maps need deep, order-aware
// or order-independent semantics depending on Kind.
package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindTime
	KindList
	KindMap
)

// Value is a tagged variant. Only the field matching Kind is meaningful.
// The zero Value is KindNull.
type Value struct {
	Kind Kind

	str   string
	i     int64
	f     float64
	b     bool
	bytes []byte
	t     time.Time
	list  []Value
	m     map[string]Value
}

func Null() Value               { return Value{Kind: KindNull} }
func String(s string) Value     { return Value{Kind: KindString, str: s} }
func Int(i int64) Value         { return Value{Kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{Kind: KindFloat, f: f} }
func Bool(b bool) Value         { return Value{Kind: KindBool, b: b} }
func Bytes(b []byte) Value      { return Value{Kind: KindBytes, bytes: append([]byte(nil), b...)} }
func Time(t time.Time) Value    { return Value{Kind: KindTime, t: t.UTC()} }
func List(vs ...Value) Value    { return Value{Kind: KindList, list: append([]Value(nil), vs...)} }
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{Kind: KindMap, m: cp}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) AsString() (string, bool)    { return v.str, v.Kind == KindString }
func (v Value) AsInt() (int64, bool)        { return v.i, v.Kind == KindInt }
func (v Value) AsFloat() (float64, bool)    { return v.f, v.Kind == KindFloat }
func (v Value) AsBool() (bool, bool)        { return v.b, v.Kind == KindBool }
func (v Value) AsBytes() ([]byte, bool)     { return v.bytes, v.Kind == KindBytes }
func (v Value) AsTime() (time.Time, bool)   { return v.t, v.Kind == KindTime }
func (v Value) AsList() ([]Value, bool)     { return v.list, v.Kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.Kind == KindMap }

// String renders a human-readable form, used for stringification templates
// and log fields, never for wire encoding.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindString:
		return v.str
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.bytes)
	case KindTime:
		return v.t.Format("2006-01-02T15:04:05")
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return fmt.Sprintf("%v", parts)
	case KindMap:
		return fmt.Sprintf("%v", v.m)
	default:
		return ""
	}
}

// Equal implements canonical equality: lists compare element-wise in
// order, maps compare by key regardless of insertion order, timestamps
// compare instant-for-instant (not by location).
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindBool:
		return a.b == b.b
	case KindBytes:
		if len(a.bytes) != len(b.bytes) {
			return false
		}
		for i := range a.bytes {
			if a.bytes[i] != b.bytes[i] {
				return false
			}
		}
		return true
	case KindTime:
		return a.t.Equal(b.t)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// wireValue is the JSON-safe on-the-wire shape for a Value.
type wireValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON produces the wire event format's JSON-safe encoding: bytes
// become base64 strings (via Go's native []byte JSON marshaling), lists
// stay ordered, maps are attribute-name to value as spec.md §6 requires.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return json.Marshal(wireValue{K: "null"})
	case KindString:
		raw, _ := json.Marshal(v.str)
		return json.Marshal(wireValue{K: "string", V: raw})
	case KindInt:
		raw, _ := json.Marshal(v.i)
		return json.Marshal(wireValue{K: "int", V: raw})
	case KindFloat:
		raw, _ := json.Marshal(v.f)
		return json.Marshal(wireValue{K: "float", V: raw})
	case KindBool:
		raw, _ := json.Marshal(v.b)
		return json.Marshal(wireValue{K: "bool", V: raw})
	case KindBytes:
		raw, _ := json.Marshal(v.bytes) // encoding/json base64-encodes []byte
		return json.Marshal(wireValue{K: "bytes", V: raw})
	case KindTime:
		raw, _ := json.Marshal(v.t.Format("2006-01-02T15:04:05"))
		return json.Marshal(wireValue{K: "time", V: raw})
	case KindList:
		raw, err := json.Marshal(v.list)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "list", V: raw})
	case KindMap:
		// Canonicalize key order for deterministic output.
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]Value, len(v.m))
		for _, k := range keys {
			ordered[k] = v.m[k]
		}
		raw, err := json.Marshal(ordered)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "map", V: raw})
	default:
		return json.Marshal(wireValue{K: "null"})
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.K {
	case "null", "":
		*v = Null()
	case "string":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		*v = String(s)
	case "int":
		var i int64
		if err := json.Unmarshal(w.V, &i); err != nil {
			return err
		}
		*v = Int(i)
	case "float":
		var f float64
		if err := json.Unmarshal(w.V, &f); err != nil {
			return err
		}
		*v = Float(f)
	case "bool":
		var b bool
		if err := json.Unmarshal(w.V, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case "bytes":
		var b []byte
		if err := json.Unmarshal(w.V, &b); err != nil {
			return err
		}
		*v = Bytes(b)
	case "time":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		t, err := time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return err
		}
		*v = Time(t)
	case "list":
		var l []Value
		if err := json.Unmarshal(w.V, &l); err != nil {
			return err
		}
		*v = List(l...)
	case "map":
		var m map[string]Value
		if err := json.Unmarshal(w.V, &m); err != nil {
			return err
		}
		*v = Map(m)
	default:
		return fmt.Errorf("value: unknown wire kind %q", w.K)
	}
	return nil
}

// AttrMap is an attribute-name to Value mapping, the shape objects carry
// around attribute dictionaries.
type AttrMap map[string]Value

// Clone returns a shallow copy safe to mutate independently (Values are
// themselves immutable once constructed).
func (m AttrMap) Clone() AttrMap {
	cp := make(AttrMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Diff returns the set of attribute names in b that differ from a (added,
// changed, or present only in b); it does not report names present only
// in a. Callers needing symmetric difference combine two Diff calls.
func Diff(a, b AttrMap) []string {
	var changed []string
	for k, bv := range b {
		av, ok := a[k]
		if !ok || !Equal(av, bv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
