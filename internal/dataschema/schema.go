// Package dataschema implements the declarative entity-type model (C2):
// types, primary keys (simple or composite), foreign keys, attribute
// classes, and per-source merge/conflict policy. Schemas are versioned so
// a consumer can detect and migrate against a revision announced by the
// Producer (C10).
package dataschema

import "fmt"

// MergeConflictPolicy selects how C5 resolves an attribute present with
// different values from two sources for the same pkey.
type MergeConflictPolicy string

const (
	UseCachedEntry MergeConflictPolicy = "use_cached_entry"
	KeepFirstValue MergeConflictPolicy = "keep_first_value"
)

// PkeyMergeConstraint selects how C5 step 3 reconciles a source's pkey set
// against the merged set built so far.
type PkeyMergeConstraint string

const (
	NoConstraint      PkeyMergeConstraint = "noConstraint"
	MustNotExist      PkeyMergeConstraint = "mustNotExist"
	MustAlreadyExist  PkeyMergeConstraint = "mustAlreadyExist"
	MustExistInBoth   PkeyMergeConstraint = "mustExistInBoth"
)

// AttrClass tags how an attribute participates in caching/diffing/emission.
type AttrClass int

const (
	// Regular attributes are sent, cached, and diffed.
	Regular AttrClass = iota
	// Local attributes never leave the Producer: not sent, not cached,
	// not diffed (e.g. a source-side "last changed" timestamp used only
	// to drive a fetch query).
	Local
	// Secret attributes are sent but never cached, so they always diff
	// as present-in-NEW (added/changed) every cycle.
	Secret
	// CacheOnly attributes are cached but never sent downstream.
	CacheOnly
)

// ForeignKey is a declared reference from an attribute of the owning type
// to the primary key attribute of another type. RemoteIsComposite is a
// slot for whether the parent's primary key is itself a tuple; New does
// not set it and neither the emitter nor the consumer reads it.
type ForeignKey struct {
	Attr              string
	ParentType        string
	ParentAttr        string
	RemoteIsComposite bool
}

// SourceBinding is a per (Type, Source) declaration: a fetch query, optional
// commit hooks, the attribute projection mapping, and the merge policy
// knobs from spec.md §3.
type SourceBinding struct {
	Name                 string
	FetchQuery           string
	FetchVars            map[string]string
	CommitOne            string
	CommitAll            string
	Mapping              map[string]string // local attr -> expression
	ListMapping          map[string][]string // local attr -> ordered remote names to concatenate
	CacheOnlyAttrs       map[string]bool
	SecretAttrs          map[string]bool
	LocalAttrs           map[string]bool
	PkeyMergeConstraint  PkeyMergeConstraint
}

// ClassOf reports the AttrClass of attr for this source binding.
func (sb *SourceBinding) ClassOf(attr string) AttrClass {
	if sb.CacheOnlyAttrs[attr] {
		return CacheOnly
	}
	if sb.SecretAttrs[attr] {
		return Secret
	}
	if sb.LocalAttrs[attr] {
		return Local
	}
	return Regular
}

// Type is a named entity type declaration. Types are held in a Schema's
// declared order, which is both the apply order (adds/modifies) and,
// reversed, the removal order.
type Type struct {
	Name                 string
	PrimaryKey           []string // one attribute, or an ordered tuple for composite keys
	ForeignKeys          map[string]ForeignKey
	StringifyTemplate    string
	OnMergeConflict      MergeConflictPolicy
	IntegrityConstraints []string // expressions over the row's bare attribute names and peers' U.<type>.<attr> / U_pkeys.<type>; a _SELF. prefix is not resolved
	MergeConstraints     []string // advanced per-source predicates, evaluated predecessor-only
	Sources              []*SourceBinding
}

// IsComposite reports whether the type's primary key is a tuple.
func (t *Type) IsComposite() bool { return len(t.PrimaryKey) > 1 }

// Schema is a versioned, ordered set of Type declarations. Declaration
// order is significant: it is the apply order, and reversed, the removal
// order (spec.md §3).
type Schema struct {
	Revision int
	Types    []*Type
	byName   map[string]*Type
}

// New builds a Schema from an ordered Type list, indexing by name and
// rejecting configuration-time errors: duplicate type names, and foreign
// keys pointing at undeclared types. Merge-constraint expressions are not
// inspected here.
func New(revision int, types []*Type) (*Schema, error) {
	s := &Schema{Revision: revision, Types: types, byName: make(map[string]*Type, len(types))}
	for _, t := range types {
		if _, dup := s.byName[t.Name]; dup {
			return nil, fmt.Errorf("dataschema: duplicate type %q", t.Name)
		}
		s.byName[t.Name] = t
	}
	for _, t := range types {
		for attr, fk := range t.ForeignKeys {
			parentIdx, ok := indexOf(types, fk.ParentType)
			if !ok {
				return nil, fmt.Errorf("dataschema: type %q foreign key %q references undeclared type %q", t.Name, attr, fk.ParentType)
			}
			_ = parentIdx
		}
	}
	return s, nil
}

func indexOf(types []*Type, name string) (int, bool) {
	for i, t := range types {
		if t.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Type looks up a declared type by name.
func (s *Schema) Type(name string) (*Type, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Forward returns types in declared (apply) order.
func (s *Schema) Forward() []*Type { return s.Types }

// Reverse returns types in reverse declared order, used for removal
// emission and trashbin sweep ordering.
func (s *Schema) Reverse() []*Type {
	out := make([]*Type, len(s.Types))
	for i, t := range s.Types {
		out[len(s.Types)-1-i] = t
	}
	return out
}

// Equal reports whether two schemas declare the same type names, in the
// same order, with the same primary keys. Attributes, foreign keys and
// sources are not compared.
func Equal(a, b *Schema) bool {
	if len(a.Types) != len(b.Types) {
		return false
	}
	for i := range a.Types {
		if a.Types[i].Name != b.Types[i].Name {
			return false
		}
		if !sameKeys(a.Types[i].PrimaryKey, b.Types[i].PrimaryKey) {
			return false
		}
	}
	return true
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
