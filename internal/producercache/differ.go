package producercache

import (
	"sort"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// ChangeKind is the diff operation spec.md §4.5 names; it maps 1:1 onto
// the bus operation C9 publishes.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one diff result for a single pkey.
type Change struct {
	Kind          ChangeKind
	Pkey          dataschema.Pkey
	RemotePkey    dataschema.Pkey
	Attrs         value.AttrMap // full sent attrs for added, changed-only for modified, nil for removed
	ChangedFields []string
	// FKAttrs carries the removed object's foreign-key attribute values,
	// set only for Removed changes whose type declares foreign keys
	// (fkAttrNames). The event emitted from this change is the only
	// place downstream ever sees these values again, since the cached
	// entry they came from is dropped once the diff completes.
	FKAttrs value.AttrMap
}

// Diff compares the cached snapshot OLD against the post-integrity
// snapshot NEW for one type and returns changes in the stable order
// spec.md §4.5 requires: added, then modified, then removed.
//
// sentAttrsOf must return the subset of an object's attributes that are
// actually transmitted downstream (SourceBinding.SentAttrs: regular and
// secret), since cacheonly/local never appear in an emitted event even
// though they are part of the cached Entry.
//
// fkAttrNames, when given, names the type's foreign-key attributes
// (dataschema.Type.ForeignKeys' keys); their values are copied from the
// removed entry into each Removed change's FKAttrs so the foreign-key
// policy engine can still resolve the event's parent/children after the
// object has left the cache.
func Diff(old map[dataschema.Pkey]*Entry, new_ map[dataschema.Pkey]*dataschema.Object, sentAttrsOf func(*dataschema.Object) value.AttrMap, fkAttrNames ...string) []Change {
	var changes []Change

	for _, k := range sortedNewKeys(new_) {
		if _, existed := old[k]; !existed {
			obj := new_[k]
			changes = append(changes, Change{
				Kind:       Added,
				Pkey:       k,
				RemotePkey: obj.RemotePkey,
				Attrs:      sentAttrsOf(obj),
			})
		}
	}

	for _, k := range sortedNewKeys(new_) {
		entry, existed := old[k]
		if !existed {
			continue
		}
		obj := new_[k]
		sent := sentAttrsOf(obj)
		changedFields := value.Diff(entry.Attrs, sent)
		if len(changedFields) == 0 {
			continue
		}
		changedAttrs := make(value.AttrMap, len(changedFields))
		for _, f := range changedFields {
			changedAttrs[f] = sent[f]
		}
		changes = append(changes, Change{
			Kind:          Modified,
			Pkey:          k,
			RemotePkey:    obj.RemotePkey,
			Attrs:         changedAttrs,
			ChangedFields: changedFields,
		})
	}

	for _, k := range sortedOldKeys(old) {
		if _, stillPresent := new_[k]; !stillPresent {
			changes = append(changes, Change{
				Kind:       Removed,
				Pkey:       k,
				RemotePkey: dataschema.Pkey(old[k].RemotePkey),
				FKAttrs:    fkAttrsOf(old[k], fkAttrNames),
			})
		}
	}

	return changes
}

func fkAttrsOf(entry *Entry, fkAttrNames []string) value.AttrMap {
	if len(fkAttrNames) == 0 {
		return nil
	}
	out := make(value.AttrMap, len(fkAttrNames))
	for _, name := range fkAttrNames {
		if v, ok := entry.Attrs[name]; ok {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedNewKeys(m map[dataschema.Pkey]*dataschema.Object) []dataschema.Pkey {
	out := make([]dataschema.Pkey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortPkeys(out)
	return out
}

func sortedOldKeys(m map[dataschema.Pkey]*Entry) []dataschema.Pkey {
	out := make([]dataschema.Pkey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortPkeys(out)
	return out
}

func sortPkeys(ks []dataschema.Pkey) {
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
}
