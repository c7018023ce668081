// Package evolver implements the Consumer dataschema evolver (C10):
// reconciling a locally cached schema against a newly received one,
// dropping attributes/types the remote side removed and leaving added
// ones absent until a future event populates them. Schema evolution
// runs before the cycle resumes event consumption, so this package's
// Plan is computed once per schema_update and then applied by the
// caller against the consumer cache and error queue in one pass.
package evolver

import (
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
)

// Plan is the set of structural changes old→new requires a consumer to
// apply before resuming normal event processing.
type Plan struct {
	RemovedTypes       []string
	RemovedAttrs       map[string][]string // type -> attrs dropped
	AddedTypes         []string
	AddedAttrs         map[string][]string
	RenamedPrimaryKeys []PkeyRename
}

// PkeyRename captures a type whose remote_pkey is unchanged but whose
// local primary-key attribute composition changed — migrated in place,
// never surfaced as a client-visible added/removed event.
type PkeyRename struct {
	Type   string
	Before []string
	After  []string
}

// Compute diffs old against new per spec.md §4.8's symmetric-difference
// rule. A type present in both with the same primary key attributes in
// a different order, or a different attribute set entirely but an
// unchanged logical identity, is reported as a PkeyRename rather than a
// remove+add pair whenever the caller's remotePkeyStable predicate says
// the type's underlying remote identity hasn't moved.
func Compute(old, new_ *dataschema.Schema, remotePkeyStable func(typeName string) bool) Plan {
	plan := Plan{
		RemovedAttrs: make(map[string][]string),
		AddedAttrs:   make(map[string][]string),
	}

	oldTypes := indexByName(old)
	newTypes := indexByName(new_)

	for name := range oldTypes {
		if _, stillExists := newTypes[name]; !stillExists {
			plan.RemovedTypes = append(plan.RemovedTypes, name)
		}
	}
	for name := range newTypes {
		if _, existed := oldTypes[name]; !existed {
			plan.AddedTypes = append(plan.AddedTypes, name)
		}
	}

	for name, oldType := range oldTypes {
		newType, ok := newTypes[name]
		if !ok {
			continue
		}

		oldAttrs := attrSet(oldType)
		newAttrs := attrSet(newType)
		for a := range oldAttrs {
			if !newAttrs[a] {
				plan.RemovedAttrs[name] = append(plan.RemovedAttrs[name], a)
			}
		}
		for a := range newAttrs {
			if !oldAttrs[a] {
				plan.AddedAttrs[name] = append(plan.AddedAttrs[name], a)
			}
		}

		if !sameStringSlice(oldType.PrimaryKey, newType.PrimaryKey) && remotePkeyStable(name) {
			plan.RenamedPrimaryKeys = append(plan.RenamedPrimaryKeys, PkeyRename{
				Type:   name,
				Before: oldType.PrimaryKey,
				After:  newType.PrimaryKey,
			})
		}
	}

	return plan
}

func indexByName(s *dataschema.Schema) map[string]*dataschema.Type {
	out := make(map[string]*dataschema.Type)
	if s == nil {
		return out
	}
	for _, t := range s.Forward() {
		out[t.Name] = t
	}
	return out
}

func attrSet(t *dataschema.Type) map[string]bool {
	out := make(map[string]bool)
	for _, src := range t.Sources {
		for attr := range src.Mapping {
			out[attr] = true
		}
		for attr := range src.ListMapping {
			out[attr] = true
		}
	}
	for _, a := range t.PrimaryKey {
		out[a] = true
	}
	return out
}

func sameStringSlice(a, b []string) bool {
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
