// Package integrity implements cross-type integrity constraint
// evaluation (C6): after every type has been merged, each type's
// integrity_constraints predicates run per row with access to every
// other type's full row set and pkey set, in declared type order so a
// drop in one type is visible to later types' predicates. Grounded on
// the same predicate-over-snapshot shape as internal/merge's
// merge_constraints, kept as a separate package because integrity runs
// once globally after all per-type merges finish rather than once per
// source step.
package integrity

import (
	"sort"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
)

// Snapshot is the post-merge, pre-integrity authoritative state: every
// declared type's merged rows, keyed by type name.
type Snapshot map[string]map[dataschema.Pkey]*dataschema.Object

// Binding is the evaluation environment a constraint predicate sees:
// the row under test bound as Self, plus every type's full row set and
// pkey set for cross-type lookups ("_SELF", "U", "U_pkeys" in spec terms).
type Binding struct {
	Self  *dataschema.Object
	Types Snapshot
}

// ConstraintPredicate evaluates one integrity_constraints expression
// against a Binding; supplied by the caller so this package does not
// depend on the expression-language package.
type ConstraintPredicate func(b Binding) (bool, error)

// Result is the per-type outcome of evaluating all integrity constraints.
type Result struct {
	Kept        Snapshot
	Diagnostics []*herr.Diagnostic
}

// Evaluate walks types in declared order, evaluating every predicate in
// predicatesByType[typeName] against each of that type's rows; a false
// or erroring predicate drops the row from the snapshot for this cycle
// only, and the drop is visible to every later type's predicates since
// Kept is mutated in place before moving to the next type.
func Evaluate(orderedTypes []*dataschema.Type, snapshot Snapshot, predicatesByType map[string][]ConstraintPredicate) Result {
	kept := make(Snapshot, len(snapshot))
	for name, rows := range snapshot {
		clone := make(map[dataschema.Pkey]*dataschema.Object, len(rows))
		for k, v := range rows {
			clone[k] = v
		}
		kept[name] = clone
	}

	var diags []*herr.Diagnostic

	for _, typ := range orderedTypes {
		predicates := predicatesByType[typ.Name]
		if len(predicates) == 0 {
			continue
		}
		rows := kept[typ.Name]
		for _, k := range sortedKeys(rows) {
			row := rows[k]
			for _, pred := range predicates {
				pass, err := pred(Binding{Self: row, Types: kept})
				if err != nil {
					diags = append(diags, herr.New(herr.IntegrityViolated, err).WithCoords(typ.Name, string(k), ""))
					delete(rows, k)
					break
				}
				if !pass {
					diags = append(diags, herr.New(herr.IntegrityViolated, errFailedConstraint(k)).WithCoords(typ.Name, string(k), ""))
					delete(rows, k)
					break
				}
			}
		}
	}

	return Result{Kept: kept, Diagnostics: diags}
}

// PkeySet extracts the pkey set of a type's rows, the "U_pkeys" binding
// a constraint predicate receives for a peer type U.
func PkeySet(rows map[dataschema.Pkey]*dataschema.Object) map[dataschema.Pkey]struct{} {
	out := make(map[dataschema.Pkey]struct{}, len(rows))
	for k := range rows {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[dataschema.Pkey]*dataschema.Object) []dataschema.Pkey {
	out := make([]dataschema.Pkey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
