// Package merge implements per-type multi-source merge (C5): combining
// the independently fetched and projected rows from every source bound
// to a type into one authoritative in-memory snapshot, enforcing each
// source's pkey_merge_constraint and the type's merge_constraints.
// Structured the way the teacher's policy engine folds a sequence of
// per-rule decisions into one outcome, reporting every drop through a
// herr.Diagnostic instead of silently discarding rows.
package merge

import (
	"sort"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// SourceResult is one source's independently fetched+projected rows,
// keyed by the pkey this type's primary-key attributes compute.
type SourceResult struct {
	Source *dataschema.SourceBinding
	Rows   map[dataschema.Pkey]*dataschema.Object
}

// ConstraintPredicate evaluates a type's merge_constraints expression
// against a candidate row; it is supplied by the caller (wired to the
// projection engine) so this package stays free of the expression
// language's dependency.
type ConstraintPredicate func(row *dataschema.Object) (bool, error)

// Result is the outcome of merging one type's sources.
type Result struct {
	Merged      map[dataschema.Pkey]*dataschema.Object
	Diagnostics []*herr.Diagnostic
}

// Merge runs the five-step algorithm: per-source pkey_merge_constraint
// enforcement, attribute-conflict resolution via on_merge_conflict, and
// merge_constraints evaluation after each per-source step.
func Merge(typ *dataschema.Type, sources []SourceResult, cached map[dataschema.Pkey]*dataschema.Object, constraints []ConstraintPredicate) Result {
	res := Result{Merged: make(map[dataschema.Pkey]*dataschema.Object)}

	for _, sr := range sources {
		a := keysOf(sr.Rows)
		b := keysOf(res.Merged)

		retained, skipIncoming, diags := enforceConstraint(typ.Name, sr.Source, a, b)
		res.Diagnostics = append(res.Diagnostics, diags...)

		// mustExistInBoth is an intersection step: keys of M outside
		// retained (B \ A) are dropped, not carried forward.
		for k := range res.Merged {
			if _, keep := retained[k]; !keep {
				delete(res.Merged, k)
			}
		}

		for k := range retained {
			if _, skip := skipIncoming[k]; skip {
				// a mustNotExist violation drops this source's row for the
				// pkey entirely; the already-merged object stays as-is.
				continue
			}
			incoming, hasIncoming := sr.Rows[k]
			existing, hasExisting := res.Merged[k]

			switch {
			case hasIncoming && !hasExisting:
				res.Merged[k] = incoming.Clone()
			case !hasIncoming && hasExisting:
				// retained from a prior source only (mustAlreadyExist keep-as-is).
			case hasIncoming && hasExisting:
				merged, diag := resolveConflicts(typ, k, existing, incoming, cached)
				if diag != nil {
					res.Diagnostics = append(res.Diagnostics, diag)
					delete(res.Merged, k)
					continue
				}
				res.Merged[k] = merged
			}
		}

		res.Merged = applyConstraints(typ.Name, res.Merged, constraints, &res.Diagnostics)
	}

	return res
}

func keysOf(m map[dataschema.Pkey]*dataschema.Object) map[dataschema.Pkey]struct{} {
	out := make(map[dataschema.Pkey]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// enforceConstraint computes the pkey set that survives this source
// step (retained), plus the subset of it whose incoming row must not be
// merged in (skipIncoming — a mustNotExist violation keeps the existing
// object but drops the violating source's contribution entirely).
func enforceConstraint(typeName string, src *dataschema.SourceBinding, a, b map[dataschema.Pkey]struct{}) (retained, skipIncoming map[dataschema.Pkey]struct{}, diags []*herr.Diagnostic) {
	switch src.PkeyMergeConstraint {
	case dataschema.NoConstraint, "":
		retained = make(map[dataschema.Pkey]struct{}, len(a)+len(b))
		for k := range a {
			retained[k] = struct{}{}
		}
		for k := range b {
			retained[k] = struct{}{}
		}
		return retained, nil, nil

	case dataschema.MustNotExist:
		retained = make(map[dataschema.Pkey]struct{}, len(a)+len(b))
		skipIncoming = make(map[dataschema.Pkey]struct{})
		for k := range b {
			retained[k] = struct{}{}
		}
		for k := range a {
			if _, clash := b[k]; clash {
				diags = append(diags, herr.New(herr.MergeConstraint,
					errAlreadyExists(k)).WithCoords(typeName, string(k), src.Name))
				skipIncoming[k] = struct{}{}
				continue
			}
			retained[k] = struct{}{}
		}
		return retained, skipIncoming, diags

	case dataschema.MustAlreadyExist:
		retained = make(map[dataschema.Pkey]struct{}, len(b))
		for k := range b {
			retained[k] = struct{}{}
		}
		for k := range a {
			if _, ok := b[k]; !ok {
				diags = append(diags, herr.New(herr.MergeConstraint,
					errMustAlreadyExist(k)).WithCoords(typeName, string(k), src.Name))
			}
		}
		return retained, nil, diags

	case dataschema.MustExistInBoth:
		retained = make(map[dataschema.Pkey]struct{})
		for k := range a {
			if _, ok := b[k]; ok {
				retained[k] = struct{}{}
			}
		}
		return retained, nil, nil

	default:
		return keysOf(map[dataschema.Pkey]*dataschema.Object{}), nil, nil
	}
}

func resolveConflicts(typ *dataschema.Type, k dataschema.Pkey, existing, incoming *dataschema.Object, cached map[dataschema.Pkey]*dataschema.Object) (*dataschema.Object, *herr.Diagnostic) {
	merged := existing.Clone()
	for attr, incomingVal := range incoming.Attrs {
		existingVal, present := merged.Attrs[attr]
		if !present {
			merged.Attrs[attr] = incomingVal
			continue
		}
		if value.Equal(existingVal, incomingVal) {
			continue
		}
		switch typ.OnMergeConflict {
		case dataschema.KeepFirstValue, "":
			// keep merged.Attrs[attr] as-is: first source already wrote it.
		case dataschema.UseCachedEntry:
			cachedObj, ok := cached[k]
			if !ok {
				return nil, herr.New(herr.MergeConstraint, errNoCachedEntry(k, attr)).
					WithCoords(typ.Name, string(k), "")
			}
			cachedVal, ok := cachedObj.Attrs[attr]
			if !ok {
				return nil, herr.New(herr.MergeConstraint, errNoCachedEntry(k, attr)).
					WithCoords(typ.Name, string(k), "")
			}
			merged.Attrs[attr] = cachedVal
		}
	}
	return merged, nil
}

func applyConstraints(typeName string, rows map[dataschema.Pkey]*dataschema.Object, constraints []ConstraintPredicate, diags *[]*herr.Diagnostic) map[dataschema.Pkey]*dataschema.Object {
	if len(constraints) == 0 {
		return rows
	}
	kept := make(map[dataschema.Pkey]*dataschema.Object, len(rows))
	for _, k := range sortedKeys(rows) {
		row := rows[k]
		ok := true
		for _, pred := range constraints {
			pass, err := pred(row)
			if err != nil {
				*diags = append(*diags, herr.New(herr.MergeConstraint, err).WithCoords(typeName, string(k), ""))
				ok = false
				break
			}
			if !pass {
				*diags = append(*diags, herr.New(herr.MergeConstraint, errConstraintFailed(k)).WithCoords(typeName, string(k), ""))
				ok = false
				break
			}
		}
		if ok {
			kept[k] = row
		}
	}
	return kept
}

func sortedKeys(m map[dataschema.Pkey]*dataschema.Object) []dataschema.Pkey {
	out := make([]dataschema.Pkey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
