// Package constraints compiles merge_constraints and integrity_constraints
// expressions from config into the predicate functions internal/merge and
// internal/integrity expect, reusing projection's xelf evaluation
// machinery (C3) rather than a second expression engine. A constraint
// expression must reduce to a boolean xelf atom; anything else is a
// compile-time or evaluation-time error, never a silent false.
package constraints

import (
	"fmt"
	"strings"

	"github.com/mb0/xelf/exp"
	"github.com/mb0/xelf/lit"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/integrity"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/merge"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

var builtin = exp.Builtin{exp.Std, exp.Core}

// objEnv resolves a merge_constraints expression's bare names against one
// object's own attributes, the "_SELF.<attr>" form spec.md's merge
// constraints use being just the bare attribute name here since merge
// constraints only ever see one row at a time.
type objEnv struct {
	par  exp.Env
	attr value.AttrMap
}

func (e *objEnv) Parent() exp.Env      { return e.par }
func (e *objEnv) Supports(x byte) bool { return false }

func (e *objEnv) Get(sym string) *exp.Def {
	if v, ok := e.attr[sym]; ok {
		return exp.DefLit(toLit(v))
	}
	return nil
}

// CompileMerge compiles one merge_constraints expression into a
// merge.ConstraintPredicate evaluated against the candidate row's own
// attributes.
func CompileMerge(expr string) (merge.ConstraintPredicate, error) {
	el, err := exp.Read(strings.NewReader(strings.TrimSpace(expr)))
	if err != nil {
		return nil, fmt.Errorf("constraints: compile merge constraint %q: %w", expr, err)
	}
	return func(obj *dataschema.Object) (bool, error) {
		env := &objEnv{par: builtin, attr: obj.Attrs}
		return evalBool(env, el)
	}, nil
}

// bindingEnv resolves a self-referencing bare name against the row under
// test, and the "U.<type>.<attr>" / "U_pkeys.<type>" cross-type forms
// against the full snapshot, mirroring integrity.Binding.
type bindingEnv struct {
	par exp.Env
	b   integrity.Binding
}

func (e *bindingEnv) Parent() exp.Env      { return e.par }
func (e *bindingEnv) Supports(x byte) bool { return false }

func (e *bindingEnv) Get(sym string) *exp.Def {
	if e.b.Self != nil {
		if v, ok := e.b.Self.Attrs[sym]; ok {
			return exp.DefLit(toLit(v))
		}
	}
	if rest, ok := cutPrefix(sym, "U_pkeys."); ok {
		rows, exists := e.b.Types[rest]
		if !exists {
			return nil
		}
		pkeys := make([]lit.Lit, 0, len(rows))
		for pk := range rows {
			pkeys = append(pkeys, lit.Str(string(pk)))
		}
		return exp.DefLit(&lit.List{Vals: pkeys})
	}
	if rest, ok := cutPrefix(sym, "U."); ok {
		typeName, attr, found := splitOnce(rest, ".")
		if !found {
			return nil
		}
		rows, exists := e.b.Types[typeName]
		if !exists {
			return nil
		}
		items := make([]lit.Lit, 0, len(rows))
		for _, obj := range rows {
			if v, ok := obj.Attrs[attr]; ok {
				items = append(items, toLit(v))
			}
		}
		return exp.DefLit(&lit.List{Vals: items})
	}
	return nil
}

// CompileIntegrity compiles one integrity_constraints expression into an
// integrity.ConstraintPredicate.
func CompileIntegrity(expr string) (integrity.ConstraintPredicate, error) {
	el, err := exp.Read(strings.NewReader(strings.TrimSpace(expr)))
	if err != nil {
		return nil, fmt.Errorf("constraints: compile integrity constraint %q: %w", expr, err)
	}
	return func(b integrity.Binding) (bool, error) {
		env := &bindingEnv{par: builtin, b: b}
		return evalBool(env, el)
	}, nil
}

func evalBool(env exp.Env, el exp.El) (bool, error) {
	res, err := exp.Eval(env, el)
	if err != nil {
		return false, err
	}
	atom, ok := res.(*exp.Atom)
	if !ok {
		return false, fmt.Errorf("constraint did not reduce to a value")
	}
	b, ok := atom.Lit.(lit.Bool)
	if !ok {
		return false, fmt.Errorf("constraint did not reduce to a boolean")
	}
	return bool(b), nil
}

func toLit(v value.Value) lit.Lit {
	switch v.Kind {
	case value.KindString:
		s, _ := v.AsString()
		return lit.Str(s)
	case value.KindInt:
		i, _ := v.AsInt()
		return lit.Int(i)
	case value.KindFloat:
		f, _ := v.AsFloat()
		return lit.Real(f)
	case value.KindBool:
		b, _ := v.AsBool()
		return lit.Bool(b)
	default:
		return lit.Nil
	}
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func splitOnce(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
