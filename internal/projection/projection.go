// Package projection implements attribute projection (C3): a per-source
// mapping from remote attributes to local attributes, evaluated with a
// pure, sandboxed expression language plus a registry of deterministic
// filters. Projection never mutates its inputs and never executes
// arbitrary code — the expression half is parsed and evaluated through
// github.com/mb0/xelf, the same small expression/type engine mb0/daql's
// query planner embeds for its own row-level predicates (qry/env.go).
package projection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mb0/xelf/exp"
	"github.com/mb0/xelf/lit"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// builtin mirrors the Builtin composition pattern from mb0/daql's
// qry.Builtin: a small, fixed lookup chain with no dynamic loading.
var builtin = exp.Builtin{exp.Std, exp.Core}

// Filter is a pure, deterministic attribute filter: (value, args) -> value.
// Filters must never depend on mutable package state or wall-clock time in
// a way that makes two evaluations of the same row diverge.
type Filter func(in value.Value, args []string) (value.Value, error)

// Registry holds the named filters available to an expression's trailing
// pipeline, e.g. hash, regex, list-splitting and cryptographic filters.
type Registry struct {
	filters map[string]Filter
}

func NewRegistry() *Registry { return &Registry{filters: make(map[string]Filter)} }

func (r *Registry) Register(name string, f Filter) { r.filters[name] = f }

func (r *Registry) Lookup(name string) (Filter, bool) {
	f, ok := r.filters[name]
	return f, ok
}

func (r *Registry) SortedFilterNames() []string {
	names := make([]string, 0, len(r.filters))
	for n := range r.filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Row is the binding environment for one source row: every remote column
// plus a CachedValues view of the previously cached object (empty on
// first sight), as spec.md §4.1 requires.
type Row struct {
	Remote       value.AttrMap
	CachedValues value.AttrMap
}

// rowEnv resolves bare remote-attribute names and a "cached.<attr>" form
// against one Row, falling back to the xelf builtin chain for everything
// else (arithmetic, string ops, list literals).
type rowEnv struct {
	par exp.Env
	row Row
}

func (e *rowEnv) Parent() exp.Env      { return e.par }
func (e *rowEnv) Supports(x byte) bool { return false }

func (e *rowEnv) Get(sym string) *exp.Def {
	if strings.HasPrefix(sym, "cached.") {
		attr := strings.TrimPrefix(sym, "cached.")
		return exp.DefLit(toLit(e.row.CachedValues[attr]))
	}
	if v, ok := e.row.Remote[sym]; ok {
		return exp.DefLit(toLit(v))
	}
	return nil
}

// Compiled is an expression parsed once per cycle (spec.md §4.1), plus an
// ordered list of named, argumented filters applied to its result —
// hermes-go's equivalent of the original Jinja2 template's filter pipe.
type Compiled struct {
	attr    string
	el      exp.El
	filters []compiledFilter
}

type compiledFilter struct {
	name string
	args []string
}

// Compile parses an expression of the form `<xelf-expr> | filter(arg,arg) | filter2`.
func Compile(attr, expr string) (*Compiled, error) {
	segments := strings.Split(expr, "|")
	el, err := exp.Read(strings.NewReader(strings.TrimSpace(segments[0])))
	if err != nil {
		return nil, fmt.Errorf("projection: compile %s: %w", attr, err)
	}
	c := &Compiled{attr: attr, el: el}
	for _, seg := range segments[1:] {
		name, args := parseFilterCall(strings.TrimSpace(seg))
		c.filters = append(c.filters, compiledFilter{name: name, args: args})
	}
	return c, nil
}

func parseFilterCall(seg string) (name string, args []string) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return seg, nil
	}
	name = seg[:open]
	inner := seg[open+1 : len(seg)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil
	}
	for _, a := range strings.Split(inner, ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args
}

// Eval evaluates a compiled expression and its filter pipeline against
// one row. Any failure — a parse-time-correct but unresolvable
// expression, or a filter error — aborts projection for that row with a
// recoverable diagnostic (spec.md §4.1), never a panic.
func (c *Compiled) Eval(row Row, reg *Registry) (value.Value, *herr.Diagnostic) {
	env := &rowEnv{par: builtin, row: row}
	res, err := exp.Eval(env, c.el)
	if err != nil {
		return value.Null(), herr.New(herr.ProjectionError, fmt.Errorf("attribute %s: %w", c.attr, err))
	}
	atom, ok := res.(*exp.Atom)
	if !ok {
		return value.Null(), herr.New(herr.ProjectionError, fmt.Errorf("attribute %s: expression did not reduce to a value", c.attr))
	}
	out := fromLit(atom.Lit)
	for _, cf := range c.filters {
		f, ok := reg.Lookup(cf.name)
		if !ok {
			return value.Null(), herr.New(herr.ProjectionError, fmt.Errorf("attribute %s: unknown filter %q", c.attr, cf.name))
		}
		out, err = f(out, cf.args)
		if err != nil {
			return value.Null(), herr.New(herr.ProjectionError, fmt.Errorf("attribute %s: filter %q: %w", c.attr, cf.name, err))
		}
	}
	return out, nil
}

// ProjectListMapping implements the non-expression mapping form: a list
// of remote attribute names concatenated, in order, into a list value,
// skipping null entries (spec.md §4.1 "If the mapping value is a list of
// remote names... empty list -> attribute omitted").
func ProjectListMapping(remoteNames []string, row Row) (value.Value, bool) {
	var out []value.Value
	for _, name := range remoteNames {
		if v, ok := row.Remote[name]; ok && !v.IsNull() {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return value.Value{}, false
	}
	return value.List(out...), true
}

// toLit/fromLit bridge hermes-go's own Value variant to xelf's lit.Lit so
// expressions see ordinary xelf literals and hermes-go never leaks a
// third value representation into the rest of the pipeline.
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
	case value.KindList:
		l, _ := v.AsList()
		items := make([]lit.Lit, len(l))
		for i, e := range l {
			items[i] = toLit(e)
		}
		return &lit.List{Vals: items}
	default:
		return lit.Nil
	}
}

func fromLit(l lit.Lit) value.Value {
	switch t := l.(type) {
	case lit.Str:
		return value.String(string(t))
	case lit.Int:
		return value.Int(int64(t))
	case lit.Real:
		return value.Float(float64(t))
	case lit.Bool:
		return value.Bool(bool(t))
	case *lit.List:
		items := make([]value.Value, len(t.Vals))
		for i, e := range t.Vals {
			items[i] = fromLit(e)
		}
		return value.List(items...)
	default:
		return value.Null()
	}
}

// CompiledSource is a SourceBinding's Mapping, compiled once per cycle
// (one Compiled per expression attribute; ListMapping entries need no
// compilation).
type CompiledSource struct {
	Exprs map[string]*Compiled // local attr -> compiled expression
}

// CompileSource compiles every expression entry of sb.Mapping, failing
// fast on the first attribute whose expression doesn't parse — a
// configuration-time error, not a per-row one.
func CompileSource(sb *dataschema.SourceBinding) (*CompiledSource, error) {
	cs := &CompiledSource{Exprs: make(map[string]*Compiled, len(sb.Mapping))}
	for attr, expr := range sb.Mapping {
		c, err := Compile(attr, expr)
		if err != nil {
			return nil, err
		}
		cs.Exprs[attr] = c
	}
	return cs, nil
}

// ProjectRow evaluates every attribute sb declares — both Compiled
// expressions and ListMapping concatenations — against one remote row,
// returning the full local attribute set for one object (spec.md §4.1).
// The first attribute that fails to project aborts the whole row with
// its diagnostic, matching "any filter producing an error aborts
// projection for that row".
func ProjectRow(cs *CompiledSource, sb *dataschema.SourceBinding, row Row, reg *Registry) (value.AttrMap, *herr.Diagnostic) {
	out := make(value.AttrMap, len(cs.Exprs)+len(sb.ListMapping))

	for _, attr := range sortedMappingKeys(cs.Exprs) {
		v, diag := cs.Exprs[attr].Eval(row, reg)
		if diag != nil {
			return nil, diag
		}
		out[attr] = v
	}

	for _, attr := range sortedListMappingKeys(sb.ListMapping) {
		if v, ok := ProjectListMapping(sb.ListMapping[attr], row); ok {
			out[attr] = v
		}
	}

	return out, nil
}

func sortedMappingKeys(m map[string]*Compiled) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedListMappingKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
