// Package predicate implements the small boolean algebra the live-query and
// collection layers use to reason about "which rows has this collection
// already loaded" without re-running a full query plan: intersect, union,
// minus, and a subset check over the ir.Expr fragment that and/or/not/
// comparison functions produce.
//
// is_subset recognizes three shapes beyond literal structural equality: range
// comparisons (gt/gte/lt/lte) on the same referenced path, where a tighter
// bound implies a looser one; eq-vs-in and in-vs-in set containment; and
// eq-vs-range satisfaction. Intersect additionally detects contradictions
// between conjuncts on the same path (eq vs a different eq, eq outside an
// in-set, mutually exclusive ranges) and collapses to a literal false rather
// than emitting an unsatisfiable AND. None of this amounts to general boolean
// satisfiability — there is no SAT solver here — so is_subset can still
// answer "no" where the true answer is "yes"; a false negative just means a
// caller re-fetches data it already had, which is always safe.
package predicate

import (
	"reflect"
	"strings"

	"github.com/tanstack/db-core/ir"
)

// Intersect returns a predicate matching rows that satisfy both a and b,
// simplifying away the AND when one predicate already implies the other, and
// collapsing to a literal false when a and b are mutually exclusive.
func Intersect(a, b ir.Expr) ir.Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case isLiteralFalse(a) || isLiteralFalse(b):
		return literalFalse()
	case isContradictory(a, b):
		return literalFalse()
	case IsSubset(a, b):
		return a
	case IsSubset(b, a):
		return b
	default:
		return ir.Func{Name: ir.FuncAnd, Args: []ir.Expr{a, b}}
	}
}

// Union returns a predicate matching rows that satisfy either a or b,
// simplifying away the OR when one predicate already implies the other.
func Union(a, b ir.Expr) ir.Expr {
	switch {
	case a == nil || b == nil:
		return nil // an unconstrained side makes the union unconstrained too
	case IsSubset(a, b):
		return b
	case IsSubset(b, a):
		return a
	default:
		return ir.Func{Name: ir.FuncOr, Args: []ir.Expr{a, b}}
	}
}

// Minus returns a predicate matching rows that satisfy a but not b. Two nil
// cases return early: a nil b is treated as nothing to subtract and a is
// returned unchanged; a nil a (no constraint) yields nil, which matches
// every row, including those b matches.
func Minus(a, b ir.Expr) ir.Expr {
	if b == nil {
		return a // nothing to subtract
	}
	if a == nil {
		return nil // cannot express "not b" alone without a bounding a
	}
	return ir.Func{Name: ir.FuncAnd, Args: []ir.Expr{a, ir.Func{Name: ir.FuncNot, Args: []ir.Expr{b}}}}
}

// IsSubset reports whether every row satisfying a also satisfies b, by
// checking that every top-level AND conjunct of b is implied by some
// top-level AND conjunct of a (see conjunctImplies). A nil predicate is
// treated as "true" (matches every row): is_subset(x, nil) holds for any x,
// and is_subset(nil, x) holds only when x is also nil. A self-contradictory a
// (its own conjuncts can never hold together) denotes the empty set, which is
// vacuously a subset of anything.
func IsSubset(a, b ir.Expr) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	aConjuncts := flattenAnd(a)
	if selfContradictory(aConjuncts) {
		return true
	}
	for _, bc := range flattenAnd(b) {
		if !impliedByAny(aConjuncts, bc) {
			return false
		}
	}
	return true
}

// flattenAnd splits a top-level chain of AND nodes into its leaf conjuncts;
// anything that isn't an AND is a single-element conjunct list. A nil
// expression flattens to no conjuncts at all.
func flattenAnd(e ir.Expr) []ir.Expr {
	if e == nil {
		return nil
	}
	f, ok := e.(ir.Func)
	if !ok || f.Name != ir.FuncAnd {
		return []ir.Expr{e}
	}
	var out []ir.Expr
	for _, arg := range f.Args {
		out = append(out, flattenAnd(arg)...)
	}
	return out
}

func impliedByAny(conjuncts []ir.Expr, target ir.Expr) bool {
	for _, c := range conjuncts {
		if conjunctImplies(c, target) {
			return true
		}
	}
	return false
}

func selfContradictory(conjuncts []ir.Expr) bool {
	for i := 0; i < len(conjuncts); i++ {
		for j := i + 1; j < len(conjuncts); j++ {
			if conjunctsContradict(conjuncts[i], conjuncts[j]) {
				return true
			}
		}
	}
	return false
}

func isContradictory(a, b ir.Expr) bool {
	all := append(append([]ir.Expr{}, flattenAnd(a)...), flattenAnd(b)...)
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if conjunctsContradict(all[i], all[j]) {
				return true
			}
		}
	}
	return false
}

// conjunctImplies reports whether a single conjunct a makes b true on every
// row that satisfies a: literal equality, a tighter range bound implying a
// looser one on the same path, an eq value falling inside an in-set, an
// in-set being contained in another, or an eq value satisfying a range.
func conjunctImplies(a, b ir.Expr) bool {
	if exprEqual(a, b) {
		return true
	}
	if ae, ok := asEq(a); ok {
		if bi, ok := asIn(b); ok && ae.path == bi.path {
			return containsValue(bi.values, ae.value)
		}
		if br, ok := asRange(b); ok && ae.path == br.path {
			return rangeSatisfiedByValue(br.op, br.bound, ae.value)
		}
		return false
	}
	if ai, ok := asIn(a); ok {
		if bi, ok := asIn(b); ok && ai.path == bi.path {
			return isSubsetValues(ai.values, bi.values)
		}
		return false
	}
	if ar, ok := asRange(a); ok {
		if br, ok := asRange(b); ok && ar.path == br.path {
			return rangeConjunctImplies(ar.op, ar.bound, br.op, br.bound)
		}
		return false
	}
	return false
}

// conjunctsContradict reports whether a and b can never both hold: an eq
// clashing with a different eq or an in-set that excludes it, disjoint
// in-sets, an eq falling outside a range, or mutually exclusive ranges.
func conjunctsContradict(a, b ir.Expr) bool {
	if ae, ok := asEq(a); ok {
		if be, ok := asEq(b); ok && ae.path == be.path {
			return !valuesEq(ae.value, be.value)
		}
		if bi, ok := asIn(b); ok && ae.path == bi.path {
			return !containsValue(bi.values, ae.value)
		}
		if br, ok := asRange(b); ok && ae.path == br.path {
			return !rangeSatisfiedByValue(br.op, br.bound, ae.value)
		}
		return false
	}
	if ai, ok := asIn(a); ok {
		if be, ok := asEq(b); ok && ai.path == be.path {
			return !containsValue(ai.values, be.value)
		}
		if bi, ok := asIn(b); ok && ai.path == bi.path {
			return !valuesIntersect(ai.values, bi.values)
		}
		return false
	}
	if ar, ok := asRange(a); ok {
		if be, ok := asEq(b); ok && ar.path == be.path {
			return !rangeSatisfiedByValue(ar.op, ar.bound, be.value)
		}
		if br, ok := asRange(b); ok && ar.path == br.path {
			return rangesMutuallyExclusive(ar, br)
		}
		return false
	}
	return false
}

type eqFact struct {
	path  string
	value any
}

// asEq recognizes eq(path, literal) or eq(literal, path) in either argument
// order.
func asEq(e ir.Expr) (eqFact, bool) {
	f, ok := e.(ir.Func)
	if !ok || f.Name != ir.FuncEq || len(f.Args) != 2 {
		return eqFact{}, false
	}
	if p, ok := f.Args[0].(ir.PropRef); ok {
		if v, ok := f.Args[1].(ir.Value); ok {
			return eqFact{path: pathKey(p), value: v.V}, true
		}
	}
	if p, ok := f.Args[1].(ir.PropRef); ok {
		if v, ok := f.Args[0].(ir.Value); ok {
			return eqFact{path: pathKey(p), value: v.V}, true
		}
	}
	return eqFact{}, false
}

type inFact struct {
	path   string
	values []any
}

// asIn recognizes in(path, literal, literal, ...).
func asIn(e ir.Expr) (inFact, bool) {
	f, ok := e.(ir.Func)
	if !ok || f.Name != ir.FuncIn || len(f.Args) < 1 {
		return inFact{}, false
	}
	p, ok := f.Args[0].(ir.PropRef)
	if !ok {
		return inFact{}, false
	}
	values := make([]any, 0, len(f.Args)-1)
	for _, arg := range f.Args[1:] {
		v, ok := arg.(ir.Value)
		if !ok {
			return inFact{}, false
		}
		values = append(values, v.V)
	}
	return inFact{path: pathKey(p), values: values}, true
}

type rangeFact struct {
	path  string
	op    ir.FuncName
	bound float64
}

// asRange recognizes gt/gte/lt/lte(path, literal) or the reversed literal-op-
// path form, normalizing the latter by flipping the operator.
func asRange(e ir.Expr) (rangeFact, bool) {
	f, ok := e.(ir.Func)
	if !ok || len(f.Args) != 2 {
		return rangeFact{}, false
	}
	switch f.Name {
	case ir.FuncGt, ir.FuncGte, ir.FuncLt, ir.FuncLte:
	default:
		return rangeFact{}, false
	}
	if p, ok := f.Args[0].(ir.PropRef); ok {
		if v, ok := f.Args[1].(ir.Value); ok {
			if b, ok := toFloat(v.V); ok {
				return rangeFact{path: pathKey(p), op: f.Name, bound: b}, true
			}
		}
	}
	if v, ok := f.Args[0].(ir.Value); ok {
		if p, ok := f.Args[1].(ir.PropRef); ok {
			if b, ok := toFloat(v.V); ok {
				return rangeFact{path: pathKey(p), op: flipRangeOp(f.Name), bound: b}, true
			}
		}
	}
	return rangeFact{}, false
}

func flipRangeOp(op ir.FuncName) ir.FuncName {
	switch op {
	case ir.FuncGt:
		return ir.FuncLt
	case ir.FuncGte:
		return ir.FuncLte
	case ir.FuncLt:
		return ir.FuncGt
	case ir.FuncLte:
		return ir.FuncGte
	default:
		return op
	}
}

// rangeDirection reports whether op is a lower-bound comparison (gt/gte) or
// an upper-bound one (lt/lte), and whether its boundary is inclusive.
func rangeDirection(op ir.FuncName) (lower, inclusive, ok bool) {
	switch op {
	case ir.FuncGt:
		return true, false, true
	case ir.FuncGte:
		return true, true, true
	case ir.FuncLt:
		return false, false, true
	case ir.FuncLte:
		return false, true, true
	default:
		return false, false, false
	}
}

// rangeConjunctImplies reports whether "x aOp aBound" implies "x bOp bBound"
// for the same referenced path: a tighter bound on the same side of the
// comparison always implies a looser one; equal bounds imply only when a
// isn't exclusive where b is inclusive.
func rangeConjunctImplies(aOp ir.FuncName, aBound float64, bOp ir.FuncName, bBound float64) bool {
	aLower, aIncl, aOK := rangeDirection(aOp)
	bLower, bIncl, bOK := rangeDirection(bOp)
	if !aOK || !bOK || aLower != bLower {
		return false
	}
	if aLower {
		switch {
		case aBound > bBound:
			return true
		case aBound < bBound:
			return false
		default:
			return !(aIncl && !bIncl)
		}
	}
	switch {
	case aBound < bBound:
		return true
	case aBound > bBound:
		return false
	default:
		return !(aIncl && !bIncl)
	}
}

// rangesMutuallyExclusive reports whether two range facts on the same path
// can never both hold, e.g. age>20 and age<10. Same-family ranges (two lower
// bounds, or two upper bounds) are never mutually exclusive.
func rangesMutuallyExclusive(a, b rangeFact) bool {
	aLower, aIncl, aOK := rangeDirection(a.op)
	bLower, bIncl, bOK := rangeDirection(b.op)
	if !aOK || !bOK || aLower == bLower {
		return false
	}
	lowBound, lowIncl := a.bound, aIncl
	highBound, highIncl := b.bound, bIncl
	if !aLower {
		lowBound, lowIncl = b.bound, bIncl
		highBound, highIncl = a.bound, aIncl
	}
	switch {
	case lowBound > highBound:
		return true
	case lowBound < highBound:
		return false
	default:
		return !(lowIncl && highIncl)
	}
}

func rangeSatisfiedByValue(op ir.FuncName, bound float64, v any) bool {
	vf, ok := toFloat(v)
	if !ok {
		return false
	}
	switch op {
	case ir.FuncGt:
		return vf > bound
	case ir.FuncGte:
		return vf >= bound
	case ir.FuncLt:
		return vf < bound
	case ir.FuncLte:
		return vf <= bound
	default:
		return false
	}
}

func pathKey(p ir.PropRef) string {
	return p.Alias + "." + strings.Join(p.Path, ".")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valuesEq(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(values []any, v any) bool {
	for _, x := range values {
		if valuesEq(x, v) {
			return true
		}
	}
	return false
}

func isSubsetValues(sub, super []any) bool {
	for _, s := range sub {
		if !containsValue(super, s) {
			return false
		}
	}
	return true
}

func valuesIntersect(a, b []any) bool {
	for _, x := range a {
		if containsValue(b, x) {
			return true
		}
	}
	return false
}

func exprEqual(a, b ir.Expr) bool {
	return reflect.DeepEqual(a, b)
}

func literalFalse() ir.Expr {
	return ir.Value{V: false}
}

func isLiteralFalse(e ir.Expr) bool {
	v, ok := e.(ir.Value)
	return ok && v.V == false
}

// LoadSubsetOptions narrows a collection's live sync to rows matching
// Predicate, typically derived from a live query's WHERE clause so a sync
// adapter can push the filter down instead of syncing the whole collection.
type LoadSubsetOptions struct {
	Predicate ir.Expr
}

// LiftLoadSubset decides whether a collection already synced under
// existing needs a broader (or any) fetch to additionally cover requested.
// A nil existing means nothing has been loaded yet, and the full requested
// predicate must be fetched. When requested is a subset of existing, nothing
// new is needed and it returns needsFetch=false. Otherwise it returns the
// narrowest additional predicate (requested minus whatever existing already
// covers) the caller should fetch.
func LiftLoadSubset(existing, requested ir.Expr) (needsFetch bool, fetchPredicate ir.Expr) {
	if existing == nil {
		return true, requested
	}
	if IsSubset(requested, existing) {
		return false, nil
	}
	return true, Minus(requested, existing)
}
