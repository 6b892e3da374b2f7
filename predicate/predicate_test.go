package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tanstack/db-core/ir"
)

func gt(alias, field string, v int64) ir.Expr {
	return ir.Func{Name: ir.FuncGt, Args: []ir.Expr{
		ir.PropRef{Alias: alias, Path: []string{field}},
		ir.Value{V: v},
	}}
}

func eq(alias, field string, v int64) ir.Expr {
	return ir.Func{Name: ir.FuncEq, Args: []ir.Expr{
		ir.PropRef{Alias: alias, Path: []string{field}},
		ir.Value{V: v},
	}}
}

func in(alias, field string, vs ...int64) ir.Expr {
	args := []ir.Expr{ir.PropRef{Alias: alias, Path: []string{field}}}
	for _, v := range vs {
		args = append(args, ir.Value{V: v})
	}
	return ir.Func{Name: ir.FuncIn, Args: args}
}

func and(exprs ...ir.Expr) ir.Expr {
	return ir.Func{Name: ir.FuncAnd, Args: exprs}
}

func TestIsSubsetRecognizesExtraConjunct(t *testing.T) {
	base := gt("o", "amount", 100)
	narrower := ir.Func{Name: ir.FuncAnd, Args: []ir.Expr{base, gt("o", "qty", 1)}}

	assert.True(t, IsSubset(narrower, base), "narrower predicate's rows are all in base's rows")
	assert.False(t, IsSubset(base, narrower), "base is not restricted to narrower's extra clause")
}

func TestIsSubsetNilIsUniverse(t *testing.T) {
	p := gt("o", "amount", 100)
	assert.True(t, IsSubset(p, nil))
	assert.False(t, IsSubset(nil, p))
	assert.True(t, IsSubset(nil, nil))
}

func TestIntersectSimplifiesWhenOneImpliesOther(t *testing.T) {
	base := gt("o", "amount", 100)
	narrower := ir.Func{Name: ir.FuncAnd, Args: []ir.Expr{base, gt("o", "qty", 1)}}

	assert.Equal(t, narrower, Intersect(narrower, base))
	assert.Equal(t, narrower, Intersect(base, narrower))
}

func TestMinusHandlesNilOperands(t *testing.T) {
	base := gt("o", "amount", 100)
	got := Minus(base, nil)
	assert.Equal(t, base, got)

	got = Minus(nil, base)
	assert.Nil(t, got)
}

func TestLiftLoadSubsetNoFetchWhenAlreadyCovered(t *testing.T) {
	broad := gt("o", "amount", 0)
	narrow := ir.Func{Name: ir.FuncAnd, Args: []ir.Expr{broad, gt("o", "qty", 1)}}

	// Already loaded everything matching broad; narrow's rows are a subset
	// of broad's, so nothing new needs fetching.
	needsFetch, _ := LiftLoadSubset(broad, narrow)
	assert.False(t, needsFetch)

	// Already loaded only narrow; broad asks for rows narrow never covered.
	needsFetch, fetch := LiftLoadSubset(narrow, broad)
	assert.True(t, needsFetch)
	assert.Equal(t, Minus(broad, narrow), fetch)
}

func TestLiftLoadSubsetFetchesEverythingWhenNothingLoaded(t *testing.T) {
	requested := gt("o", "amount", 100)
	needsFetch, fetch := LiftLoadSubset(nil, requested)
	assert.True(t, needsFetch)
	assert.Equal(t, requested, fetch)
}

func TestIsSubsetRecognizesTighterRangeBound(t *testing.T) {
	a := and(gt("o", "age", 20), eq("o", "status", 1))
	b := gt("o", "age", 10)

	assert.True(t, IsSubset(a, b), "age>20 implies age>10 even though the literals differ")
	assert.False(t, IsSubset(b, a), "age>10 does not imply age>20 or status=1")
}

func TestIsSubsetRangeBoundaryInclusivity(t *testing.T) {
	gte := ir.Func{Name: ir.FuncGte, Args: []ir.Expr{
		ir.PropRef{Alias: "o", Path: []string{"age"}}, ir.Value{V: int64(10)},
	}}
	gtStrict := gt("o", "age", 10)

	assert.True(t, IsSubset(gtStrict, gte), "age>10 implies age>=10")
	assert.False(t, IsSubset(gte, gtStrict), "age>=10 does not imply age>10 (age==10 is a counterexample)")
}

func TestIsSubsetEqImpliesIn(t *testing.T) {
	a := eq("o", "status", 2)
	b := in("o", "status", 1, 2, 3)

	assert.True(t, IsSubset(a, b))
	assert.False(t, IsSubset(b, a))
}

func TestIsSubsetInSetContainment(t *testing.T) {
	narrow := in("o", "status", 1, 2)
	wide := in("o", "status", 1, 2, 3)

	assert.True(t, IsSubset(narrow, wide))
	assert.False(t, IsSubset(wide, narrow))
}

func TestIntersectCollapsesContradictoryEquality(t *testing.T) {
	got := Intersect(eq("o", "age", 5), eq("o", "age", 6))
	assert.Equal(t, ir.Value{V: false}, got)
}

func TestIntersectCollapsesEqOutsideRange(t *testing.T) {
	got := Intersect(eq("o", "age", 5), gt("o", "age", 20))
	assert.Equal(t, ir.Value{V: false}, got)
}

func TestIntersectCollapsesMutuallyExclusiveRanges(t *testing.T) {
	lt := ir.Func{Name: ir.FuncLt, Args: []ir.Expr{
		ir.PropRef{Alias: "o", Path: []string{"age"}}, ir.Value{V: int64(10)},
	}}
	got := Intersect(gt("o", "age", 20), lt)
	assert.Equal(t, ir.Value{V: false}, got)
}

func TestIntersectCollapsesEqOutsideInSet(t *testing.T) {
	got := Intersect(eq("o", "status", 9), in("o", "status", 1, 2, 3))
	assert.Equal(t, ir.Value{V: false}, got)
}

func TestIntersectDoesNotCollapseCompatibleRanges(t *testing.T) {
	got := Intersect(gt("o", "age", 20), eq("o", "status", 1))
	assert.Equal(t, and(gt("o", "age", 20), eq("o", "status", 1)), got)
}
