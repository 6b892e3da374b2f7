package compiler

import (
	"fmt"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
)

// compileJoin lowers one Join against the accumulated left-hand edge.
// Inner joins become a single d2.NewJoin; left/right/full additionally
// concatenate the unmatched side(s), produced by d2.NewAntiJoin, with their
// missing alias simply absent from the row rather than null-filled by a
// separate map — evalPropRef already treats an unbound alias as null, so
// omission and explicit nulling are observationally identical downstream.
func (c *compileCtx) compileJoin(left d2.EdgeID, knownAliases map[string]bool, j ir.Join) (d2.EdgeID, error) {
	right, err := c.compileSource(j.Ref, nil)
	if err != nil {
		return 0, err
	}

	leftKey, rightKey, err := matchEquiJoin(j.On, knownAliases, j.Ref.Alias)
	if err != nil {
		return 0, err
	}

	combine := func(l, r core.Tuple) (core.Tuple, error) {
		merged := core.Row{}
		for k, v := range l.Row {
			merged[k] = v
		}
		for k, v := range r.Row {
			merged[k] = v
		}
		return core.Tuple{Key: compositeKey(l.Key, r.Key), Row: merged}, nil
	}

	inner, err := d2.NewJoin(c.g, left, right, leftKey, rightKey, combine)
	if err != nil {
		return 0, err
	}

	switch j.Kind {
	case ir.JoinInner:
		return inner, nil
	case ir.JoinLeft:
		unmatchedLeft, err := d2.NewAntiJoin(c.g, left, right, leftKey, rightKey)
		if err != nil {
			return 0, err
		}
		return d2.NewConcat(c.g, inner, unmatchedLeft)
	case ir.JoinRight:
		unmatchedRight, err := d2.NewAntiJoin(c.g, right, left, rightKey, leftKey)
		if err != nil {
			return 0, err
		}
		return d2.NewConcat(c.g, inner, unmatchedRight)
	case ir.JoinFull:
		unmatchedLeft, err := d2.NewAntiJoin(c.g, left, right, leftKey, rightKey)
		if err != nil {
			return 0, err
		}
		unmatchedRight, err := d2.NewAntiJoin(c.g, right, left, rightKey, leftKey)
		if err != nil {
			return 0, err
		}
		unmatched, err := d2.NewConcat(c.g, unmatchedLeft, unmatchedRight)
		if err != nil {
			return 0, err
		}
		return d2.NewConcat(c.g, inner, unmatched)
	default:
		return 0, core.WrapKind(core.KindUnsupportedJoin, fmt.Sprintf("unknown join kind %q", j.Kind), nil)
	}
}

// matchEquiJoin checks that on is exactly eq(PropRef, PropRef) with one side
// qualified by an alias already in scope and the other by rightAlias, and
// returns key functions for each side in that order. Anything else —
// a non-equi predicate, a predicate over unrelated aliases, a composite
// AND of multiple equalities — is rejected as core.ErrUnsupportedJoin; the
// engine only lowers single-column equi-joins.
func matchEquiJoin(on ir.Expr, leftAliases map[string]bool, rightAlias string) (d2.JoinKeyFunc, d2.JoinKeyFunc, error) {
	f, ok := on.(ir.Func)
	if !ok || f.Name != ir.FuncEq || len(f.Args) != 2 {
		return nil, nil, core.WrapKind(core.KindUnsupportedJoin, "join predicate must be a single equality", nil)
	}
	a, aOk := f.Args[0].(ir.PropRef)
	b, bOk := f.Args[1].(ir.PropRef)
	if !aOk || !bOk {
		return nil, nil, core.WrapKind(core.KindUnsupportedJoin, "join predicate must compare two column references", nil)
	}

	var leftRef, rightRef ir.PropRef
	switch {
	case leftAliases[a.Alias] && b.Alias == rightAlias:
		leftRef, rightRef = a, b
	case leftAliases[b.Alias] && a.Alias == rightAlias:
		leftRef, rightRef = b, a
	default:
		return nil, nil, core.WrapKind(core.KindUnsupportedJoin, "join predicate must relate the new source to an already-bound alias", nil)
	}
	return columnKeyFunc(leftRef), columnKeyFunc(rightRef), nil
}

// columnKeyFunc builds a JoinKeyFunc that evaluates ref against an
// alias-wrapped tuple and stringifies the result; stringifying sidesteps
// core.ValidateKey's string-or-int64 restriction without losing join
// correctness, since the join only ever compares two keys for equality.
func columnKeyFunc(ref ir.PropRef) d2.JoinKeyFunc {
	return func(t core.Tuple) (core.Key, error) {
		v, err := ir.Eval(ref, envFromTuple(t))
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, core.WrapKind(core.KindQueryShape, "join key is null", nil)
		}
		return fmt.Sprintf("%v", v), nil
	}
}

func compositeKey(l, r core.Key) core.Key {
	return fmt.Sprintf("%v\x00%v", l, r)
}
