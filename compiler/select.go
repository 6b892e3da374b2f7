package compiler

import (
	"fmt"
	"strings"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
	"github.com/tanstack/db-core/rowhash"
)

type resolvedItem struct {
	name string
	expr ir.Expr
}

// compileSelect flattens an alias-wrapped row into the query's declared
// output shape, evaluating every select expression (substituting computed
// aggregates first when the query is grouped). When limit is non-nil the
// same pass also evaluates orderBy and stashes the results under reserved
// row fields, since the Top-K stage that follows only ever sees a plain
// core.Row and has no alias context of its own to re-evaluate ORDER BY in.
func (c *compileCtx) compileSelect(src d2.EdgeID, items []ir.SelectItem, hasGroupBy bool, orderBy []ir.OrderByClause, limit *int) (d2.EdgeID, error) {
	resolved := make([]resolvedItem, len(items))
	for i, item := range items {
		expr := item.Expr
		if hasGroupBy {
			expr = substituteAggregates(expr)
		}
		resolved[i] = resolvedItem{name: item.OutputName, expr: expr}
	}

	attachOrder := limit != nil
	resolvedOrder := make([]ir.Expr, 0)
	if attachOrder {
		for _, ob := range orderBy {
			e := ob.Expression
			if hasGroupBy {
				e = substituteAggregates(e)
			}
			resolvedOrder = append(resolvedOrder, e)
		}
	}

	return d2.NewMap(c.g, src, func(t core.Tuple) (core.Tuple, error) {
		env := envFromTuple(t)
		row := core.Row{}
		for _, item := range resolved {
			v, err := ir.Eval(item.expr, env)
			if err != nil {
				return core.Tuple{}, err
			}
			row[item.name] = v
		}
		if attachOrder {
			vals := make([]any, len(resolvedOrder))
			for i, oe := range resolvedOrder {
				v, err := ir.Eval(oe, env)
				if err != nil {
					return core.Tuple{}, err
				}
				vals[i] = v
			}
			row[orderKeyField] = vals
			row[tieBreakKeyField] = t.Key
		}
		return core.Tuple{Key: t.Key, Row: row}, nil
	})
}

// compileDistinct re-keys each row by a structural hash of its full
// (flattened) contents before deduplicating, since SQL DISTINCT dedups by
// value, not by whatever identity key the row happened to carry in from its
// source — two rows from different source keys that project to the same
// output values are the same result row.
func (c *compileCtx) compileDistinct(src d2.EdgeID) (d2.EdgeID, error) {
	rekeyed, err := d2.NewMap(c.g, src, func(t core.Tuple) (core.Tuple, error) {
		h, err := rowhash.Hash(t.Row)
		if err != nil {
			return core.Tuple{}, err
		}
		return core.Tuple{Key: fmt.Sprintf("%x", h), Row: t.Row}, nil
	})
	if err != nil {
		return 0, err
	}
	return d2.NewDistinct(c.g, rekeyed)
}

func (c *compileCtx) compileTopK(src d2.EdgeID, orderBy []ir.OrderByClause, offset *int, limit int) (d2.EdgeID, error) {
	off := 0
	if offset != nil {
		off = *offset
	}
	return d2.NewTopK(c.g, src, buildLessFunc(orderBy), off, limit)
}

// buildLessFunc reads the order-key slice compileSelect attached to each
// row, comparing clause by clause, falling back to the row's original key
// (also attached by compileSelect) for a deterministic tie-break. The
// tie-break uses compareAny rather than a bare string comparison so integer
// row keys sort numerically (key 2 before key 10), not lexicographically.
func buildLessFunc(orderBy []ir.OrderByClause) d2.LessFunc {
	return func(a, b core.Row) bool {
		oa, _ := a[orderKeyField].([]any)
		ob, _ := b[orderKeyField].([]any)
		for i, clause := range orderBy {
			if i >= len(oa) || i >= len(ob) {
				break
			}
			cmp := compareAny(oa[i], ob[i], clause.CompareOptions.CaseInsensitive)
			if cmp == 0 {
				continue
			}
			if clause.Direction == ir.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return compareAny(a[tieBreakKeyField], b[tieBreakKeyField], false) < 0
	}
}

func compareAny(a, b any, caseInsensitive bool) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if !aIsStr {
		as = fmt.Sprintf("%v", a)
	}
	if !bIsStr {
		bs = fmt.Sprintf("%v", b)
	}
	if caseInsensitive {
		as, bs = strings.ToLower(as), strings.ToLower(bs)
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// stripReserved removes the order/tie-break bookkeeping fields
// compileSelect attached for Top-K's benefit, so they never reach the
// terminal output operator's subscribers.
func (c *compileCtx) stripReserved(src d2.EdgeID) (d2.EdgeID, error) {
	return d2.NewMap(c.g, src, func(t core.Tuple) (core.Tuple, error) {
		_, hasOrder := t.Row[orderKeyField]
		_, hasTieBreak := t.Row[tieBreakKeyField]
		if !hasOrder && !hasTieBreak {
			return t, nil
		}
		row := core.Row{}
		for k, v := range t.Row {
			if k == orderKeyField || k == tieBreakKeyField {
				continue
			}
			row[k] = v
		}
		return core.Tuple{Key: t.Key, Row: row}, nil
	})
}
