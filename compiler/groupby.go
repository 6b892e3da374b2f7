package compiler

import (
	"fmt"
	"iter"
	"strings"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
)

// collectAggregates gathers every distinct Aggregate node reachable from q's
// select list and having clause, deduplicated by canonical signature so
// "sum(o.amount)" appearing in both select and having is computed once.
func collectAggregates(q *ir.QueryIR) map[string]ir.Aggregate {
	out := make(map[string]ir.Aggregate)
	add := func(e ir.Expr) {
		for _, agg := range ir.AggregateExprs(e) {
			out[aggregateSignature(agg)] = agg
		}
	}
	for _, item := range q.Select {
		add(item.Expr)
	}
	if q.Having != nil {
		add(q.Having)
	}
	return out
}

// aggregateSignature renders an expression to a stable string so the same
// aggregate call, reused across select and having, resolves to the same
// group-reduce output field.
func aggregateSignature(e ir.Expr) string {
	switch n := e.(type) {
	case nil:
		return "null"
	case ir.PropRef:
		return "ref:" + n.Alias + "." + strings.Join(n.Path, ".")
	case ir.Value:
		return fmt.Sprintf("val:%v", n.V)
	case ir.Func:
		parts := make([]string, len(n.Args))
		for i, a := range n.Args {
			parts[i] = aggregateSignature(a)
		}
		return string(n.Name) + "(" + strings.Join(parts, ",") + ")"
	case ir.Aggregate:
		if n.Arg == nil {
			return string(n.Name) + "(*)"
		}
		return string(n.Name) + "(" + aggregateSignature(n.Arg) + ")"
	default:
		return fmt.Sprintf("%v", e)
	}
}

// substituteAggregates rewrites every Aggregate node in e into a PropRef
// into the reserved aggAlias bucket a group-reduce populates, so the
// ordinary evaluator can resolve select/having expressions that mix
// aggregate and non-aggregate terms (e.g. "sum(o.amount) / count(*)")
// without special-casing Aggregate nodes itself.
func substituteAggregates(e ir.Expr) ir.Expr {
	switch n := e.(type) {
	case ir.Aggregate:
		return ir.PropRef{Alias: aggAlias, Path: []string{aggregateSignature(n)}}
	case ir.Func:
		args := make([]ir.Expr, len(n.Args))
		for i, a := range n.Args {
			args[i] = substituteAggregates(a)
		}
		return ir.Func{Name: n.Name, Args: args}
	default:
		return e
	}
}

func (c *compileCtx) compileGroupReduce(src d2.EdgeID, groupBy []ir.Expr, aggs map[string]ir.Aggregate) (d2.EdgeID, error) {
	groupKey := func(t core.Tuple) (core.Key, error) {
		env := envFromTuple(t)
		parts := make([]string, len(groupBy))
		for i, ge := range groupBy {
			v, err := ir.Eval(ge, env)
			if err != nil {
				return nil, err
			}
			parts[i] = fmt.Sprintf("%v", v)
		}
		return strings.Join(parts, "\x1f"), nil
	}

	aggregate := buildAggregateFunc(aggs)
	outputKey := func(gk core.Key) core.Key { return gk }

	return d2.NewGroupReduce(c.g, src, groupKey, aggregate, outputKey)
}

// buildAggregateFunc computes, for one group's complete membership, a
// representative row (picked arbitrarily from the group, valid per SQL
// semantics since any non-aggregated, non-grouped column's value is
// unspecified) plus every requested aggregate's value, weighted by each
// member's multiplicity and skipping SQL-null arguments.
func buildAggregateFunc(aggs map[string]ir.Aggregate) d2.AggregateFunc {
	return func(_ core.Key, members iter.Seq2[core.Tuple, int64]) (core.Row, error) {
		var rep core.Tuple
		haveRep := false
		var countAll int64
		values := make(map[string][]float64, len(aggs))

		for t, m := range members {
			if !haveRep {
				rep = t
				haveRep = true
			}
			countAll += m
			env := envFromTuple(t)
			for sig, agg := range aggs {
				if agg.Name == ir.AggCount && agg.Arg == nil {
					continue
				}
				v, err := ir.Eval(agg.Arg, env)
				if err != nil {
					return nil, err
				}
				if v == nil {
					continue
				}
				f, ok := toFloat(v)
				if !ok {
					return nil, core.WrapKind(core.KindQueryShape, "aggregate argument must be numeric", nil)
				}
				absM := m
				if absM < 0 {
					absM = -absM
				}
				for i := int64(0); i < absM; i++ {
					values[sig] = append(values[sig], f)
				}
			}
		}

		out := core.Row{}
		if haveRep {
			for k, v := range rep.Row {
				out[k] = v
			}
		}
		bucket := core.Row{}
		for sig, agg := range aggs {
			var val any
			var err error
			if agg.Name == ir.AggCount && agg.Arg == nil {
				val = countAll
			} else {
				val, err = ir.ApplyAggregate(agg.Name, values[sig])
				if err != nil {
					return nil, err
				}
			}
			bucket[sig] = val
		}
		out[aggAlias] = bucket
		return out, nil
	}
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
