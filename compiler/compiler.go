// Package compiler lowers an ir.QueryIR into a runnable d2.Graph: the single
// piece that turns a declarative query into the operator pipeline the rest
// of the engine drives to quiescence.
//
// Every row traveling through the compiled pipeline up to the select stage
// is alias-wrapped: its core.Tuple.Row is a map from alias to that alias's
// own row (map[string]any whose values are themselves core.Row), so a join
// of N sources just merges N such top-level entries with no key collision.
// The select stage flattens this into the query's actual output shape.
package compiler

import (
	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
)

// aggAlias is the reserved env alias under which a group-reduce stashes its
// computed aggregate values, keyed by each Aggregate node's canonical
// signature; substituteAggregates rewrites Aggregate nodes into PropRefs
// into this alias so the ordinary evaluator can resolve them.
const aggAlias = "\x00agg"

// orderKeyField and tieBreakKeyField are reserved row fields a compiled
// pipeline attaches to each output row, only when a Top-K stage is wired,
// so its LessFunc (which only sees a core.Row) can compare without redoing
// alias-scoped evaluation. Both are stripped before the terminal output.
const (
	orderKeyField    = "\x00order"
	tieBreakKeyField = "\x00key"
)

// Plan is a compiled pipeline whose graph Compile has already finalized:
// the caller (the collection/live-query layer) still owns feeding Inputs and
// calling Graph.Run.
type Plan struct {
	Graph *d2.Graph
	// Inputs maps each distinct source collection name referenced by the
	// query (by From or by a Join) to the writer that feeds it raw
	// (key, row) changes from that collection.
	Inputs map[string]*d2.Writer
	Output *d2.OutputOp
	// OrderBy is the query's ORDER BY echoed back, with or without a LIMIT,
	// for the live-query layer to sort materialized output by. Without a
	// LIMIT nothing in Graph enforces it; with one, the graph's Top-K stage
	// uses it only to choose which rows are kept.
	OrderBy []ir.OrderByClause
}

// Compile lowers q into a finalized Plan. handler receives every Change the
// pipeline's terminal operator produces once the caller starts running the
// graph; it may be nil.
func Compile(q *ir.QueryIR, handler d2.ChangeHandler) (*Plan, error) {
	if err := ir.Validate(q); err != nil {
		return nil, err
	}

	c := &compileCtx{g: d2.New(), inputs: map[string]*d2.Writer{}, rawEdges: map[string]d2.EdgeID{}}
	edge, err := c.compileQuery(q)
	if err != nil {
		return nil, err
	}

	out, err := d2.NewOutput(c.g, edge, handler)
	if err != nil {
		return nil, err
	}
	c.g.Finalize()

	return &Plan{Graph: c.g, Inputs: c.inputs, Output: out, OrderBy: q.OrderBy}, nil
}

type compileCtx struct {
	g        *d2.Graph
	inputs   map[string]*d2.Writer
	rawEdges map[string]d2.EdgeID
}

// getOrCreateInput returns the raw (non-alias-wrapped) edge that collection
// is read from, creating it — and the Writer the sync layer pushes into —
// on first reference. Two aliases over the same collection (a self-join)
// share one edge and therefore one upstream feed; each alias still gets its
// own wrapping Map below, since every reader on an edge sees every batch
// pushed to it.
func (c *compileCtx) getOrCreateInput(collection string) d2.EdgeID {
	if edge, ok := c.rawEdges[collection]; ok {
		return edge
	}
	edge, w, err := c.g.NewEdge()
	if err != nil {
		// NewEdge only fails once the graph is finalized, which cannot
		// happen before Compile finalizes it at the very end.
		panic(err)
	}
	c.rawEdges[collection] = edge
	c.inputs[collection] = w
	return edge
}

// compileSource lowers one CollectionRef (a plain scan, or FromQuery's
// nested QueryIR) into an alias-wrapped edge.
func (c *compileCtx) compileSource(ref ir.CollectionRef, fromQuery *ir.QueryIR) (d2.EdgeID, error) {
	var rawEdge d2.EdgeID
	if fromQuery != nil {
		inner, err := c.compileQuery(fromQuery)
		if err != nil {
			return 0, err
		}
		rawEdge = inner
	} else {
		rawEdge = c.getOrCreateInput(ref.Collection)
	}

	alias := ref.Alias
	return d2.NewMap(c.g, rawEdge, func(t core.Tuple) (core.Tuple, error) {
		return core.Tuple{Key: t.Key, Row: core.Row{alias: t.Row}}, nil
	})
}

// compileQuery lowers q into the flat (post-select) edge carrying its final
// output rows, following the eight-stage plan: key-attaching scan, join
// lowering, where, group-by/having, select, distinct, order-by/limit,
// terminal (the last stage is attached by Compile, not here, since a
// sub-query's result feeds compileSource instead of an Output operator).
func (c *compileCtx) compileQuery(q *ir.QueryIR) (d2.EdgeID, error) {
	edge, err := c.compileSource(q.From, q.FromQuery)
	if err != nil {
		return 0, err
	}

	knownAliases := map[string]bool{q.From.Alias: true}
	for _, j := range q.Joins {
		edge, err = c.compileJoin(edge, knownAliases, j)
		if err != nil {
			return 0, err
		}
		knownAliases[j.Ref.Alias] = true
	}

	if q.Where != nil {
		edge, err = c.compileFilter(edge, q.Where)
		if err != nil {
			return 0, err
		}
	}

	hasGroupBy := len(q.GroupBy) > 0
	var aggs map[string]ir.Aggregate
	if hasGroupBy {
		aggs = collectAggregates(q)
		edge, err = c.compileGroupReduce(edge, q.GroupBy, aggs)
		if err != nil {
			return 0, err
		}
		if q.Having != nil {
			havingExpr := substituteAggregates(q.Having)
			edge, err = c.compileFilter(edge, havingExpr)
			if err != nil {
				return 0, err
			}
		}
	}

	edge, err = c.compileSelect(edge, q.Select, hasGroupBy, q.OrderBy, q.Limit)
	if err != nil {
		return 0, err
	}

	if q.Distinct {
		edge, err = c.compileDistinct(edge)
		if err != nil {
			return 0, err
		}
	}

	if q.Limit != nil {
		edge, err = c.compileTopK(edge, q.OrderBy, q.Offset, *q.Limit)
		if err != nil {
			return 0, err
		}
		edge, err = c.stripReserved(edge)
		if err != nil {
			return 0, err
		}
	}

	return edge, nil
}

// envFromTuple rebuilds an ir.Env from an alias-wrapped tuple: every
// top-level entry of t.Row whose value is itself a core.Row becomes one
// alias binding. Scalar entries (e.g. a flattened select output, or the
// aggregate bucket) are skipped here and read directly by name instead.
func envFromTuple(t core.Tuple) ir.Env {
	env := ir.Env{}
	for k, v := range t.Row {
		if sub, ok := v.(core.Row); ok {
			env[k] = sub
		}
	}
	return env
}

func evalBool(expr ir.Expr, env ir.Env) (bool, error) {
	v, err := ir.Eval(expr, env)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, core.WrapKind(core.KindQueryShape, "expression must evaluate to a boolean", nil)
	}
	return b, nil
}

func (c *compileCtx) compileFilter(src d2.EdgeID, pred ir.Expr) (d2.EdgeID, error) {
	return d2.NewFilter(c.g, src, func(t core.Tuple) (bool, error) {
		return evalBool(pred, envFromTuple(t))
	})
}
