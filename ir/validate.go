package ir

import "github.com/tanstack/db-core/core"

// Validate checks the shape rules Eval itself cannot enforce structurally:
// aggregates may only appear in Select or Having, and only when GroupBy is
// non-empty.
func Validate(q *QueryIR) error {
	if q.Where != nil {
		if err := forbidAggregate(q.Where); err != nil {
			return err
		}
	}
	for _, g := range q.GroupBy {
		if err := forbidAggregate(g); err != nil {
			return err
		}
	}

	hasGroupBy := len(q.GroupBy) > 0
	for _, item := range q.Select {
		if !hasGroupBy {
			if err := forbidAggregate(item.Expr); err != nil {
				return err
			}
		}
	}
	if q.Having != nil && !hasGroupBy {
		return core.WrapKind(core.KindQueryShape, "having requires a group_by", nil)
	}
	return nil
}

func forbidAggregate(e Expr) error {
	switch n := e.(type) {
	case Aggregate:
		return core.WrapKind(core.KindQueryShape, "aggregate not allowed outside select/having of a group-by query", nil)
	case Func:
		for _, a := range n.Args {
			if err := forbidAggregate(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// AggregateExprs returns every Aggregate node reachable from e, for the
// compiler's group-reduce lowering to enumerate which aggregates a select
// list or having clause needs computed.
func AggregateExprs(e Expr) []Aggregate {
	var out []Aggregate
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Aggregate:
			out = append(out, n)
		case Func:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}
