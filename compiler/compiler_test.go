package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
)

func pushRows(w *d2.Writer, rows map[core.Key]core.Row) {
	batch := &d2.Batch{}
	for k, r := range rows {
		batch.Push(core.Tuple{Key: k, Row: r}, 1)
	}
	w.Push(batch)
}

func run(t *testing.T, p *Plan) {
	t.Helper()
	require.NoError(t, p.Graph.Run(context.Background()))
}

func TestCompileSelectWhereFiltersRows(t *testing.T) {
	q := &ir.QueryIR{
		From: ir.CollectionRef{Collection: "orders", Alias: "o"},
		Where: ir.Func{Name: ir.FuncGt, Args: []ir.Expr{
			ir.PropRef{Alias: "o", Path: []string{"amount"}},
			ir.Value{V: int64(100)},
		}},
		Select: []ir.SelectItem{
			{OutputName: "id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}},
			{OutputName: "amount", Expr: ir.PropRef{Alias: "o", Path: []string{"amount"}}},
		},
	}

	var changes []core.Change
	p, err := Compile(q, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"id": "o1", "amount": int64(50)},
		"o2": {"id": "o2", "amount": int64(150)},
	})
	run(t, p)

	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "o2", changes[0].Value["id"])
}

func TestCompileInnerJoinMergesRows(t *testing.T) {
	q := &ir.QueryIR{
		From: ir.CollectionRef{Collection: "orders", Alias: "o"},
		Joins: []ir.Join{{
			Ref:  ir.CollectionRef{Collection: "customers", Alias: "c"},
			Kind: ir.JoinInner,
			On: ir.Func{Name: ir.FuncEq, Args: []ir.Expr{
				ir.PropRef{Alias: "o", Path: []string{"customer_id"}},
				ir.PropRef{Alias: "c", Path: []string{"id"}},
			}},
		}},
		Select: []ir.SelectItem{
			{OutputName: "order_id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}},
			{OutputName: "customer_name", Expr: ir.PropRef{Alias: "c", Path: []string{"name"}}},
		},
	}

	var changes []core.Change
	p, err := Compile(q, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)

	pushRows(p.Inputs["customers"], map[core.Key]core.Row{
		"c1": {"id": int64(1), "name": "ada"},
	})
	run(t, p)
	require.Empty(t, changes)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"id": "o1", "customer_id": int64(1)},
	})
	run(t, p)

	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "ada", changes[0].Value["customer_name"])
}

func TestCompileLeftJoinEmitsUnmatchedRowWithNullSide(t *testing.T) {
	q := &ir.QueryIR{
		From: ir.CollectionRef{Collection: "orders", Alias: "o"},
		Joins: []ir.Join{{
			Ref:  ir.CollectionRef{Collection: "customers", Alias: "c"},
			Kind: ir.JoinLeft,
			On: ir.Func{Name: ir.FuncEq, Args: []ir.Expr{
				ir.PropRef{Alias: "o", Path: []string{"customer_id"}},
				ir.PropRef{Alias: "c", Path: []string{"id"}},
			}},
		}},
		Select: []ir.SelectItem{
			{OutputName: "order_id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}},
			{OutputName: "customer_name", Expr: ir.PropRef{Alias: "c", Path: []string{"name"}}},
		},
	}

	var changes []core.Change
	p, err := Compile(q, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"id": "o1", "customer_id": int64(99)},
	})
	run(t, p)

	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "o1", changes[0].Value["order_id"])
	assert.Nil(t, changes[0].Value["customer_name"])
}

func TestCompileGroupByAggregateHaving(t *testing.T) {
	q := &ir.QueryIR{
		From:    ir.CollectionRef{Collection: "orders", Alias: "o"},
		GroupBy: []ir.Expr{ir.PropRef{Alias: "o", Path: []string{"category"}}},
		Having: ir.Func{Name: ir.FuncGt, Args: []ir.Expr{
			ir.Aggregate{Name: ir.AggSum, Arg: ir.PropRef{Alias: "o", Path: []string{"amount"}}},
			ir.Value{V: float64(100)},
		}},
		Select: []ir.SelectItem{
			{OutputName: "category", Expr: ir.PropRef{Alias: "o", Path: []string{"category"}}},
			{OutputName: "total", Expr: ir.Aggregate{Name: ir.AggSum, Arg: ir.PropRef{Alias: "o", Path: []string{"amount"}}}},
		},
	}

	var changes []core.Change
	p, err := Compile(q, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"category": "books", "amount": float64(40)},
		"o2": {"category": "books", "amount": float64(80)},
		"o3": {"category": "pens", "amount": float64(5)},
	})
	run(t, p)

	require.Len(t, changes, 1)
	assert.Equal(t, "books", changes[0].Value["category"])
	assert.Equal(t, float64(120), changes[0].Value["total"])
}

func TestCompileDistinctDedupsByValue(t *testing.T) {
	q := &ir.QueryIR{
		From:     ir.CollectionRef{Collection: "orders", Alias: "o"},
		Distinct: true,
		Select: []ir.SelectItem{
			{OutputName: "category", Expr: ir.PropRef{Alias: "o", Path: []string{"category"}}},
		},
	}

	var changes []core.Change
	p, err := Compile(q, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"category": "books"},
		"o2": {"category": "books"},
	})
	run(t, p)

	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "books", changes[0].Value["category"])
}

func TestCompileOrderByLimitKeepsTopRowAndStripsBookkeeping(t *testing.T) {
	limit := 1
	q := &ir.QueryIR{
		From:  ir.CollectionRef{Collection: "orders", Alias: "o"},
		Limit: &limit,
		OrderBy: []ir.OrderByClause{
			{Expression: ir.PropRef{Alias: "o", Path: []string{"amount"}}, Direction: ir.Desc},
		},
		Select: []ir.SelectItem{
			{OutputName: "id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}},
			{OutputName: "amount", Expr: ir.PropRef{Alias: "o", Path: []string{"amount"}}},
		},
	}

	p, err := Compile(q, nil)
	require.NoError(t, err)

	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		"o1": {"id": "o1", "amount": float64(10)},
		"o2": {"id": "o2", "amount": float64(30)},
		"o3": {"id": "o3", "amount": float64(20)},
	})
	run(t, p)

	snap := p.Output.Snapshot()
	require.Len(t, snap, 1)
	for _, row := range snap {
		assert.Equal(t, "o2", row["id"])
		_, hasOrder := row[orderKeyField]
		_, hasTieBreak := row[tieBreakKeyField]
		assert.False(t, hasOrder)
		assert.False(t, hasTieBreak)
	}
}

func TestCompileOrderByTieBreaksByKeyNumerically(t *testing.T) {
	limit := 2
	q := &ir.QueryIR{
		From:  ir.CollectionRef{Collection: "orders", Alias: "o"},
		Limit: &limit,
		OrderBy: []ir.OrderByClause{
			{Expression: ir.PropRef{Alias: "o", Path: []string{"amount"}}, Direction: ir.Desc},
		},
		Select: []ir.SelectItem{
			{OutputName: "id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}},
		},
	}

	p, err := Compile(q, nil)
	require.NoError(t, err)

	// All three rows tie on amount, so the result is decided entirely by the
	// tie-break on row key. A lexicographic string comparison would sort key
	// 10 ahead of key 2 and key 3; the correct numeric comparison keeps the
	// two smallest keys (2 and 3) and drops 10.
	pushRows(p.Inputs["orders"], map[core.Key]core.Row{
		int64(10): {"id": "ten"},
		int64(2):  {"id": "two"},
		int64(3):  {"id": "three"},
	})
	run(t, p)

	snap := p.Output.Snapshot()
	require.Len(t, snap, 2)
	ids := make(map[string]bool)
	for _, row := range snap {
		ids[row["id"].(string)] = true
	}
	assert.True(t, ids["two"])
	assert.True(t, ids["three"])
	assert.False(t, ids["ten"])
}

func TestCompileRejectsNonEquiJoinPredicate(t *testing.T) {
	q := &ir.QueryIR{
		From: ir.CollectionRef{Collection: "orders", Alias: "o"},
		Joins: []ir.Join{{
			Ref:  ir.CollectionRef{Collection: "customers", Alias: "c"},
			Kind: ir.JoinInner,
			On: ir.Func{Name: ir.FuncGt, Args: []ir.Expr{
				ir.PropRef{Alias: "o", Path: []string{"customer_id"}},
				ir.PropRef{Alias: "c", Path: []string{"id"}},
			}},
		}},
		Select: []ir.SelectItem{{OutputName: "id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}}},
	}

	_, err := Compile(q, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUnsupportedJoin))
}
