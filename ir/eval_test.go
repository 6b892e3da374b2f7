package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanstack/db-core/core"
)

func env(alias string, row core.Row) Env {
	return Env{alias: row}
}

func TestEvalPropRefNavigatesPath(t *testing.T) {
	e := env("u", core.Row{"profile": core.Row{"city": "nyc"}})
	v, err := Eval(PropRef{Alias: "u", Path: []string{"profile", "city"}}, e)
	require.NoError(t, err)
	assert.Equal(t, "nyc", v)
}

func TestEvalPropRefMissingPathIsNull(t *testing.T) {
	e := env("u", core.Row{"profile": core.Row{}})
	v, err := Eval(PropRef{Alias: "u", Path: []string{"profile", "city"}}, e)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalFuncNullPropagates(t *testing.T) {
	e := env("u", core.Row{})
	v, err := Eval(Func{Name: FuncGt, Args: []Expr{
		PropRef{Alias: "u", Path: []string{"age"}},
		Value{V: int64(5)},
	}}, e)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalAndShortCircuitsOnFalse(t *testing.T) {
	e := Env{}
	v, err := Eval(Func{Name: FuncAnd, Args: []Expr{
		Value{V: false},
		Value{V: nil}, // would otherwise force a null result
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvalAndNullWithoutFalseIsNull(t *testing.T) {
	e := Env{}
	v, err := Eval(Func{Name: FuncAnd, Args: []Expr{
		Value{V: true},
		Value{V: nil},
	}}, e)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalCoalesceReturnsFirstNonNull(t *testing.T) {
	v, err := Eval(Func{Name: FuncCoalesce, Args: []Expr{
		Value{V: nil},
		Value{V: "fallback"},
	}}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestEvalInMatchesAnyOperand(t *testing.T) {
	v, err := Eval(Func{Name: FuncIn, Args: []Expr{
		Value{V: int64(2)},
		Value{V: int64(1)},
		Value{V: int64(2)},
	}}, Env{})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalLikeWildcards(t *testing.T) {
	v, err := Eval(Func{Name: FuncLike, Args: []Expr{
		Value{V: "hello world"},
		Value{V: "hel%rld"},
	}}, Env{})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestValidateRejectsAggregateOutsideGroupBy(t *testing.T) {
	q := &QueryIR{
		Select: []SelectItem{{OutputName: "total", Expr: Aggregate{Name: AggCount}}},
	}
	err := Validate(q)
	assert.True(t, core.IsKind(err, core.KindQueryShape))
}

func TestValidateAllowsAggregateWithGroupBy(t *testing.T) {
	q := &QueryIR{
		GroupBy: []Expr{PropRef{Alias: "o", Path: []string{"category"}}},
		Select:  []SelectItem{{OutputName: "total", Expr: Aggregate{Name: AggCount}}},
	}
	assert.NoError(t, Validate(q))
}

func TestApplyAggregateSumAndAvg(t *testing.T) {
	sum, err := ApplyAggregate(AggSum, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 10.0, sum)

	avg, err := ApplyAggregate(AggAvg, []float64{2, 4})
	require.NoError(t, err)
	assert.Equal(t, 3.0, avg)
}
