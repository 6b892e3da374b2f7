// Package ir defines the tree-shaped, immutable query intermediate
// representation every query is expressed in — whether built directly or by
// a programmatic builder (informative only, not part of this module) — and
// the compiler (package compiler) consumes.
//
// Nodes are a closed set dispatched through a marker method: one small
// interface plus several concrete struct variants, rather than a
// reflection-based visitor.
package ir

// Expr is any node that can appear where a value-producing expression is
// expected: a property reference, a literal, a scalar function call, or an
// aggregate call (the last legal only inside a Select/Having belonging to a
// GroupBy — enforced by Validate, not by the type system).
type Expr interface {
	exprNode()
}

// PropRef is a dotted reference into the row bound to one alias, e.g.
// {Alias: "u", Path: []string{"profile", "city"}} for u.profile.city.
type PropRef struct {
	Alias string
	Path  []string
}

func (PropRef) exprNode() {}

// Value is a literal. Go has no single "any JSON-ish scalar" type, so Value
// wraps whatever the caller or a builder produced: nil, bool, float64/int64,
// string, or time.Time.
type Value struct {
	V any
}

func (Value) exprNode() {}

// FuncName is one of the scalar functions the evaluator and predicate
// algebra recognize.
type FuncName string

const (
	FuncEq       FuncName = "eq"
	FuncNeq      FuncName = "neq"
	FuncGt       FuncName = "gt"
	FuncGte      FuncName = "gte"
	FuncLt       FuncName = "lt"
	FuncLte      FuncName = "lte"
	FuncAnd      FuncName = "and"
	FuncOr       FuncName = "or"
	FuncNot      FuncName = "not"
	FuncIn       FuncName = "in"
	FuncLike     FuncName = "like"
	FuncILike    FuncName = "ilike"
	FuncUpper    FuncName = "upper"
	FuncLower    FuncName = "lower"
	FuncLength   FuncName = "length"
	FuncConcat   FuncName = "concat"
	FuncCoalesce FuncName = "coalesce"
	FuncAdd      FuncName = "add"
	FuncSub      FuncName = "sub"
	FuncMul      FuncName = "mul"
	FuncDiv      FuncName = "div"
)

// Func is a scalar function call.
type Func struct {
	Name FuncName
	Args []Expr
}

func (Func) exprNode() {}

// AggregateName is one of the recognized aggregate functions.
type AggregateName string

const (
	AggCount AggregateName = "count"
	AggSum   AggregateName = "sum"
	AggAvg   AggregateName = "avg"
	AggMin   AggregateName = "min"
	AggMax   AggregateName = "max"
)

// Aggregate is an aggregate function call. Legal only inside the Select or
// Having of a query with a non-empty GroupBy; Validate rejects it elsewhere.
type Aggregate struct {
	Name AggregateName
	Arg  Expr // nil for count(*)
}

func (Aggregate) exprNode() {}

// Direction is an ORDER BY sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// CompareOptions tweaks how OrderByClause compares two values of the
// expression's type; currently only case sensitivity for strings is
// supported (null-ish CompareOptions means case-sensitive).
type CompareOptions struct {
	CaseInsensitive bool
}

// OrderByClause is one ORDER BY term.
type OrderByClause struct {
	Expression     Expr
	Direction      Direction
	CompareOptions CompareOptions
}

// CollectionRef names one input collection under an alias used to qualify
// PropRef.Alias and join conditions.
type CollectionRef struct {
	Collection string
	Alias      string
}

// JoinKind is the kind of join a Join node lowers to.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinFull  JoinKind = "full"
)

// Join adds one additional input to a query's From, joined against whatever
// precedes it in source order via On.
type Join struct {
	Ref  CollectionRef
	Kind JoinKind
	On   Expr
}

// SelectItem is one projected output field: OutputName = Eval(Expr).
type SelectItem struct {
	OutputName string
	Expr       Expr
}

// QueryIR is the root of a compiled query: a tree whose From may itself be a
// sub-query (QueryIR.FromQuery).
type QueryIR struct {
	From      CollectionRef
	FromQuery *QueryIR // set when the source is a sub-query; From.Alias still names its rows, From.Collection is unused

	Joins    []Join
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	Select   []SelectItem
	OrderBy  []OrderByClause
	Limit    *int
	Offset   *int
	Distinct bool
}
