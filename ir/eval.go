package ir

import (
	"fmt"
	"strings"

	"github.com/tanstack/db-core/core"
)

// Env binds an alias (as named by a CollectionRef or Join) to the row
// currently being evaluated against.
type Env map[string]core.Row

// Eval walks expr over env, applying standard relational null-propagation:
// any Func argument that evaluates to nil makes the whole call nil, except
// for and/or/coalesce/in, which have their own short-circuit/null rules.
func Eval(expr Expr, env Env) (any, error) {
	switch e := expr.(type) {
	case PropRef:
		return evalPropRef(e, env)
	case Value:
		return e.V, nil
	case Func:
		return evalFunc(e, env)
	case Aggregate:
		return nil, core.WrapKind(core.KindQueryShape, "aggregate cannot be evaluated outside group-by lowering", nil)
	default:
		return nil, core.WrapKind(core.KindQueryShape, fmt.Sprintf("unknown expression node %T", expr), nil)
	}
}

func evalPropRef(ref PropRef, env Env) (any, error) {
	row, ok := env[ref.Alias]
	if !ok {
		// An alias absent from env is null rather than an error: the engine
		// is schemaless (no fixed column set to validate against), and an
		// outer join's unmatched side is represented by simply omitting its
		// alias from the row, not by materializing a null for every column.
		return nil, nil
	}
	var cur any = row
	for _, seg := range ref.Path {
		m, ok := cur.(core.Row)
		if !ok {
			return nil, nil // indexing into a non-object short-circuits to null
		}
		v, present := m[seg]
		if !present {
			return nil, nil
		}
		cur = v
	}
	return cur, nil
}

func evalFunc(f Func, env Env) (any, error) {
	switch f.Name {
	case FuncAnd:
		return evalAnd(f.Args, env)
	case FuncOr:
		return evalOr(f.Args, env)
	case FuncCoalesce:
		return evalCoalesce(f.Args, env)
	case FuncIn:
		return evalIn(f.Args, env)
	}

	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		args[i] = v
	}
	return applyScalar(f.Name, args)
}

func evalAnd(args []Expr, env Env) (any, error) {
	sawNull := false
	for _, a := range args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			sawNull = true
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return nil, core.WrapKind(core.KindQueryShape, "and: non-boolean operand", nil)
		}
		if !b {
			return false, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return true, nil
}

func evalOr(args []Expr, env Env) (any, error) {
	sawNull := false
	for _, a := range args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			sawNull = true
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return nil, core.WrapKind(core.KindQueryShape, "or: non-boolean operand", nil)
		}
		if b {
			return true, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

func evalCoalesce(args []Expr, env Env) (any, error) {
	for _, a := range args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func evalIn(args []Expr, env Env) (any, error) {
	if len(args) == 0 {
		return nil, core.WrapKind(core.KindQueryShape, "in: requires a left operand", nil)
	}
	left, err := Eval(args[0], env)
	if err != nil {
		return nil, err
	}
	if left == nil {
		return nil, nil
	}
	for _, a := range args[1:] {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v != nil && valuesEqual(left, v) {
			return true, nil
		}
	}
	return false, nil
}

func applyScalar(name FuncName, args []any) (any, error) {
	switch name {
	case FuncEq:
		return valuesEqual(args[0], args[1]), nil
	case FuncNeq:
		return !valuesEqual(args[0], args[1]), nil
	case FuncGt, FuncGte, FuncLt, FuncLte:
		return compareScalar(name, args[0], args[1])
	case FuncNot:
		b, ok := args[0].(bool)
		if !ok {
			return nil, core.WrapKind(core.KindQueryShape, "not: non-boolean operand", nil)
		}
		return !b, nil
	case FuncUpper:
		s, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case FuncLower:
		s, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case FuncLength:
		s, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		return int64(len(s)), nil
	case FuncConcat:
		var b strings.Builder
		for _, a := range args {
			s, err := asString(a)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case FuncLike, FuncILike:
		return evalLike(name, args[0], args[1])
	case FuncAdd, FuncSub, FuncMul, FuncDiv:
		return arith(name, args[0], args[1])
	default:
		return nil, core.WrapKind(core.KindQueryShape, "unknown function "+string(name), nil)
	}
}

func valuesEqual(a, b any) bool {
	af, aok := asFloatMaybe(a)
	bf, bok := asFloatMaybe(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloatMaybe(v any) (float64, bool) {
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

func compareScalar(name FuncName, a, b any) (any, error) {
	af, aok := asFloatMaybe(a)
	bf, bok := asFloatMaybe(b)
	if aok && bok {
		switch name {
		case FuncGt:
			return af > bf, nil
		case FuncGte:
			return af >= bf, nil
		case FuncLt:
			return af < bf, nil
		case FuncLte:
			return af <= bf, nil
		}
	}
	as, aerr := asString(a)
	bs, berr := asString(b)
	if aerr == nil && berr == nil {
		switch name {
		case FuncGt:
			return as > bs, nil
		case FuncGte:
			return as >= bs, nil
		case FuncLt:
			return as < bs, nil
		case FuncLte:
			return as <= bs, nil
		}
	}
	return nil, core.WrapKind(core.KindQueryShape, "incomparable operands", nil)
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	default:
		return "", core.WrapKind(core.KindQueryShape, "expected string operand", nil)
	}
}

func evalLike(name FuncName, v, pattern any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	p, err := asString(pattern)
	if err != nil {
		return nil, err
	}
	if name == FuncILike {
		s, p = strings.ToLower(s), strings.ToLower(p)
	}
	return likeMatch(s, p), nil
}

// likeMatch implements SQL LIKE's two wildcards (% and _) via a small
// recursive matcher; patterns here are short (query literals), so this
// avoids pulling in a regexp-compilation dependency for a fixed two-symbol
// grammar.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], pattern[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return likeMatch(s[1:], pattern[1:])
	}
}

func arith(name FuncName, a, b any) (any, error) {
	af, aok := asFloatMaybe(a)
	bf, bok := asFloatMaybe(b)
	if !aok || !bok {
		return nil, core.WrapKind(core.KindQueryShape, "arithmetic on non-numeric operand", nil)
	}
	switch name {
	case FuncAdd:
		return af + bf, nil
	case FuncSub:
		return af - bf, nil
	case FuncMul:
		return af * bf, nil
	case FuncDiv:
		if bf == 0 {
			return nil, nil
		}
		return af / bf, nil
	default:
		return nil, core.WrapKind(core.KindQueryShape, "unknown arithmetic function", nil)
	}
}
