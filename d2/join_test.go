package d2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanstack/db-core/core"
)

func byField(field string) JoinKeyFunc {
	return func(t core.Tuple) (core.Key, error) {
		v, ok := t.Row[field]
		if !ok {
			return nil, core.WrapKind(core.KindQueryShape, "missing join field "+field, nil)
		}
		switch k := v.(type) {
		case string:
			return k, nil
		case int64:
			return k, nil
		case int:
			return int64(k), nil
		default:
			return nil, core.WrapKind(core.KindQueryShape, "unsupported join field type", nil)
		}
	}
}

func combineRows(left, right core.Tuple) (core.Tuple, error) {
	merged := make(core.Row, len(left.Row)+len(right.Row))
	for k, v := range left.Row {
		merged[k] = v
	}
	for k, v := range right.Row {
		merged["b_"+k] = v
	}
	return core.Tuple{Key: left.Key, Row: merged}, nil
}

func TestJoinEmitsMatchesForExistingAndLateArrivals(t *testing.T) {
	g := New()
	leftEdge, leftW, err := g.NewEdge()
	require.NoError(t, err)
	rightEdge, rightW, err := g.NewEdge()
	require.NoError(t, err)

	joined, err := NewJoin(g, leftEdge, rightEdge, byField("user_id"), byField("user_id"), combineRows)
	require.NoError(t, err)

	var changes []core.Change
	_, err = NewOutput(g, joined, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)
	g.Finalize()

	pushInput(t, leftW, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	require.NoError(t, g.Run(context.Background()))
	assert.Empty(t, changes, "no match yet: right side has no row for user 1")

	pushInput(t, rightW, core.Tuple{Key: "p1", Row: core.Row{"user_id": int64(1), "title": "hello"}})
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "alice", changes[0].Value["name"])
	assert.Equal(t, "hello", changes[0].Value["b_title"])
}

func TestJoinRetractsWhenLeftRowRemoved(t *testing.T) {
	g := New()
	leftEdge, leftW, err := g.NewEdge()
	require.NoError(t, err)
	rightEdge, rightW, err := g.NewEdge()
	require.NoError(t, err)

	joined, err := NewJoin(g, leftEdge, rightEdge, byField("user_id"), byField("user_id"), combineRows)
	require.NoError(t, err)

	var changes []core.Change
	_, err = NewOutput(g, joined, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)
	g.Finalize()

	pushInput(t, leftW, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	pushInput(t, rightW, core.Tuple{Key: "p1", Row: core.Row{"user_id": int64(1), "title": "hello"}})
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 1)

	neg := negateOneTuple(t, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	leftW.Push(neg)
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 2)
	assert.Equal(t, core.Delete, changes[1].Type)
}
