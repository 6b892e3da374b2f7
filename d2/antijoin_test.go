package d2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanstack/db-core/core"
)

func TestAntiJoinEmitsLeftRowWithNoRightMatch(t *testing.T) {
	g := New()
	leftEdge, leftW, err := g.NewEdge()
	require.NoError(t, err)
	rightEdge, _, err := g.NewEdge()
	require.NoError(t, err)

	unmatched, err := NewAntiJoin(g, leftEdge, rightEdge, byField("user_id"), byField("user_id"))
	require.NoError(t, err)

	var changes []core.Change
	_, err = NewOutput(g, unmatched, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)
	g.Finalize()

	pushInput(t, leftW, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	require.NoError(t, g.Run(context.Background()))

	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "alice", changes[0].Value["name"])
}

func TestAntiJoinRetractsOnceRightMatchArrives(t *testing.T) {
	g := New()
	leftEdge, leftW, err := g.NewEdge()
	require.NoError(t, err)
	rightEdge, rightW, err := g.NewEdge()
	require.NoError(t, err)

	unmatched, err := NewAntiJoin(g, leftEdge, rightEdge, byField("user_id"), byField("user_id"))
	require.NoError(t, err)

	var changes []core.Change
	_, err = NewOutput(g, unmatched, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)
	g.Finalize()

	pushInput(t, leftW, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)

	pushInput(t, rightW, core.Tuple{Key: "p1", Row: core.Row{"user_id": int64(1), "title": "hello"}})
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 2)
	assert.Equal(t, core.Delete, changes[1].Type)
}

func TestAntiJoinReplaysLeftRowWhenRightMatchRemoved(t *testing.T) {
	g := New()
	leftEdge, leftW, err := g.NewEdge()
	require.NoError(t, err)
	rightEdge, rightW, err := g.NewEdge()
	require.NoError(t, err)

	unmatched, err := NewAntiJoin(g, leftEdge, rightEdge, byField("user_id"), byField("user_id"))
	require.NoError(t, err)

	var changes []core.Change
	_, err = NewOutput(g, unmatched, func(cs []core.Change) error {
		changes = append(changes, cs...)
		return nil
	})
	require.NoError(t, err)
	g.Finalize()

	rightRow := core.Tuple{Key: "p1", Row: core.Row{"user_id": int64(1), "title": "hello"}}
	pushInput(t, leftW, core.Tuple{Key: "u1", Row: core.Row{"user_id": int64(1), "name": "alice"}})
	pushInput(t, rightW, rightRow)
	require.NoError(t, g.Run(context.Background()))
	require.Empty(t, changes, "left row has a right match, so it's not unmatched")

	rightW.Push(negateOneTuple(t, rightRow))
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, changes, 1)
	assert.Equal(t, core.Insert, changes[0].Type)
	assert.Equal(t, "alice", changes[0].Value["name"])
}
