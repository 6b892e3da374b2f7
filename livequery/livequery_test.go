package livequery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanstack/db-core/collection"
	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/ir"
)

func getKey(row core.Row) (core.Key, error) {
	return row["id"], nil
}

func TestLiveQueryPreloadsAndReactsToCollectionChanges(t *testing.T) {
	orders, err := collection.New(collection.Options{GetKey: getKey})
	require.NoError(t, err)
	_, err = orders.Insert(core.Row{"id": "o1", "amount": int64(150)})
	require.NoError(t, err)
	_, err = orders.Insert(core.Row{"id": "o2", "amount": int64(50)})
	require.NoError(t, err)

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

	lq, err := New(q, map[string]*collection.Collection{"orders": orders})
	require.NoError(t, err)
	defer lq.Destroy()

	initial := lq.CurrentStateAsChanges()
	require.Len(t, initial, 1)
	assert.Equal(t, "o1", initial[0].Value["id"])

	var received []core.Change
	unsub := lq.Subscribe(func(cs []core.Change) { received = append(received, cs...) })
	defer unsub()

	_, err = orders.Insert(core.Row{"id": "o3", "amount": int64(200)})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, core.Insert, received[0].Type)
	assert.Equal(t, "o3", received[0].Value["id"])

	state := lq.CurrentStateAsChanges()
	assert.Len(t, state, 2)
}

func TestLiveQueryAssignsSyntheticKeyWhenNoID(t *testing.T) {
	orders, err := collection.New(collection.Options{GetKey: getKey})
	require.NoError(t, err)
	_, err = orders.Insert(core.Row{"id": "o1", "category": "books"})
	require.NoError(t, err)
	_, err = orders.Insert(core.Row{"id": "o2", "category": "books"})
	require.NoError(t, err)

	q := &ir.QueryIR{
		From:     ir.CollectionRef{Collection: "orders", Alias: "o"},
		Distinct: true,
		Select: []ir.SelectItem{
			{OutputName: "category", Expr: ir.PropRef{Alias: "o", Path: []string{"category"}}},
		},
	}

	lq, err := New(q, map[string]*collection.Collection{"orders": orders})
	require.NoError(t, err)
	defer lq.Destroy()

	state := lq.CurrentStateAsChanges()
	require.Len(t, state, 1)
	_, isPrimitiveID := state[0].Key.(string)
	assert.False(t, isPrimitiveID, "synthetic key should be the int64 counter, not a row field")
}

func TestDestroyStopsFurtherNotifications(t *testing.T) {
	orders, err := collection.New(collection.Options{GetKey: getKey})
	require.NoError(t, err)

	q := &ir.QueryIR{
		From:   ir.CollectionRef{Collection: "orders", Alias: "o"},
		Select: []ir.SelectItem{{OutputName: "id", Expr: ir.PropRef{Alias: "o", Path: []string{"id"}}}},
	}
	lq, err := New(q, map[string]*collection.Collection{"orders": orders})
	require.NoError(t, err)

	var count int
	lq.Subscribe(func(cs []core.Change) { count += len(cs) })
	lq.Destroy()

	_, err = orders.Insert(core.Row{"id": "o1"})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
