package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](idx *Index[T], key any) map[string]int64 {
	out := map[string]int64{}
	for v, m := range idx.Get(key) {
		out[fmt.Sprint(v)] = m
	}
	return out
}

func TestAddValueSingleTier(t *testing.T) {
	idx := New[string]()
	require.NoError(t, idx.AddValue("k", "a", 1))
	assert.True(t, idx.Has("k"))
	assert.Equal(t, 1, idx.Size())
	assert.Equal(t, map[string]int64{"a": 1}, collect(idx, "k"))
}

func TestAddValueZeroIsNoop(t *testing.T) {
	idx := New[string]()
	require.NoError(t, idx.AddValue("k", "a", 0))
	assert.False(t, idx.Has("k"))
}

func TestAddValueCancelsToEmpty(t *testing.T) {
	idx := New[string]()
	require.NoError(t, idx.AddValue("k", "a", 1))
	require.NoError(t, idx.AddValue("k", "a", -1))
	assert.False(t, idx.Has("k"))
	assert.Equal(t, 0, idx.Size())
}

func TestAddValueUpgradesToValueMapForPrefixFreeValues(t *testing.T) {
	idx := New[string]()
	require.NoError(t, idx.AddValue("k", "a", 1))
	require.NoError(t, idx.AddValue("k", "b", 1))
	assert.Equal(t, map[string]int64{"a": 1, "b": 1}, collect(idx, "k"))
	assert.Equal(t, 1, idx.Stats().ValueMapTier)
}

type pfxVal struct {
	prefix any
	rest   any
}

func (p pfxVal) SplitPrefix() (any, any, bool) {
	return p.prefix, p.rest, true
}

func TestAddValueUpgradesToPrefixMap(t *testing.T) {
	idx := New[pfxVal]()
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p1", rest: "r1"}, 1))
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p1", rest: "r2"}, 1))
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p2", rest: "r3"}, 1))

	assert.Equal(t, 1, idx.Stats().PrefixTier)

	count := 0
	for _, m := range idx.Get("k") {
		count += int(m)
	}
	assert.Equal(t, 3, count)
}

func TestAddValueMergesSamePrefixSameRemainder(t *testing.T) {
	idx := New[pfxVal]()
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p1", rest: "r1"}, 1))
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p2", rest: "r2"}, 1))
	require.NoError(t, idx.AddValue("k", pfxVal{prefix: "p1", rest: "r1"}, 1))

	total := int64(0)
	n := 0
	for _, m := range idx.Get("k") {
		total += m
		n++
	}
	assert.Equal(t, int64(3), total)
	assert.Equal(t, 2, n)
}

func TestAddValueRejectsBadKey(t *testing.T) {
	idx := New[string]()
	err := idx.AddValue(3.14, "a", 1)
	assert.Error(t, err)
}

func TestAppendMerges(t *testing.T) {
	a := New[string]()
	require.NoError(t, a.AddValue("k", "x", 1))
	b := New[string]()
	require.NoError(t, b.AddValue("k", "x", 1))
	require.NoError(t, b.AddValue("k", "y", 1))

	require.NoError(t, a.Append(b))
	assert.Equal(t, map[string]int64{"x": 2, "y": 1}, collect(a, "k"))
}

func TestJoinProducesCartesianProductPerKey(t *testing.T) {
	l := New[string]()
	require.NoError(t, l.AddValue("1", "alice", 1))
	require.NoError(t, l.AddValue("2", "bob", 1))

	r := New[string]()
	require.NoError(t, r.AddValue("1", "post-a", 1))
	require.NoError(t, r.AddValue("1", "post-b", 1))

	out := Join(l, r)
	assert.Equal(t, 2, out.Len())
	out.Each(func(pair Pair[string, string], m int64) {
		assert.Equal(t, "1", pair.Key)
		assert.Equal(t, "alice", pair.Left)
		assert.Equal(t, int64(1), m)
	})
}

func TestJoinCommutativeUpToSwap(t *testing.T) {
	l := New[string]()
	require.NoError(t, l.AddValue("1", "L1", 1))
	require.NoError(t, l.AddValue("1", "L2", 1))
	r := New[string]()
	require.NoError(t, r.AddValue("1", "R1", 1))

	lr := Join(l, r)
	rl := Join(r, l)

	assert.Equal(t, lr.Len(), rl.Len())

	lrSet := map[[2]string]int64{}
	lr.Each(func(p Pair[string, string], m int64) {
		lrSet[[2]string{p.Left, p.Right}] = m
	})
	rlSet := map[[2]string]int64{}
	rl.Each(func(p Pair[string, string], m int64) {
		rlSet[[2]string{p.Right, p.Left}] = m
	})
	assert.Equal(t, lrSet, rlSet)
}

func TestJoinSkipsZeroMultiplicityProducts(t *testing.T) {
	l := New[string]()
	require.NoError(t, l.AddValue("1", "a", 1))
	require.NoError(t, l.AddValue("1", "a", -1)) // cancels out, key removed
	r := New[string]()
	require.NoError(t, r.AddValue("1", "b", 1))

	out := Join(l, r)
	assert.Equal(t, 0, out.Len())
}
