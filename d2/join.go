package d2

import (
	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/index"
	"github.com/tanstack/db-core/multiset"
)

// JoinKeyFunc extracts the join key from one side's tuple. It is distinct
// from the tuple's own core.Tuple.Key, which identifies the row within its
// own collection, not the column(s) the join predicate compares on.
type JoinKeyFunc func(core.Tuple) (core.Key, error)

// CombineFunc merges one matched (left, right) pair into the tuple the join
// operator emits downstream. The compiler supplies this once it knows the
// query's projected shape and the key it wants attached to join output rows.
type CombineFunc func(left, right core.Tuple) (core.Tuple, error)

// joinOp computes an incremental equi-join: on every step it applies the
// standard bilinear update rule so that cross terms between this step's left
// and right deltas are accounted for exactly once, maintaining a per-side
// index and matching keys incrementally.
type joinOp struct {
	id       OperatorID
	left     *Reader
	right    *Reader
	out      *Writer
	leftKey  JoinKeyFunc
	rightKey JoinKeyFunc
	combine  CombineFunc
	leftIdx  *index.Index[core.Tuple]
	rightIdx *index.Index[core.Tuple]
}

// NewJoin registers an incremental inner-equi-join operator. Left, right and
// full outer joins are expressed by the compiler as this operator
// concatenated with the unmatched rows of a NewAntiJoin operator, not as a
// variant of joinOp itself.
func NewJoin(g *Graph, leftEdge, rightEdge EdgeID, leftKey, rightKey JoinKeyFunc, combine CombineFunc) (EdgeID, error) {
	id := g.NextOperatorID()
	lr, err := g.NewReader(leftEdge, id, "join")
	if err != nil {
		return 0, err
	}
	rr, err := g.NewReader(rightEdge, id, "join")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &joinOp{
		id:       id,
		left:     lr,
		right:    rr,
		out:      w,
		leftKey:  leftKey,
		rightKey: rightKey,
		combine:  combine,
		leftIdx:  index.New[core.Tuple](index.WithEqual(tupleEqual)),
		rightIdx: index.New[core.Tuple](index.WithEqual(tupleEqual)),
	}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *joinOp) ID() OperatorID { return o.id }
func (o *joinOp) HasPendingInput() bool {
	return o.left.Pending() || o.right.Pending()
}

func (o *joinOp) Step() error {
	leftBatches := o.left.Drain()
	rightBatches := o.right.Drain()
	if len(leftBatches) == 0 && len(rightBatches) == 0 {
		return nil
	}

	deltaLeft, err := o.indexBatches(leftBatches, o.leftKey)
	if err != nil {
		return err
	}
	deltaRight, err := o.indexBatches(rightBatches, o.rightKey)
	if err != nil {
		return err
	}

	// A_old ⋈ dB, using the left index as it stood before this step.
	outAgainstOldLeft := index.Join(o.leftIdx, deltaRight)

	if err := o.rightIdx.Append(deltaRight); err != nil {
		return err
	}

	// dA ⋈ B_new, where B_new already includes dB.
	outAgainstNewRight := index.Join(deltaLeft, o.rightIdx)

	if err := o.leftIdx.Append(deltaLeft); err != nil {
		return err
	}

	result := multiset.New[core.Tuple]()
	if err := o.combineInto(result, outAgainstOldLeft); err != nil {
		return err
	}
	if err := o.combineInto(result, outAgainstNewRight); err != nil {
		return err
	}
	if result.Len() > 0 {
		o.out.Push(result)
	}
	return nil
}

func (o *joinOp) indexBatches(batches []*Batch, keyFn JoinKeyFunc) (*index.Index[core.Tuple], error) {
	delta := index.New[core.Tuple](index.WithEqual(tupleEqual))
	for _, b := range batches {
		var stepErr error
		b.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			k, err := keyFn(t)
			if err != nil {
				stepErr = err
				return
			}
			stepErr = delta.AddValue(k, t, m)
		})
		if stepErr != nil {
			return nil, stepErr
		}
	}
	return delta, nil
}

func (o *joinOp) combineInto(out *multiset.Multiset[core.Tuple], pairs *multiset.Multiset[index.Pair[core.Tuple, core.Tuple]]) error {
	var stepErr error
	pairs.Each(func(p index.Pair[core.Tuple, core.Tuple], m int64) {
		if stepErr != nil {
			return
		}
		merged, err := o.combine(p.Left, p.Right)
		if err != nil {
			stepErr = err
			return
		}
		out.Push(merged, m)
	})
	return stepErr
}
