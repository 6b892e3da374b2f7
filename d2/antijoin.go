package d2

import (
	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/index"
	"github.com/tanstack/db-core/multiset"
)

// antiJoinOp emits exactly the left tuples whose join key currently has no
// match on the right side — the complement the compiler package uses to
// build left/right/full outer joins as an inner join plus unmatched rows.
//
// It processes this step's left deltas against the right side's match state
// as of the start of the step, then applies this step's right deltas and
// replays the left rows affected by any match/unmatch transition. The replay
// reads the left index after this step's left deltas have been merged into
// it, so left and right deltas arriving in the same step for the same join
// key still leave the output equal to the left rows whose key has no match.
type antiJoinOp struct {
	id         OperatorID
	left       *Reader
	right      *Reader
	out        *Writer
	leftKey    JoinKeyFunc
	rightKey   JoinKeyFunc
	leftIdx    *index.Index[core.Tuple]
	rightCount map[core.Key]int64
}

// NewAntiJoin registers the unmatched-left-rows operator described above.
func NewAntiJoin(g *Graph, leftEdge, rightEdge EdgeID, leftKey, rightKey JoinKeyFunc) (EdgeID, error) {
	id := g.NextOperatorID()
	lr, err := g.NewReader(leftEdge, id, "anti_join")
	if err != nil {
		return 0, err
	}
	rr, err := g.NewReader(rightEdge, id, "anti_join")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &antiJoinOp{
		id:         id,
		left:       lr,
		right:      rr,
		out:        w,
		leftKey:    leftKey,
		rightKey:   rightKey,
		leftIdx:    index.New[core.Tuple](index.WithEqual(tupleEqual)),
		rightCount: make(map[core.Key]int64),
	}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *antiJoinOp) ID() OperatorID { return o.id }
func (o *antiJoinOp) HasPendingInput() bool {
	return o.left.Pending() || o.right.Pending()
}

func (o *antiJoinOp) Step() error {
	leftBatches := o.left.Drain()
	rightBatches := o.right.Drain()
	if len(leftBatches) == 0 && len(rightBatches) == 0 {
		return nil
	}

	result := multiset.New[core.Tuple]()

	for _, b := range leftBatches {
		var stepErr error
		b.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			lk, err := o.leftKey(t)
			if err != nil {
				stepErr = err
				return
			}
			if err := o.leftIdx.AddValue(lk, t, m); err != nil {
				stepErr = err
				return
			}
			if o.rightCount[lk] == 0 {
				result.Push(t, m)
			}
		})
		if stepErr != nil {
			return stepErr
		}
	}

	for _, b := range rightBatches {
		var stepErr error
		b.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			rk, err := o.rightKey(t)
			if err != nil {
				stepErr = err
				return
			}
			before := o.rightCount[rk]
			after := before + m
			if after == 0 {
				delete(o.rightCount, rk)
			} else {
				o.rightCount[rk] = after
			}
			switch {
			case before == 0 && after > 0:
				for lt, lm := range o.leftIdx.Get(rk) {
					result.Push(lt, -lm)
				}
			case before > 0 && after == 0:
				for lt, lm := range o.leftIdx.Get(rk) {
					result.Push(lt, lm)
				}
			}
		})
		if stepErr != nil {
			return stepErr
		}
	}

	if result.Len() == 0 {
		return nil
	}
	if err := result.ConsolidateInPlace(tupleEqual); err != nil {
		return err
	}
	if result.Len() > 0 {
		o.out.Push(result)
	}
	return nil
}
