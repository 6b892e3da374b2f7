package d2

import (
	"iter"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/index"
	"github.com/tanstack/db-core/multiset"
)

// GroupKeyFunc extracts the grouping key from an input tuple.
type GroupKeyFunc func(core.Tuple) (core.Key, error)

// AggregateFunc recomputes one group's aggregate row from its complete
// current membership (every member tuple still present in the group with a
// nonzero net multiplicity, weighted by it). A group whose multiplicities
// now sum to nothing is represented by an empty members sequence; the
// caller drops the group in that case rather than calling AggregateFunc with
// nothing to aggregate over.
type AggregateFunc func(groupKey core.Key, members iter.Seq2[core.Tuple, int64]) (core.Row, error)

// OutputKeyFunc builds the key attached to a group's aggregate output tuple,
// typically the group key itself reused as the output row's identity.
type OutputKeyFunc func(groupKey core.Key) core.Key

// groupReduceOp maintains one index of group membership and, on every step,
// recomputes the aggregate for exactly the groups whose membership changed —
// retracting the previous aggregate row and inserting the freshly computed
// one, rather than re-deriving every group from scratch.
type groupReduceOp struct {
	id        OperatorID
	in        *Reader
	out       *Writer
	groupKey  GroupKeyFunc
	aggregate AggregateFunc
	outputKey OutputKeyFunc
	members   *index.Index[core.Tuple]
	lastOut   map[core.Key]core.Row
}

// NewGroupReduce registers a stateful group-by/aggregate operator reading
// from src.
func NewGroupReduce(g *Graph, src EdgeID, groupKey GroupKeyFunc, aggregate AggregateFunc, outputKey OutputKeyFunc) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "group_reduce")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &groupReduceOp{
		id:        id,
		in:        r,
		out:       w,
		groupKey:  groupKey,
		aggregate: aggregate,
		outputKey: outputKey,
		members:   index.New[core.Tuple](index.WithEqual(tupleEqual)),
		lastOut:   make(map[core.Key]core.Row),
	}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *groupReduceOp) ID() OperatorID        { return o.id }
func (o *groupReduceOp) HasPendingInput() bool { return o.in.Pending() }

func (o *groupReduceOp) Step() error {
	batches := o.in.Drain()
	if len(batches) == 0 {
		return nil
	}

	changed := make(map[core.Key]struct{})
	for _, b := range batches {
		var stepErr error
		b.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			gk, err := o.groupKey(t)
			if err != nil {
				stepErr = err
				return
			}
			if err := o.members.AddValue(gk, t, m); err != nil {
				stepErr = err
				return
			}
			changed[gk] = struct{}{}
		})
		if stepErr != nil {
			return stepErr
		}
	}

	result := multiset.New[core.Tuple]()
	for gk := range changed {
		outKey := o.outputKey(gk)
		if prev, had := o.lastOut[gk]; had {
			result.Push(core.Tuple{Key: outKey, Row: prev}, -1)
			delete(o.lastOut, gk)
		}
		if !o.members.Has(gk) {
			continue
		}
		row, err := o.aggregate(gk, o.members.Get(gk))
		if err != nil {
			return err
		}
		o.lastOut[gk] = row
		result.Push(core.Tuple{Key: outKey, Row: row}, 1)
	}

	if result.Len() > 0 {
		o.out.Push(result)
	}
	return nil
}
