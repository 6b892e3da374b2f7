package d2

import (
	"sort"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/multiset"
)

// LessFunc orders two rows for a Top-K window; it must be a strict weak
// ordering consistent with the query's ORDER BY clause.
type LessFunc func(a, b core.Row) bool

// topKOp recomputes its visible window from the complete candidate set on
// every step rather than tracking a separate "more data needed" control
// signal: it keeps every candidate tuple it has ever seen with positive
// multiplicity, re-sorts, re-slices to [offset:offset+limit), and diffs the
// new window against the previous one. This trades a bounded amount of
// memory and CPU per step for never needing to solicit more upstream input,
// which sidesteps the iteration-cap interactions a windowed operator that
// only tracks its visible slice would otherwise run into.
type topKOp struct {
	id         OperatorID
	in         *Reader
	out        *Writer
	less       LessFunc
	offset     int
	limit      int
	candidates *tupleSet
	lastWindow []core.Tuple
}

// NewTopK registers a stateful ORDER BY + LIMIT/OFFSET operator reading from
// src. limit <= 0 means unbounded (offset-only).
func NewTopK(g *Graph, src EdgeID, less LessFunc, offset, limit int) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "topk")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &topKOp{
		id:         id,
		in:         r,
		out:        w,
		less:       less,
		offset:     offset,
		limit:      limit,
		candidates: newTupleSet(),
	}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *topKOp) ID() OperatorID        { return o.id }
func (o *topKOp) HasPendingInput() bool { return o.in.Pending() }

func (o *topKOp) Step() error {
	batches := o.in.Drain()
	if len(batches) == 0 {
		return nil
	}
	for _, b := range batches {
		var stepErr error
		b.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			_, _, err := o.candidates.add(t, m)
			if err != nil {
				stepErr = err
			}
		})
		if stepErr != nil {
			return stepErr
		}
	}

	all := o.candidates.all()
	sort.Slice(all, func(i, j int) bool { return o.less(all[i].Row, all[j].Row) })

	window := windowSlice(all, o.offset, o.limit)

	delta := multiset.New[core.Tuple]()
	for _, t := range o.lastWindow {
		delta.Push(t, -1)
	}
	for _, t := range window {
		delta.Push(t, 1)
	}
	if err := delta.ConsolidateInPlace(tupleEqual); err != nil {
		return err
	}
	if delta.Len() > 0 {
		o.out.Push(delta)
	}
	o.lastWindow = window
	return nil
}

func windowSlice(all []core.Tuple, offset, limit int) []core.Tuple {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]core.Tuple, end-offset)
	copy(out, all[offset:end])
	return out
}
