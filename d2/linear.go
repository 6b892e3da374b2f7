package d2

import (
	"reflect"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/multiset"
	"github.com/tanstack/db-core/rowhash"
)

// tupleEqual is the default equality used to consolidate core.Tuple batches:
// two tuples are the same entry iff their keys match and their rows are deep
// equal. Operators that need row-only or key-only comparisons build their
// own EqualFunc.
func tupleEqual(a, b core.Tuple) bool {
	return a.Key == b.Key && reflect.DeepEqual(a.Row, b.Row)
}

// tupleBucket groups core.Tuple values by structural hash, the same
// pattern multiset.ConsolidateInPlace uses, since a core.Tuple embeds a
// map[string]any and so is not itself a valid Go map key.
type tupleBucket struct {
	tuple core.Tuple
	count int64
}

type tupleSet struct {
	buckets map[uint64][]*tupleBucket
}

func newTupleSet() *tupleSet {
	return &tupleSet{buckets: make(map[uint64][]*tupleBucket)}
}

// all returns every tuple currently present with a positive count, in no
// particular order.
func (s *tupleSet) all() []core.Tuple {
	out := make([]core.Tuple, 0)
	for _, group := range s.buckets {
		for _, b := range group {
			if b.count > 0 {
				out = append(out, b.tuple)
			}
		}
	}
	return out
}

// add adjusts the running count for t by delta, creating or removing its
// bucket entry as needed, and returns the count before and after the change.
func (s *tupleSet) add(t core.Tuple, delta int64) (before, after int64, err error) {
	h, err := rowhash.Hash(t)
	if err != nil {
		return 0, 0, err
	}
	group := s.buckets[h]
	for i, b := range group {
		if tupleEqual(b.tuple, t) {
			before = b.count
			b.count += delta
			after = b.count
			if after == 0 {
				s.buckets[h] = append(group[:i], group[i+1:]...)
			}
			return before, after, nil
		}
	}
	after = delta
	s.buckets[h] = append(group, &tupleBucket{tuple: t, count: delta})
	return 0, after, nil
}

// mapOp applies f to every (key, row) tuple in each input batch, preserving
// multiplicity, and forwards the result unchanged in structure otherwise.
type mapOp struct {
	id  OperatorID
	in  *Reader
	out *Writer
	f   func(core.Tuple) (core.Tuple, error)
}

// NewMap registers a stateless per-tuple transform reading from src and
// writing to a freshly allocated output edge.
func NewMap(g *Graph, src EdgeID, f func(core.Tuple) (core.Tuple, error)) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "map")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &mapOp{id: id, in: r, out: w, f: f}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *mapOp) ID() OperatorID        { return o.id }
func (o *mapOp) HasPendingInput() bool { return o.in.Pending() }
func (o *mapOp) Step() error {
	for _, batch := range o.in.Drain() {
		out := multiset.New[core.Tuple]()
		var stepErr error
		batch.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			mapped, err := o.f(t)
			if err != nil {
				stepErr = err
				return
			}
			out.Push(mapped, m)
		})
		if stepErr != nil {
			return stepErr
		}
		o.out.Push(out)
	}
	return nil
}

// filterOp drops tuples for which p returns false, preserving multiplicity
// for the rest.
type filterOp struct {
	id  OperatorID
	in  *Reader
	out *Writer
	p   func(core.Tuple) (bool, error)
}

// NewFilter registers a stateless predicate filter reading from src.
func NewFilter(g *Graph, src EdgeID, p func(core.Tuple) (bool, error)) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "filter")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &filterOp{id: id, in: r, out: w, p: p}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *filterOp) ID() OperatorID        { return o.id }
func (o *filterOp) HasPendingInput() bool { return o.in.Pending() }
func (o *filterOp) Step() error {
	for _, batch := range o.in.Drain() {
		out := multiset.New[core.Tuple]()
		var stepErr error
		batch.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			keep, err := o.p(t)
			if err != nil {
				stepErr = err
				return
			}
			if keep {
				out.Push(t, m)
			}
		})
		if stepErr != nil {
			return stepErr
		}
		o.out.Push(out)
	}
	return nil
}

// negateOp flips the sign of every multiplicity in each incoming batch; used
// to express subtraction (e.g. anti-joins for outer joins) as addition of a
// negated stream.
type negateOp struct {
	id  OperatorID
	in  *Reader
	out *Writer
}

func NewNegate(g *Graph, src EdgeID) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "negate")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &negateOp{id: id, in: r, out: w}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *negateOp) ID() OperatorID        { return o.id }
func (o *negateOp) HasPendingInput() bool { return o.in.Pending() }
func (o *negateOp) Step() error {
	for _, batch := range o.in.Drain() {
		o.out.Push(batch.Negate())
	}
	return nil
}

// concatOp fans two input edges into one output batch per step,
// concatenating whatever each side happened to deliver.
type concatOp struct {
	id    OperatorID
	left  *Reader
	right *Reader
	out   *Writer
}

func NewConcat(g *Graph, left, right EdgeID) (EdgeID, error) {
	id := g.NextOperatorID()
	lr, err := g.NewReader(left, id, "concat")
	if err != nil {
		return 0, err
	}
	rr, err := g.NewReader(right, id, "concat")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &concatOp{id: id, left: lr, right: rr, out: w}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *concatOp) ID() OperatorID { return o.id }
func (o *concatOp) HasPendingInput() bool {
	return o.left.Pending() || o.right.Pending()
}
func (o *concatOp) Step() error {
	for _, batch := range o.left.Drain() {
		o.out.Push(batch)
	}
	for _, batch := range o.right.Drain() {
		o.out.Push(batch)
	}
	return nil
}

// consolidateOp merges every batch queued this step into one, collapsing
// duplicate (key, row) entries and dropping any whose multiplicity nets to
// zero.
type consolidateOp struct {
	id  OperatorID
	in  *Reader
	out *Writer
}

func NewConsolidate(g *Graph, src EdgeID) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "consolidate")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &consolidateOp{id: id, in: r, out: w}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *consolidateOp) ID() OperatorID        { return o.id }
func (o *consolidateOp) HasPendingInput() bool { return o.in.Pending() }
func (o *consolidateOp) Step() error {
	merged := multiset.New[core.Tuple]()
	for _, batch := range o.in.Drain() {
		batch.Each(func(t core.Tuple, m int64) {
			merged.Push(t, m)
		})
	}
	if merged.Len() == 0 {
		return nil
	}
	if err := merged.ConsolidateInPlace(tupleEqual); err != nil {
		return err
	}
	o.out.Push(merged)
	return nil
}

// distinctOp maintains the set of keys currently present with positive total
// multiplicity and re-emits, for each step, the delta in that set rather
// than the raw input multiplicities.
type distinctOp struct {
	id      OperatorID
	in      *Reader
	out     *Writer
	present *tupleSet
}

func NewDistinct(g *Graph, src EdgeID) (EdgeID, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "distinct")
	if err != nil {
		return 0, err
	}
	outEdge, w, err := g.NewEdge()
	if err != nil {
		return 0, err
	}
	op := &distinctOp{id: id, in: r, out: w, present: newTupleSet()}
	if err := g.AddOperator(op); err != nil {
		return 0, err
	}
	return outEdge, nil
}

func (o *distinctOp) ID() OperatorID        { return o.id }
func (o *distinctOp) HasPendingInput() bool { return o.in.Pending() }
func (o *distinctOp) Step() error {
	delta := multiset.New[core.Tuple]()
	for _, batch := range o.in.Drain() {
		var stepErr error
		batch.Each(func(t core.Tuple, m int64) {
			if stepErr != nil {
				return
			}
			before, after, err := o.present.add(t, m)
			if err != nil {
				stepErr = err
				return
			}
			wasOn := before > 0
			isOn := after > 0
			switch {
			case !wasOn && isOn:
				delta.Push(t, 1)
			case wasOn && !isOn:
				delta.Push(t, -1)
			}
		})
		if stepErr != nil {
			return stepErr
		}
	}
	if delta.Len() > 0 {
		o.out.Push(delta)
	}
	return nil
}
