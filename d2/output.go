package d2

import (
	"reflect"

	"github.com/tanstack/db-core/core"
)

// ChangeHandler receives the ordered Change messages an outputOp derives
// from one step's batches. Handlers run synchronously inside Step; a slow or
// blocking handler stalls the whole graph, same as every other operator.
type ChangeHandler func(changes []core.Change) error

// outputOp is the terminal operator every compiled pipeline ends in: it
// tracks the current row per output key and turns multiset deltas into the
// insert/update/delete decision a subscriber expects, rather than exposing
// raw multiplicities to subscribers.
type outputOp struct {
	id      OperatorID
	in      *Reader
	state   map[core.Key]core.Row
	handler ChangeHandler
}

// NewOutput registers the terminal operator for a pipeline. handler is
// invoked once per step with every change produced that step, in the order
// discovered; it may be nil, in which case changes are discarded except for
// the state snapshot Op exposes via Snapshot.
func NewOutput(g *Graph, src EdgeID, handler ChangeHandler) (*OutputOp, error) {
	id := g.NextOperatorID()
	r, err := g.NewReader(src, id, "output")
	if err != nil {
		return nil, err
	}
	op := &outputOp{id: id, in: r, state: make(map[core.Key]core.Row), handler: handler}
	if err := g.AddOperator(op); err != nil {
		return nil, err
	}
	return &OutputOp{op: op}, nil
}

// OutputOp is the public handle returned to callers that need to read
// current state (e.g. for preload) in addition to receiving change
// notifications.
type OutputOp struct {
	op *outputOp
}

// Snapshot returns a defensive copy of the rows currently materialized at
// this output, keyed by output key.
func (o *OutputOp) Snapshot() map[core.Key]core.Row {
	out := make(map[core.Key]core.Row, len(o.op.state))
	for k, v := range o.op.state {
		out[k] = v
	}
	return out
}

func (o *outputOp) ID() OperatorID        { return o.id }
func (o *outputOp) HasPendingInput() bool { return o.in.Pending() }

// delta is one (row, signed multiplicity) entry drained for a single output
// key during a step.
type delta struct {
	row core.Row
	m   int64
}

func (o *outputOp) Step() error {
	batches := o.in.Drain()
	if len(batches) == 0 {
		return nil
	}

	grouped := make(map[core.Key][]delta)
	order := make([]core.Key, 0)
	for _, b := range batches {
		b.Each(func(t core.Tuple, m int64) {
			if _, seen := grouped[t.Key]; !seen {
				order = append(order, t.Key)
			}
			grouped[t.Key] = append(grouped[t.Key], delta{row: t.Row, m: m})
		})
	}

	var changes []core.Change
	for _, key := range order {
		current, had := o.state[key]

		// Net every delta for this key over the whole step before
		// classifying: a same-step retract-then-reinsert (e.g. groupReduceOp
		// replacing an aggregate row when a group's membership changes)
		// consolidates to one net insert and one net delete on the same
		// underlying row, which must read as a single Update rather than a
		// Delete immediately followed by an Insert.
		var netRow core.Row
		var netRowSet bool
		var inserts, deletes int64
		for _, d := range consolidateDeltas(grouped[key]) {
			if d.m > 0 {
				inserts += d.m
				if !netRowSet {
					netRow, netRowSet = d.row, true
				}
			} else {
				deletes += -d.m
			}
		}

		switch {
		case inserts == 0 && deletes > 0:
			if !had {
				continue
			}
			prev := current
			delete(o.state, key)
			changes = append(changes, core.Change{Type: core.Delete, Key: key, Value: prev})
		case inserts > 0 && deletes <= inserts:
			if !had {
				o.state[key] = netRow
				changes = append(changes, core.Change{Type: core.Insert, Key: key, Value: netRow})
				continue
			}
			if rowsEqual(current, netRow) {
				continue
			}
			prev := current
			o.state[key] = netRow
			changes = append(changes, core.Change{Type: core.Update, Key: key, Value: netRow, PreviousValue: &prev})
		case inserts > 0 && deletes > inserts:
			if !had {
				continue
			}
			prev := current
			delete(o.state, key)
			changes = append(changes, core.Change{Type: core.Delete, Key: key, Value: prev})
		}
	}

	if o.handler != nil && len(changes) > 0 {
		return o.handler(changes)
	}
	return nil
}

// consolidateDeltas sums multiplicities for structurally-equal rows within a
// single key's delta list, dropping any that net to zero.
func consolidateDeltas(deltas []delta) []delta {
	var out []delta
	for _, d := range deltas {
		merged := false
		for i := range out {
			if rowsEqual(out[i].row, d.row) {
				out[i].m += d.m
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, d)
		}
	}
	filtered := out[:0]
	for _, d := range out {
		if d.m != 0 {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func rowsEqual(a, b core.Row) bool {
	return reflect.DeepEqual(a, b)
}
