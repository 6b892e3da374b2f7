// Package d2 implements the multiset-based differential dataflow runtime:
// a graph of stateful/stateless operators connected by difference-stream
// edges, run to quiescence one cooperative step at a time.
//
// Back-references between writers, readers and operators are modeled here
// with explicit arena allocation and stable integer indices (OperatorID,
// EdgeID, ReaderID) rather than language-level object references: operators
// hold indices into the graph's arenas, never owning handles, and the graph
// alone owns the arenas.
package d2

import (
	"context"
	"log/slog"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/internal/diag"
	"github.com/tanstack/db-core/multiset"
)

// DefaultIterationCap bounds Graph.Run against pathological fixed points —
// e.g. a Top-K operator whose upstream filter never produces the rows it
// would need to fill its window.
const DefaultIterationCap = 100_000

// OperatorID, EdgeID and ReaderID are stable arena indices; they are only
// ever valid against the Graph that produced them.
type (
	OperatorID int
	EdgeID     int
	ReaderID   int
)

// Batch is one multiset traveling along an edge.
type Batch = multiset.Multiset[core.Tuple]

// Operator is the tagged-variant contract every operator in the library
// implements. Step is called once per graph iteration, in construction
// order; an operator with no pending input is expected to be a cheap no-op.
type Operator interface {
	ID() OperatorID
	Step() error
	// HasPendingInput reports whether any of this operator's input readers
	// currently have queued, unconsumed batches. Used both to decide whether
	// Step is worth calling and for the iteration-cap diagnostic dump.
	HasPendingInput() bool
}

type reader struct {
	id     ReaderID
	edge   EdgeID
	queue  []*Batch
	owner  OperatorID // informative only, for diagnostics
	opName string
}

type edge struct {
	id      EdgeID
	readers []*reader
}

// Writer is the handle used to push batches onto one edge. Every push fans
// the batch out to every reader currently attached to the edge.
type Writer struct {
	g    *Graph
	edge EdgeID
}

// Push enqueues m on every reader attached to this writer's edge. A nil or
// empty batch is still pushed — operators decide for themselves whether an
// empty batch constitutes "work".
func (w *Writer) Push(m *Batch) {
	e := w.g.edges[w.edge]
	for _, r := range e.readers {
		r.queue = append(r.queue, m)
	}
}

// Reader is the handle an operator uses to pull queued batches.
type Reader struct {
	g  *Graph
	id ReaderID
}

// Pending reports whether this reader has at least one queued batch.
func (r *Reader) Pending() bool {
	return len(r.g.readers[r.id].queue) > 0
}

// Drain removes and returns every batch currently queued for this reader, in
// FIFO order. An operator must consume all currently queued input before
// producing output for this step.
func (r *Reader) Drain() []*Batch {
	rd := r.g.readers[r.id]
	out := rd.queue
	rd.queue = nil
	return out
}

// Graph owns every operator, edge and reader by value in flat arenas.
type Graph struct {
	edges        []*edge
	readers      []*reader
	operators    []Operator
	finalized    bool
	iterationCap int
}

// New returns an empty, buildable Graph with the default iteration cap.
func New() *Graph {
	return &Graph{iterationCap: DefaultIterationCap}
}

// WithIterationCap overrides the default cap; primarily for tests that want
// to observe cap exhaustion without waiting for 100,000 iterations.
func (g *Graph) WithIterationCap(n int) *Graph {
	g.iterationCap = n
	return g
}

// NewEdge allocates a new, reader-less edge and returns a Writer for it.
func (g *Graph) NewEdge() (EdgeID, *Writer, error) {
	if g.finalized {
		return 0, nil, core.ErrGraphFinalized
	}
	id := EdgeID(len(g.edges))
	g.edges = append(g.edges, &edge{id: id})
	return id, &Writer{g: g, edge: id}, nil
}

// NewReader attaches a new reader to edgeID, for operator owner (used only
// for diagnostics), and returns a handle to it.
func (g *Graph) NewReader(edgeID EdgeID, owner OperatorID, opName string) (*Reader, error) {
	if g.finalized {
		return nil, core.ErrGraphFinalized
	}
	id := ReaderID(len(g.readers))
	rd := &reader{id: id, edge: edgeID, owner: owner, opName: opName}
	g.readers = append(g.readers, rd)
	g.edges[edgeID].readers = append(g.edges[edgeID].readers, rd)
	return &Reader{g: g, id: id}, nil
}

// NextOperatorID previews the ID an operator registered next would receive;
// operator constructors need it before they exist to hand readers their
// owner ID for diagnostics.
func (g *Graph) NextOperatorID() OperatorID {
	return OperatorID(len(g.operators))
}

// AddOperator registers op for Step dispatch, in construction order. Returns
// GraphFinalized if called after Finalize.
func (g *Graph) AddOperator(op Operator) error {
	if g.finalized {
		return core.ErrGraphFinalized
	}
	if op.ID() != OperatorID(len(g.operators)) {
		return core.WrapKind(core.KindIndexInvariant, "operator constructed with stale ID", nil)
	}
	g.operators = append(g.operators, op)
	return nil
}

// Finalize closes the graph to further structural mutation. Run returns
// GraphFinalized if called on a graph that hasn't been finalized, since Run
// without Finalize would happily keep accepting new operators mid-execution.
func (g *Graph) Finalize() {
	g.finalized = true
}

// Run drives the graph to quiescence: it repeatedly steps every operator, in
// construction order, until no operator does any work or the iteration cap
// is reached. Run never suspends partway through a step; ctx is only
// checked between iterations so a cancellation can stop a runaway Run
// promptly.
//
// When the cap is reached, Run logs the operators that still report pending
// input and returns an error satisfying errors.Is(err,
// core.ErrGraphIterationLimit) — callers should treat this as informational,
// not fatal: a subsequent Run call will pick up where this one left off.
func (g *Graph) Run(ctx context.Context) error {
	if !g.finalized {
		return core.ErrGraphFinalized
	}

	for i := 0; i < g.iterationCap; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		didWork := false
		for _, op := range g.operators {
			if !op.HasPendingInput() {
				continue
			}
			if err := op.Step(); err != nil {
				return err
			}
			didWork = true
		}
		if !didWork {
			return nil
		}
	}

	g.logIterationCapExhausted()
	return core.WrapKind(core.KindGraphIterationLimit, "graph run hit its iteration cap", nil)
}

func (g *Graph) logIterationCapExhausted() {
	pending := make([]string, 0)
	for _, op := range g.operators {
		if op.HasPendingInput() {
			pending = append(pending, diag.OperatorLabel(int(op.ID())))
		}
	}
	slog.Warn("d2: graph run exhausted iteration cap",
		"cap", g.iterationCap,
		"pending_operators", pending,
	)
	if len(pending) > 0 {
		diag.DumpOnDebug("d2: operators still reporting pending work", pending)
	}
}
