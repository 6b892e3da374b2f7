// Package livequery is the subscriber-facing half of a running query: it
// wires a compiled compiler.Plan to its source collections, preloads from
// each source's current snapshot, keeps the plan's graph at quiescence as
// those sources change, and re-keys the plan's output rows the way an
// application expects — by the row's own "id" field when that's a usable
// primitive, or by a stable synthetic integer otherwise, since the d2 graph
// internally keys rows by whatever a join/group-by stage happened to derive
// (a composite string, a hash), not by anything an application should see.
package livequery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tanstack/db-core/collection"
	"github.com/tanstack/db-core/compiler"
	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/d2"
	"github.com/tanstack/db-core/ir"
	"github.com/tanstack/db-core/rowhash"
)

// ResultHandler receives every Change a live query's output produces, keyed
// by the assigned (not internal) key.
type ResultHandler func([]core.Change)

// LiveQuery runs a compiled query against live source collections.
type LiveQuery struct {
	plan    *compiler.Plan
	orderBy []ir.OrderByClause

	mu              sync.Mutex
	assigned        map[core.Key]core.Key // internal d2 key -> exposed key
	byExposed       map[core.Key]core.Row
	hashToSynthetic map[uint64]int64
	nextSynthetic   int64
	listeners       map[int]ResultHandler
	nextListenerID  int
	unsubs          []func()
	destroyed       bool
}

// New compiles q and wires it to sources, one collection per distinct
// collection name the query references. It preloads each source's current
// state, subscribes to further changes, and runs the graph to quiescence
// before returning, so the caller immediately sees a consistent initial
// result via CurrentStateAsChanges.
func New(q *ir.QueryIR, sources map[string]*collection.Collection) (*LiveQuery, error) {
	lq := &LiveQuery{
		assigned:        make(map[core.Key]core.Key),
		byExposed:       make(map[core.Key]core.Row),
		hashToSynthetic: make(map[uint64]int64),
		listeners:       make(map[int]ResultHandler),
	}

	plan, err := compiler.Compile(q, lq.handleGraphChanges)
	if err != nil {
		return nil, err
	}
	lq.plan = plan
	lq.orderBy = plan.OrderBy

	for name, w := range plan.Inputs {
		src, ok := sources[name]
		if !ok {
			return nil, core.WrapKind(core.KindQueryShape, "no source collection supplied for "+name, nil)
		}
		pushChanges(w, src.CurrentStateAsChanges())
		unsub := src.SubscribeChanges(func(cs []core.Change) {
			pushChanges(w, cs)
			_ = lq.runToQuiescence()
		})
		lq.unsubs = append(lq.unsubs, unsub)
	}

	if err := lq.runToQuiescence(); err != nil {
		return nil, err
	}
	return lq, nil
}

func (lq *LiveQuery) runToQuiescence() error {
	return lq.plan.Graph.Run(context.Background())
}

// pushChanges translates Collection-shaped Change messages into the
// multiset deltas a raw d2 input edge expects: an Update becomes a
// retraction of the old value plus an insertion of the new one, since d2
// edges only ever carry signed multiplicities, never an "update" verb.
func pushChanges(w *d2.Writer, changes []core.Change) {
	if len(changes) == 0 {
		return
	}
	b := &d2.Batch{}
	for _, ch := range changes {
		switch ch.Type {
		case core.Insert:
			b.Push(core.Tuple{Key: ch.Key, Row: ch.Value}, 1)
		case core.Update:
			if ch.PreviousValue != nil {
				b.Push(core.Tuple{Key: ch.Key, Row: *ch.PreviousValue}, -1)
			}
			b.Push(core.Tuple{Key: ch.Key, Row: ch.Value}, 1)
		case core.Delete:
			b.Push(core.Tuple{Key: ch.Key, Row: ch.Value}, -1)
		}
	}
	w.Push(b)
}

// handleGraphChanges is the plan's terminal ChangeHandler: it assigns each
// changed row its exposed key and forwards the re-keyed batch to every
// subscriber.
func (lq *LiveQuery) handleGraphChanges(changes []core.Change) error {
	lq.mu.Lock()
	out := make([]core.Change, 0, len(changes))
	for _, ch := range changes {
		exposed, err := lq.keyForLocked(ch.Key, ch.Value)
		if err != nil {
			lq.mu.Unlock()
			return err
		}
		switch ch.Type {
		case core.Insert:
			lq.byExposed[exposed] = ch.Value
			out = append(out, core.Change{Type: core.Insert, Key: exposed, Value: ch.Value})
		case core.Update:
			prev := lq.byExposed[exposed]
			lq.byExposed[exposed] = ch.Value
			out = append(out, core.Change{Type: core.Update, Key: exposed, Value: ch.Value, PreviousValue: &prev})
		case core.Delete:
			delete(lq.byExposed, exposed)
			delete(lq.assigned, ch.Key)
			out = append(out, core.Change{Type: core.Delete, Key: exposed, Value: ch.Value})
		}
	}
	listeners := make([]ResultHandler, 0, len(lq.listeners))
	for _, l := range lq.listeners {
		listeners = append(listeners, l)
	}
	lq.mu.Unlock()

	for _, l := range listeners {
		l(out)
	}
	return nil
}

// keyForLocked assigns (and remembers) the exposed key for one internal d2
// key: the row's own "id" field when it's a usable primitive, else a
// synthetic monotonic integer shared by every row whose full content
// hashes the same, so the same logical new row always gets the same
// synthetic key even if it arrives via a different internal join path.
// lq.mu must be held.
func (lq *LiveQuery) keyForLocked(internalKey core.Key, row core.Row) (core.Key, error) {
	if existing, ok := lq.assigned[internalKey]; ok {
		return existing, nil
	}

	var exposed core.Key
	if id, ok := row["id"]; ok {
		switch id.(type) {
		case string, int64:
			exposed = id
		}
	}
	if exposed == nil {
		h, err := rowhash.Hash(row)
		if err != nil {
			return nil, err
		}
		synth, ok := lq.hashToSynthetic[h]
		if !ok {
			synth = lq.nextSynthetic
			lq.nextSynthetic++
			lq.hashToSynthetic[h] = synth
		}
		exposed = synth
	}
	lq.assigned[internalKey] = exposed
	return exposed, nil
}

// Subscribe registers h to receive every future output change batch. The
// returned func unsubscribes h.
func (lq *LiveQuery) Subscribe(h ResultHandler) func() {
	lq.mu.Lock()
	id := lq.nextListenerID
	lq.nextListenerID++
	lq.listeners[id] = h
	lq.mu.Unlock()
	return func() {
		lq.mu.Lock()
		delete(lq.listeners, id)
		lq.mu.Unlock()
	}
}

// CurrentStateAsChanges returns the live query's current result set as one
// Insert Change per row, sorted per the query's ORDER BY whenever it has
// one, with or without a LIMIT; with no ORDER BY the order is unspecified.
func (lq *LiveQuery) CurrentStateAsChanges() []core.Change {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	out := make([]core.Change, 0, len(lq.byExposed))
	for k, v := range lq.byExposed {
		out = append(out, core.Change{Type: core.Insert, Key: k, Value: v})
	}
	if len(lq.orderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return lessByOrderBy(out[i].Value, out[j].Value, lq.orderBy)
		})
	}
	return out
}

// lessByOrderBy compares two already-flattened output rows for ORDER BY
// purposes. orderBy's expressions reference the query's pre-select aliases,
// which no longer exist on a flattened output row, so this reads the
// already-projected field each clause's PropRef names by its final path
// segment (the select stage gives every output field a plain name) rather
// than re-running ir.Eval against an alias-scoped environment that no
// longer exists at this point.
func lessByOrderBy(a, b core.Row, orderBy []ir.OrderByClause) bool {
	for _, clause := range orderBy {
		ref, ok := clause.Expression.(ir.PropRef)
		if !ok || len(ref.Path) == 0 {
			continue
		}
		av, bv := a[ref.Path[len(ref.Path)-1]], b[ref.Path[len(ref.Path)-1]]
		cmp := compareOrdered(av, bv, clause.CompareOptions.CaseInsensitive)
		if cmp == 0 {
			continue
		}
		if clause.Direction == ir.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareOrdered(a, b any, caseInsensitive bool) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	if caseInsensitive {
		as, bs = strings.ToLower(as), strings.ToLower(bs)
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Destroy unsubscribes from every source collection and drops this live
// query's listeners. It does not release the compiled plan or the current
// result set; both stay referenced by the LiveQuery. Calling Destroy more
// than once is a no-op.
func (lq *LiveQuery) Destroy() {
	lq.mu.Lock()
	if lq.destroyed {
		lq.mu.Unlock()
		return
	}
	lq.destroyed = true
	unsubs := lq.unsubs
	lq.unsubs = nil
	lq.listeners = make(map[int]ResultHandler)
	lq.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}
