// Package multiset implements the signed-multiplicity row container that
// every difference stream in the d2 dataflow engine is made of: an ordered
// sequence of (row, multiplicity) pairs, consolidated by structural hash
// rather than by Go identity.
package multiset

import (
	"reflect"

	"github.com/tanstack/db-core/rowhash"
)

// Entry is one (row, multiplicity) pair.
type Entry[T any] struct {
	Row          T
	Multiplicity int64
}

// Multiset is an ordered, possibly-duplicated sequence of entries. It is not
// consolidated until Consolidate is called; operators that need a
// consolidated view call it explicitly, mirroring the source's lazy
// consolidation.
type Multiset[T any] struct {
	entries []Entry[T]
}

// New returns an empty multiset.
func New[T any]() *Multiset[T] {
	return &Multiset[T]{}
}

// FromEntries builds a multiset from a pre-existing slice of entries without
// consolidating it.
func FromEntries[T any](entries []Entry[T]) *Multiset[T] {
	return &Multiset[T]{entries: entries}
}

// Push appends a (row, m) pair. A zero multiplicity is still recorded here;
// Consolidate is what collapses zero-sum entries, consistent with Index's
// add_value contract being the one that treats m=0 as a pure no-op.
func (m *Multiset[T]) Push(row T, multiplicity int64) {
	m.entries = append(m.entries, Entry[T]{Row: row, Multiplicity: multiplicity})
}

// Extend appends all entries of other onto m.
func (m *Multiset[T]) Extend(other *Multiset[T]) {
	if other == nil {
		return
	}
	m.entries = append(m.entries, other.entries...)
}

// Len returns the number of (possibly duplicated) entries currently held.
func (m *Multiset[T]) Len() int {
	return len(m.entries)
}

// Each calls fn for every entry in insertion order.
func (m *Multiset[T]) Each(fn func(row T, multiplicity int64)) {
	for _, e := range m.entries {
		fn(e.Row, e.Multiplicity)
	}
}

// Entries returns the raw, unconsolidated entry slice. Callers must not
// mutate the returned slice.
func (m *Multiset[T]) Entries() []Entry[T] {
	return m.entries
}

// Map returns a new multiset with every row transformed by f; multiplicities
// are preserved.
func Map[T, U any](m *Multiset[T], f func(T) U) *Multiset[U] {
	out := &Multiset[U]{entries: make([]Entry[U], len(m.entries))}
	for i, e := range m.entries {
		out.entries[i] = Entry[U]{Row: f(e.Row), Multiplicity: e.Multiplicity}
	}
	return out
}

// Filter returns a new multiset containing only entries for which p holds.
func (m *Multiset[T]) Filter(p func(T) bool) *Multiset[T] {
	out := &Multiset[T]{}
	for _, e := range m.entries {
		if p(e.Row) {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Negate returns a new multiset with every multiplicity flipped in sign.
func (m *Multiset[T]) Negate() *Multiset[T] {
	out := &Multiset[T]{entries: make([]Entry[T], len(m.entries))}
	for i, e := range m.entries {
		out.entries[i] = Entry[T]{Row: e.Row, Multiplicity: -e.Multiplicity}
	}
	return out
}

// EqualFunc decides whether two rows with the same structural hash are
// actually the same row. When nil, Consolidate falls back to
// reflect.DeepEqual, since Go has no structural == over arbitrary values the
// way the source runtime does.
type EqualFunc[T any] func(a, b T) bool

// ConsolidateInPlace groups entries by structural hash (break ties with eq),
// sums multiplicities per distinct row, and drops zero-sum entries. The
// result contains at most one entry per distinct row, per spec.
func (m *Multiset[T]) ConsolidateInPlace(eq EqualFunc[T]) error {
	if eq == nil {
		eq = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}

	type bucket struct {
		row   T
		total int64
	}
	buckets := make(map[uint64][]*bucket)
	order := make([]uint64, 0, len(m.entries))

	for _, e := range m.entries {
		h, err := rowhash.Hash(e.Row)
		if err != nil {
			return err
		}
		group, ok := buckets[h]
		if !ok {
			order = append(order, h)
		}
		found := false
		for _, b := range group {
			if eq(b.row, e.Row) {
				b.total += e.Multiplicity
				found = true
				break
			}
		}
		if !found {
			buckets[h] = append(group, &bucket{row: e.Row, total: e.Multiplicity})
		}
	}

	out := make([]Entry[T], 0, len(m.entries))
	for _, h := range order {
		for _, b := range buckets[h] {
			if b.total != 0 {
				out = append(out, Entry[T]{Row: b.row, Multiplicity: b.total})
			}
		}
	}
	m.entries = out
	return nil
}

// Consolidate returns a new, consolidated multiset; m is left untouched.
func Consolidate[T any](m *Multiset[T], eq EqualFunc[T]) (*Multiset[T], error) {
	clone := &Multiset[T]{entries: append([]Entry[T](nil), m.entries...)}
	if err := clone.ConsolidateInPlace(eq); err != nil {
		return nil, err
	}
	return clone, nil
}
