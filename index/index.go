// Package index implements the tiered keyed index used by the join and
// group-reduce operators: a map from Key to a multiset of values, storing
// each key's values in whichever of three tiers (single, prefix map, value
// map) its current cardinality and shape call for.
package index

import (
	"iter"
	"reflect"

	"github.com/tanstack/db-core/core"
	"github.com/tanstack/db-core/multiset"
	"github.com/tanstack/db-core/rowhash"
)

// Prefixable lets a value type opt into the prefix-map tier: when a value's
// SplitPrefix reports ok, the returned prefixKey (itself required to be a
// primitive key) buckets the value, and remainder is what gets hashed to
// disambiguate values sharing a prefix. Values whose type does not implement
// Prefixable — or whose SplitPrefix returns ok=false — are "prefix-free" and
// fall straight into a value map, keyed by a structural hash of the whole
// value.
//
// The prefix-shape heuristic is purely an internal storage-layout decision,
// not a public contract; Prefixable is therefore opt-in and has no bearing
// on Get/AddValue's external behavior.
type Prefixable interface {
	SplitPrefix() (prefixKey any, remainder any, ok bool)
}

func splitPrefix[T any](v T) (prefixKey any, remainder any, ok bool) {
	if p, isPrefixable := any(v).(Prefixable); isPrefixable {
		return p.SplitPrefix()
	}
	return nil, v, false
}

// EqualFunc decides whether two values of the same structural hash are
// actually the same value.
type EqualFunc[T any] func(a, b T) bool

func defaultEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

type valueEntry[T any] struct {
	value        T
	multiplicity int64
}

// tier is the storage strategy currently in effect for one key.
type tier int

const (
	tierSingle tier = iota
	tierPrefixMap
	tierValueMap
)

type valueBucket[T any] map[uint64][]*valueEntry[T]

type prefixLeaf[T any] struct {
	tier    tier
	single  *valueEntry[T]
	buckets valueBucket[T]
}

type slot[T any] struct {
	tier      tier
	single    *valueEntry[T]
	buckets   valueBucket[T] // tierValueMap
	prefixMap map[any]*prefixLeaf[T]
}

// Index is a Key -> multiset-of-T map with adaptive storage per key. The
// zero value is not usable; construct with New.
type Index[T any] struct {
	slots map[any]*slot[T]
	eq    EqualFunc[T]
}

// Option configures an Index at construction time.
type Option[T any] func(*Index[T])

// WithEqual overrides the default reflect.DeepEqual value comparison.
func WithEqual[T any](eq EqualFunc[T]) Option[T] {
	return func(idx *Index[T]) { idx.eq = eq }
}

// New returns an empty Index.
func New[T any](opts ...Option[T]) *Index[T] {
	idx := &Index[T]{slots: make(map[any]*slot[T]), eq: defaultEqual[T]}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Has reports whether key has at least one live value.
func (idx *Index[T]) Has(key core.Key) bool {
	_, ok := idx.slots[key]
	return ok
}

// Size returns the number of distinct keys currently stored.
func (idx *Index[T]) Size() int {
	return len(idx.slots)
}

// Stats is a point-in-time snapshot of tier usage.
type Stats struct {
	DistinctKeys int
	SingleTier   int
	PrefixTier   int
	ValueMapTier int
}

// Stats summarizes how idx's keys are currently distributed across tiers.
func (idx *Index[T]) Stats() Stats {
	st := Stats{DistinctKeys: len(idx.slots)}
	for _, s := range idx.slots {
		switch s.tier {
		case tierSingle:
			st.SingleTier++
		case tierPrefixMap:
			st.PrefixTier++
		case tierValueMap:
			st.ValueMapTier++
		}
	}
	return st
}

// Get returns an iterator over (value, multiplicity) pairs for key. Iterating
// an absent key yields nothing.
func (idx *Index[T]) Get(key core.Key) iter.Seq2[T, int64] {
	return func(yield func(T, int64) bool) {
		s, ok := idx.slots[key]
		if !ok {
			return
		}
		for _, e := range idx.entriesOf(s) {
			if !yield(e.value, e.multiplicity) {
				return
			}
		}
	}
}

func (idx *Index[T]) entriesOf(s *slot[T]) []*valueEntry[T] {
	switch s.tier {
	case tierSingle:
		if s.single == nil {
			return nil
		}
		return []*valueEntry[T]{s.single}
	case tierValueMap:
		out := make([]*valueEntry[T], 0, 4)
		for _, bucket := range s.buckets {
			out = append(out, bucket...)
		}
		return out
	case tierPrefixMap:
		out := make([]*valueEntry[T], 0, 4)
		for _, leaf := range s.prefixMap {
			if leaf.tier == tierSingle {
				if leaf.single != nil {
					out = append(out, leaf.single)
				}
				continue
			}
			for _, bucket := range leaf.buckets {
				out = append(out, bucket...)
			}
		}
		return out
	default:
		return nil
	}
}

// AddValue applies a (value, multiplicity) delta to key. A zero multiplicity
// is a no-op. When the net multiplicity for an existing value reaches zero,
// the value is removed; when a key's last value is removed, the key itself
// is dropped.
func (idx *Index[T]) AddValue(key core.Key, value T, multiplicity int64) error {
	if err := core.ValidateKey(key); err != nil {
		return err
	}
	if multiplicity == 0 {
		return nil
	}

	s, exists := idx.slots[key]
	if !exists {
		idx.slots[key] = &slot[T]{tier: tierSingle, single: &valueEntry[T]{value: value, multiplicity: multiplicity}}
		return nil
	}

	switch s.tier {
	case tierSingle:
		if idx.eq(s.single.value, value) {
			s.single.multiplicity += multiplicity
			if s.single.multiplicity == 0 {
				delete(idx.slots, key)
			}
			return nil
		}
		return idx.upgradeFromSingle(key, s, value, multiplicity)

	case tierValueMap:
		return idx.addToValueMap(key, s, value, multiplicity)

	case tierPrefixMap:
		return idx.addToPrefixMap(key, s, value, multiplicity)

	default:
		return core.WrapKind(core.KindIndexInvariant, "unknown tier", nil)
	}
}

// upgradeFromSingle handles the second-distinct-value-for-a-key case: the
// tier becomes a value map if both values are prefix-free, or a prefix map
// otherwise.
func (idx *Index[T]) upgradeFromSingle(key core.Key, s *slot[T], value T, multiplicity int64) error {
	existing := s.single
	_, _, existingHasPrefix := splitPrefix(existing.value)
	_, _, newHasPrefix := splitPrefix(value)

	if !existingHasPrefix && !newHasPrefix {
		s.tier = tierValueMap
		s.single = nil
		s.buckets = make(valueBucket[T])
		if err := idx.insertIntoBucket(s.buckets, existing.value, existing.multiplicity); err != nil {
			return err
		}
		return idx.addToValueMap(key, s, value, multiplicity)
	}

	s.tier = tierPrefixMap
	s.single = nil
	s.prefixMap = make(map[any]*prefixLeaf[T])
	if err := idx.insertIntoPrefixMap(s, existing.value, existing.multiplicity); err != nil {
		return err
	}
	return idx.addToPrefixMap(key, s, value, multiplicity)
}

func (idx *Index[T]) insertIntoBucket(buckets valueBucket[T], value T, multiplicity int64) error {
	h, err := rowhash.Hash(value)
	if err != nil {
		return err
	}
	buckets[h] = append(buckets[h], &valueEntry[T]{value: value, multiplicity: multiplicity})
	return nil
}

func (idx *Index[T]) addToValueMap(key core.Key, s *slot[T], value T, multiplicity int64) error {
	h, err := rowhash.Hash(value)
	if err != nil {
		return err
	}
	bucket := s.buckets[h]
	for _, e := range bucket {
		if idx.eq(e.value, value) {
			e.multiplicity += multiplicity
			if e.multiplicity == 0 {
				s.buckets[h] = removeEntry(bucket, e)
				if len(s.buckets[h]) == 0 {
					delete(s.buckets, h)
				}
				idx.dropKeyIfEmptyValueMap(key, s)
			}
			return nil
		}
	}
	s.buckets[h] = append(bucket, &valueEntry[T]{value: value, multiplicity: multiplicity})
	return nil
}

func (idx *Index[T]) dropKeyIfEmptyValueMap(key core.Key, s *slot[T]) {
	if len(s.buckets) == 0 {
		delete(idx.slots, key)
	}
}

func (idx *Index[T]) insertIntoPrefixMap(s *slot[T], value T, multiplicity int64) error {
	prefixKey, remainder, hasPrefix := splitPrefix(value)
	if !hasPrefix {
		prefixKey = value
		remainder = value
	}
	leaf, ok := s.prefixMap[prefixKey]
	if !ok {
		leaf = &prefixLeaf[T]{tier: tierSingle, single: &valueEntry[T]{value: value, multiplicity: multiplicity}}
		s.prefixMap[prefixKey] = leaf
		return nil
	}
	return idx.insertIntoExistingLeaf(leaf, value, remainder, multiplicity)
}

func (idx *Index[T]) insertIntoExistingLeaf(leaf *prefixLeaf[T], value T, remainder any, multiplicity int64) error {
	switch leaf.tier {
	case tierSingle:
		existingPrefixKey, existingRemainder, existingHasPrefix := splitPrefix(leaf.single.value)
		_ = existingPrefixKey
		if !existingHasPrefix {
			existingRemainder = leaf.single.value
		}
		if reflect.DeepEqual(existingRemainder, remainder) && idx.eq(leaf.single.value, value) {
			leaf.single.multiplicity += multiplicity
			if leaf.single.multiplicity == 0 {
				leaf.single = nil
				leaf.tier = tierValueMap
				leaf.buckets = make(valueBucket[T])
			}
			return nil
		}
		// Differing remainders under the same prefix: split into a value map.
		leaf.tier = tierValueMap
		leaf.buckets = make(valueBucket[T])
		existing := leaf.single
		leaf.single = nil
		if err := idx.insertIntoBucket(leaf.buckets, existing.value, existing.multiplicity); err != nil {
			return err
		}
		return idx.insertIntoLeafBucket(leaf, value, multiplicity)
	case tierValueMap:
		return idx.insertIntoLeafBucket(leaf, value, multiplicity)
	default:
		return core.WrapKind(core.KindIndexInvariant, "unknown prefix leaf tier", nil)
	}
}

func (idx *Index[T]) insertIntoLeafBucket(leaf *prefixLeaf[T], value T, multiplicity int64) error {
	h, err := rowhash.Hash(value)
	if err != nil {
		return err
	}
	bucket := leaf.buckets[h]
	for _, e := range bucket {
		if idx.eq(e.value, value) {
			e.multiplicity += multiplicity
			if e.multiplicity == 0 {
				leaf.buckets[h] = removeEntry(bucket, e)
				if len(leaf.buckets[h]) == 0 {
					delete(leaf.buckets, h)
				}
			}
			return nil
		}
	}
	leaf.buckets[h] = append(bucket, &valueEntry[T]{value: value, multiplicity: multiplicity})
	return nil
}

func (idx *Index[T]) addToPrefixMap(key core.Key, s *slot[T], value T, multiplicity int64) error {
	prefixKey, remainder, hasPrefix := splitPrefix(value)
	if !hasPrefix {
		prefixKey = value
		remainder = value
	}
	leaf, ok := s.prefixMap[prefixKey]
	if !ok {
		s.prefixMap[prefixKey] = &prefixLeaf[T]{tier: tierSingle, single: &valueEntry[T]{value: value, multiplicity: multiplicity}}
		return nil
	}
	if err := idx.insertIntoExistingLeaf(leaf, value, remainder, multiplicity); err != nil {
		return err
	}
	if leafIsEmpty(leaf) {
		delete(s.prefixMap, prefixKey)
	}
	if len(s.prefixMap) == 0 {
		delete(idx.slots, key)
	}
	return nil
}

func leafIsEmpty[T any](leaf *prefixLeaf[T]) bool {
	switch leaf.tier {
	case tierSingle:
		return leaf.single == nil
	case tierValueMap:
		return len(leaf.buckets) == 0
	default:
		return true
	}
}

func removeEntry[T any](bucket []*valueEntry[T], target *valueEntry[T]) []*valueEntry[T] {
	out := bucket[:0]
	for _, e := range bucket {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// Append merges other into idx, adding every (key, value, multiplicity)
// triple it holds.
func (idx *Index[T]) Append(other *Index[T]) error {
	for key, s := range other.slots {
		for _, e := range other.entriesOf(s) {
			if err := idx.AddValue(key, e.value, e.multiplicity); err != nil {
				return err
			}
		}
	}
	return nil
}

// allKeyed materializes every (key, []entries) pair currently stored in the
// whole index. Used only by Join, where materializing is simpler than
// threading iterators through two differently-typed indexes.
func (idx *Index[T]) allKeyed() map[any][]*valueEntry[T] {
	out := make(map[any][]*valueEntry[T], len(idx.slots))
	for key, s := range idx.slots {
		out[key] = idx.entriesOf(s)
	}
	return out
}

// Pair is one row produced by Join: the shared key plus the matched value
// from each side.
type Pair[A, B any] struct {
	Key   core.Key
	Left  A
	Right B
}

// Join computes the equi-join of l and r on their shared Key space: for each
// key present on both sides, it emits the cartesian product of l's and r's
// values for that key, with multiplicity l.m * r.m, skipping zero products.
// It iterates whichever side has fewer distinct keys.
func Join[A, B any](l *Index[A], r *Index[B]) *multiset.Multiset[Pair[A, B]] {
	out := multiset.New[Pair[A, B]]()
	if l.Size() <= r.Size() {
		rAll := r.allKeyed()
		for key, lEntries := range l.allKeyed() {
			rEntries, ok := rAll[key]
			if !ok {
				continue
			}
			emitProduct(out, key, lEntries, rEntries)
		}
		return out
	}

	lAll := l.allKeyed()
	for key, rEntries := range r.allKeyed() {
		lEntries, ok := lAll[key]
		if !ok {
			continue
		}
		emitProduct(out, key, lEntries, rEntries)
	}
	return out
}

func emitProduct[A, B any](out *multiset.Multiset[Pair[A, B]], key core.Key, lEntries []*valueEntry[A], rEntries []*valueEntry[B]) {
	for _, le := range lEntries {
		for _, re := range rEntries {
			m := le.multiplicity * re.multiplicity
			if m == 0 {
				continue
			}
			out.Push(Pair[A, B]{Key: key, Left: le.value, Right: re.value}, m)
		}
	}
}
