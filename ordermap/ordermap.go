// Package ordermap provides a sorted associative container with stable,
// O(1)-per-step in-order iteration, backed by a B-tree rather than the
// splay tree the original C core used. Insert, lookup, delete, closest-match
// lookup, and safe deletion of the current entry during traversal are all
// supported, matching the contract the meta-protocol core needs from its
// node, edge, and past-request indices.
package ordermap

import "github.com/google/btree"

const degree = 32

// Direction indicates which side of a pivot a Closest match was found on.
type Direction int

const (
	// Exact means the pivot itself was present.
	Exact Direction = 0
	// Greater means the returned entry's key is the smallest key greater
	// than the pivot.
	Greater Direction = 1
	// Smaller means the returned entry's key is the largest key smaller
	// than the pivot.
	Smaller Direction = -1
)

// Less reports whether a sorts before b. Implementations must define a
// total order.
type Less[K any] func(a, b K) bool

type entry[K any, V any] struct {
	key K
	val V
}

// Map is a sorted associative container ordered by a user-supplied Less.
// A zero Map is not usable; construct one with New.
type Map[K any, V any] struct {
	less Less[K]
	tree *btree.BTreeG[entry[K, V]]
}

// New creates an empty Map ordered by less.
func New[K any, V any](less Less[K]) *Map[K, V] {
	lf := func(a, b entry[K, V]) bool { return less(a.key, b.key) }
	return &Map[K, V]{
		less: less,
		tree: btree.NewG(degree, lf),
	}
}

// Len returns the number of entries currently stored.
func (m *Map[K, V]) Len() int {
	return m.tree.Len()
}

// Insert inserts or replaces the value for key, returning the previous
// value and whether one existed.
func (m *Map[K, V]) Insert(key K, val V) (prev V, replaced bool) {
	old, had := m.tree.ReplaceOrInsert(entry[K, V]{key: key, val: val})
	return old.val, had
}

// Get looks up key, returning its value and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := m.tree.Get(entry[K, V]{key: key})
	if !ok {
		return zero, false
	}
	return e.val, true
}

// Delete removes key, returning the removed value and whether it was
// present.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	var zero V
	e, ok := m.tree.Delete(entry[K, V]{key: key})
	if !ok {
		return zero, false
	}
	return e.val, true
}

// Closest returns the entry at key if present (Exact), otherwise the
// nearest entry greater than key (Greater), otherwise the nearest entry
// smaller than key (Smaller). ok is false only when the map is empty.
func (m *Map[K, V]) Closest(key K) (k K, v V, dir Direction, ok bool) {
	if e, exact := m.tree.Get(entry[K, V]{key: key}); exact {
		return e.key, e.val, Exact, true
	}

	var greater entry[K, V]
	hasGreater := false
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		greater = e
		hasGreater = true
		return false
	})
	if hasGreater {
		return greater.key, greater.val, Greater, true
	}

	var smaller entry[K, V]
	hasSmaller := false
	m.tree.Descend(func(e entry[K, V]) bool {
		smaller = e
		hasSmaller = true
		return false
	})
	if hasSmaller {
		return smaller.key, smaller.val, Smaller, true
	}

	var zeroK K
	var zeroV V
	return zeroK, zeroV, Exact, false
}

// Ascend visits every entry in ascending key order, calling visit with each
// key and value. Returning false from visit stops the traversal early.
func (m *Map[K, V]) Ascend(visit func(key K, val V) bool) {
	m.tree.Ascend(func(e entry[K, V]) bool {
		return visit(e.key, e.val)
	})
}

// AscendRange visits entries with key >= from and key < to, in ascending
// order.
func (m *Map[K, V]) AscendRange(from, to K, visit func(key K, val V) bool) {
	m.tree.AscendRange(entry[K, V]{key: from}, entry[K, V]{key: to}, func(e entry[K, V]) bool {
		return visit(e.key, e.val)
	})
}

// DeleteDuring visits every entry in ascending order, capturing the
// successor key before calling visit, so visit may safely delete the
// current key (via Delete) without disturbing the traversal. It is the Go
// analogue of the splay tree's splay_each macro, which captures node->next
// before yielding the current element for exactly this reason.
func (m *Map[K, V]) DeleteDuring(visit func(key K, val V)) {
	keys := make([]K, 0, m.tree.Len())
	m.tree.Ascend(func(e entry[K, V]) bool {
		keys = append(keys, e.key)
		return true
	})
	for _, k := range keys {
		if v, ok := m.Get(k); ok {
			visit(k, v)
		}
	}
}

// Keys returns all keys in ascending order.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.tree.Len())
	m.tree.Ascend(func(e entry[K, V]) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}
