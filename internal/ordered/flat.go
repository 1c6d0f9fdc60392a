package ordered

import (
	"cmp"
	"slices"
)

type flatEntry[K cmp.Ordered, V any] struct {
	key   K
	value V
}

// flatMap keeps entries in one sorted slice. Lookups are binary searches and
// inserts shift the tail, which suits the small per-replica counter sets.
type flatMap[K cmp.Ordered, V any] struct {
	entries []flatEntry[K, V]
}

func newFlat[K cmp.Ordered, V any]() *flatMap[K, V] {
	return &flatMap[K, V]{}
}

func (m *flatMap[K, V]) search(key K) (int, bool) {
	return slices.BinarySearchFunc(m.entries, key, func(e flatEntry[K, V], k K) int {
		return cmp.Compare(e.key, k)
	})
}

func (m *flatMap[K, V]) Get(key K) (V, bool) {
	if idx, ok := m.search(key); ok {
		return m.entries[idx].value, true
	}
	var zero V
	return zero, false
}

func (m *flatMap[K, V]) Put(key K, value V) bool {
	idx, ok := m.search(key)
	if ok {
		m.entries[idx].value = value
		return false
	}
	m.entries = slices.Insert(m.entries, idx, flatEntry[K, V]{key: key, value: value})
	return true
}

func (m *flatMap[K, V]) Delete(key K) bool {
	idx, ok := m.search(key)
	if !ok {
		return false
	}
	m.entries = slices.Delete(m.entries, idx, idx+1)
	return true
}

func (m *flatMap[K, V]) Len() int { return len(m.entries) }

func (m *flatMap[K, V]) Clear() { m.entries = m.entries[:0] }

func (m *flatMap[K, V]) Ascend(fn func(K, V) bool) {
	for _, e := range m.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (m *flatMap[K, V]) Min() (K, V, bool) {
	if len(m.entries) == 0 {
		var (
			k K
			v V
		)
		return k, v, false
	}
	e := m.entries[0]
	return e.key, e.value, true
}

func (m *flatMap[K, V]) Max() (K, V, bool) {
	if len(m.entries) == 0 {
		var (
			k K
			v V
		)
		return k, v, false
	}
	e := m.entries[len(m.entries)-1]
	return e.key, e.value, true
}
