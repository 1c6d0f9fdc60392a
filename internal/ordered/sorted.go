package ordered

import (
	"cmp"
	"slices"
)

// sortedMap stores entries in a Go map and rebuilds a sorted key index only
// when an ordered read follows a structural change.
type sortedMap[K cmp.Ordered, V any] struct {
	items map[K]V
	keys  []K
	dirty bool
}

func newSorted[K cmp.Ordered, V any]() *sortedMap[K, V] {
	return &sortedMap[K, V]{items: make(map[K]V)}
}

func (m *sortedMap[K, V]) index() []K {
	if m.dirty {
		m.keys = m.keys[:0]
		for k := range m.items {
			m.keys = append(m.keys, k)
		}
		slices.Sort(m.keys)
		m.dirty = false
	}
	return m.keys
}

func (m *sortedMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *sortedMap[K, V]) Put(key K, value V) bool {
	_, exists := m.items[key]
	m.items[key] = value
	if !exists {
		m.dirty = true
	}
	return !exists
}

func (m *sortedMap[K, V]) Delete(key K) bool {
	if _, ok := m.items[key]; !ok {
		return false
	}
	delete(m.items, key)
	m.dirty = true
	return true
}

func (m *sortedMap[K, V]) Len() int { return len(m.items) }

func (m *sortedMap[K, V]) Clear() {
	clear(m.items)
	m.keys = m.keys[:0]
	m.dirty = false
}

func (m *sortedMap[K, V]) Ascend(fn func(K, V) bool) {
	for _, k := range m.index() {
		if !fn(k, m.items[k]) {
			return
		}
	}
}

func (m *sortedMap[K, V]) Min() (K, V, bool) {
	keys := m.index()
	if len(keys) == 0 {
		var (
			k K
			v V
		)
		return k, v, false
	}
	return keys[0], m.items[keys[0]], true
}

func (m *sortedMap[K, V]) Max() (K, V, bool) {
	keys := m.index()
	if len(keys) == 0 {
		var (
			k K
			v V
		)
		return k, v, false
	}
	last := keys[len(keys)-1]
	return last, m.items[last], true
}
