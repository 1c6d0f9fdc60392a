package ordered

import (
	"cmp"

	"github.com/google/btree"
)

const treeDegree = 16

type treeItem[K cmp.Ordered, V any] struct {
	key   K
	value V
}

type treeMap[K cmp.Ordered, V any] struct {
	tree *btree.BTreeG[treeItem[K, V]]
}

func newTree[K cmp.Ordered, V any]() *treeMap[K, V] {
	return &treeMap[K, V]{
		tree: btree.NewG(treeDegree, func(a, b treeItem[K, V]) bool {
			return cmp.Less(a.key, b.key)
		}),
	}
}

func (m *treeMap[K, V]) Get(key K) (V, bool) {
	item, ok := m.tree.Get(treeItem[K, V]{key: key})
	return item.value, ok
}

func (m *treeMap[K, V]) Put(key K, value V) bool {
	_, replaced := m.tree.ReplaceOrInsert(treeItem[K, V]{key: key, value: value})
	return !replaced
}

func (m *treeMap[K, V]) Delete(key K) bool {
	_, ok := m.tree.Delete(treeItem[K, V]{key: key})
	return ok
}

func (m *treeMap[K, V]) Len() int { return m.tree.Len() }

func (m *treeMap[K, V]) Clear() { m.tree.Clear(false) }

func (m *treeMap[K, V]) Ascend(fn func(K, V) bool) {
	m.tree.Ascend(func(item treeItem[K, V]) bool {
		return fn(item.key, item.value)
	})
}

func (m *treeMap[K, V]) Min() (K, V, bool) {
	item, ok := m.tree.Min()
	return item.key, item.value, ok
}

func (m *treeMap[K, V]) Max() (K, V, bool) {
	item, ok := m.tree.Max()
	return item.key, item.value, ok
}
