// Package ordered provides the sorted key/value containers the CRDT kernel is
// built on. Every backend iterates in ascending key order.
package ordered

import (
	"cmp"
	"fmt"
	"strings"
)

// Kind selects a container backend.
type Kind int

const (
	// Tree is a B-tree backend.
	Tree Kind = iota
	// Flat is a sorted slice backend.
	Flat
	// Sorted is a hash map with a lazily sorted key index.
	Sorted
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Tree:
		return "tree"
	case Flat:
		return "flat"
	case Sorted:
		return "sorted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tree", "btree":
		return Tree, nil
	case "flat", "vector":
		return Flat, nil
	case "sorted", "map":
		return Sorted, nil
	default:
		return 0, fmt.Errorf("unknown container backend %q", s)
	}
}

// Map is an ordered associative container.
type Map[K cmp.Ordered, V any] interface {
	// Get returns the value stored under key.
	Get(key K) (V, bool)
	// Put stores value under key and reports whether the key was new.
	Put(key K, value V) bool
	// Delete removes key and reports whether it was present.
	Delete(key K) bool
	Len() int
	Clear()
	// Ascend calls fn for every entry in ascending key order until fn
	// returns false. fn must not mutate the map.
	Ascend(fn func(key K, value V) bool)
	Min() (K, V, bool)
	Max() (K, V, bool)
}

// Set is an ordered set.
type Set[K cmp.Ordered] = Map[K, struct{}]

// New builds an empty map on the requested backend.
func New[K cmp.Ordered, V any](kind Kind) Map[K, V] {
	switch kind {
	case Flat:
		return newFlat[K, V]()
	case Sorted:
		return newSorted[K, V]()
	default:
		return newTree[K, V]()
	}
}

// NewSet builds an empty set on the requested backend.
func NewSet[K cmp.Ordered](kind Kind) Set[K] {
	return New[K, struct{}](kind)
}

// Keys collects the keys of m in ascending order.
func Keys[K cmp.Ordered, V any](m Map[K, V]) []K {
	keys := make([]K, 0, m.Len())
	m.Ascend(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
