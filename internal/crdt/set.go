package crdt

import (
	"cmp"
	"iter"
)

// Empty is the nested value of a Set.
type Empty struct{}

func (Empty) Merge(Empty) {}

func (Empty) ExtractDelta() Empty { return Empty{} }

func (Empty) join(Empty, joint)                         {}
func (Empty) prune(joint)                               {}
func (Empty) eachDot(func(Dot))                         {}
func (Empty) history(func(ReplicaID, *CounterSet) bool) {}

func newEmpty(Config) Empty { return Empty{} }

// Set is a replicated observed-remove set.
type Set[K cmp.Ordered] struct {
	m *Map[K, Empty]
}

// NewSet returns an empty set.
func NewSet[K cmp.Ordered](cfg Config) *Set[K] {
	return &Set[K]{m: NewMap[K, Empty](cfg, newEmpty)}
}

// Insert adds key and reports whether it was absent.
func (s *Set[K]) Insert(key K) bool { return s.m.Insert(key, Empty{}) }

// Erase removes key and reports whether it was present.
func (s *Set[K]) Erase(key K) bool { return s.m.Erase(key) }

func (s *Set[K]) Clear() { s.m.Clear() }

func (s *Set[K]) Contains(key K) bool { return s.m.Contains(key) }

func (s *Set[K]) Len() int { return s.m.Len() }

// All iterates the elements in order.
func (s *Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns the elements in order.
func (s *Set[K]) Values() []K { return s.m.Keys() }

func (s *Set[K]) Empty() bool { return s.m.Empty() }

func (s *Set[K]) Kernel() *Kernel[K, Empty] { return s.m.state }

func (s *Set[K]) Merge(other *Set[K]) {
	if other == nil {
		return
	}
	s.m.Merge(other.m)
}

func (s *Set[K]) ExtractDelta() *Set[K] {
	return &Set[K]{m: s.m.ExtractDelta()}
}

// assign makes key the only element, as one event.
func (s *Set[K]) assign(key K) {
	s.m.assign(key, func(Dot) Empty { return Empty{} })
}

func (s *Set[K]) join(other *Set[K], j joint) {
	if other != nil {
		s.m.join(other.m, j)
	}
}

func (s *Set[K]) prune(j joint) { s.m.prune(j) }

func (s *Set[K]) eachDot(fn func(Dot)) { s.m.eachDot(fn) }

func (s *Set[K]) history(fn func(ReplicaID, *CounterSet) bool) { s.m.history(fn) }
