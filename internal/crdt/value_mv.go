package crdt

import (
	"cmp"
	"fmt"
)

// ValueMV is a multi-value register. Concurrent writes are all kept until a
// later write observes them.
type ValueMV[T cmp.Ordered] struct {
	set *Set[T]
}

// NewValueMV returns an unset register.
func NewValueMV[T cmp.Ordered](cfg Config) *ValueMV[T] {
	return &ValueMV[T]{set: NewSet[T](cfg)}
}

// Set replaces every value this replica has seen with v.
func (r *ValueMV[T]) Set(v T) { r.set.assign(v) }

// One returns the value of a register holding exactly one value. It panics
// otherwise; use Values to read a register with conflicting writes.
func (r *ValueMV[T]) One() T {
	values := r.set.Values()
	if len(values) != 1 {
		panic(fmt.Sprintf("crdt: register holds %d values, want exactly one", len(values)))
	}
	return values[0]
}

// Values returns the live values in order.
func (r *ValueMV[T]) Values() []T { return r.set.Values() }

func (r *ValueMV[T]) Len() int { return r.set.Len() }

func (r *ValueMV[T]) Merge(other *ValueMV[T]) {
	if other == nil || other == r {
		return
	}
	r.set.Merge(other.set)
}

func (r *ValueMV[T]) ExtractDelta() *ValueMV[T] {
	return &ValueMV[T]{set: r.set.ExtractDelta()}
}

func (r *ValueMV[T]) join(other *ValueMV[T], j joint) {
	if other != nil && other != r {
		r.set.join(other.set, j)
	}
}

func (r *ValueMV[T]) prune(j joint) { r.set.prune(j) }

func (r *ValueMV[T]) eachDot(fn func(Dot)) { r.set.eachDot(fn) }

func (r *ValueMV[T]) history(fn func(ReplicaID, *CounterSet) bool) { r.set.history(fn) }
