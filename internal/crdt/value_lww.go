package crdt

// ValueLWW is a last-writer-wins register. Every replica's latest write is
// kept until a later write observes it; among the live writes the one with
// the higher timestamp wins and equal timestamps are ordered by writer
// replica.
type ValueLWW[T any] struct {
	writes *Map[ReplicaID, *lwwWrite[T]]
}

// NewValueLWW returns an unset register.
func NewValueLWW[T any](cfg Config) *ValueLWW[T] {
	return &ValueLWW[T]{writes: NewMap[ReplicaID, *lwwWrite[T]](cfg, newLWWWrite[T])}
}

// Set writes v with a timestamp above any seen so far.
func (r *ValueLWW[T]) Set(v T) {
	r.SetAt(r.Timestamp()+1, v)
}

// SetAt writes v at timestamp ts and reports whether it won.
func (r *ValueLWW[T]) SetAt(ts Counter, v T) bool {
	self := r.writes.cfg.Replica
	if w, writer, ok := r.winner(); ok && !newerWrite(ts, self, w.timestamp, writer) {
		return false
	}
	r.writes.assign(self, func(d Dot) *lwwWrite[T] {
		return &lwwWrite[T]{seq: d.Counter, timestamp: ts, value: v}
	})
	return true
}

func (r *ValueLWW[T]) winner() (*lwwWrite[T], ReplicaID, bool) {
	var (
		best   *lwwWrite[T]
		writer ReplicaID
	)
	for id, w := range r.writes.All() {
		if best == nil || newerWrite(w.timestamp, id, best.timestamp, writer) {
			best, writer = w, id
		}
	}
	return best, writer, best != nil
}

// Get returns the current value and whether the register was ever written.
func (r *ValueLWW[T]) Get() (T, bool) {
	w, _, ok := r.winner()
	if !ok {
		var zero T
		return zero, false
	}
	return w.value, true
}

// Timestamp returns the timestamp of the winning write.
func (r *ValueLWW[T]) Timestamp() Counter {
	if w, _, ok := r.winner(); ok {
		return w.timestamp
	}
	return 0
}

// Writer returns the replica of the winning write.
func (r *ValueLWW[T]) Writer() ReplicaID {
	_, writer, _ := r.winner()
	return writer
}

func (r *ValueLWW[T]) Merge(other *ValueLWW[T]) {
	if other == nil || other == r {
		return
	}
	r.writes.Merge(other.writes)
}

func (r *ValueLWW[T]) ExtractDelta() *ValueLWW[T] {
	return &ValueLWW[T]{writes: r.writes.ExtractDelta()}
}

func (r *ValueLWW[T]) join(other *ValueLWW[T], j joint) {
	if other != nil && other != r {
		r.writes.join(other.writes, j)
	}
}

func (r *ValueLWW[T]) prune(j joint) { r.writes.prune(j) }

func (r *ValueLWW[T]) eachDot(fn func(Dot)) { r.writes.eachDot(fn) }

func (r *ValueLWW[T]) history(fn func(ReplicaID, *CounterSet) bool) { r.writes.history(fn) }

func newerWrite(ts Counter, writer ReplicaID, curTS Counter, curWriter ReplicaID) bool {
	if ts != curTS {
		return ts > curTS
	}
	return writer > curWriter
}

// lwwWrite is one replica's latest write. seq is the counter of the dot that
// stamped it, so a replica's later write replaces an earlier one even when
// the two meet under the same key.
type lwwWrite[T any] struct {
	seq       Counter
	timestamp Counter
	value     T
}

func newLWWWrite[T any](Config) *lwwWrite[T] { return &lwwWrite[T]{} }

func (w *lwwWrite[T]) Merge(other *lwwWrite[T]) {
	if other != nil && other.seq > w.seq {
		*w = *other
	}
}

func (w *lwwWrite[T]) ExtractDelta() *lwwWrite[T] { return &lwwWrite[T]{} }

func (w *lwwWrite[T]) join(other *lwwWrite[T], _ joint) { w.Merge(other) }

func (*lwwWrite[T]) prune(joint)                               {}
func (*lwwWrite[T]) eachDot(func(Dot))                         {}
func (*lwwWrite[T]) history(func(ReplicaID, *CounterSet) bool) {}
