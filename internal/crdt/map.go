package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"iter"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

// ErrMissingKey is returned when a key is not live.
var ErrMissingKey = errors.New("crdt: missing key")

// Config is threaded through every collection, nested ones included.
type Config struct {
	Replica  ReplicaID
	Backend  ordered.Kind
	Tracking Tracking

	// tree is the map at the top of the collection; it mints dots for the
	// collections nested in it.
	tree tree
	// delta marks values that only carry the content of a delta.
	delta bool
}

func (c Config) forDelta() Config {
	c.Tracking = Discard
	c.delta = true
	return c
}

// tree is implemented by the map at the top of a tree of nested collections.
type tree interface {
	mint() Dot
	context() causal
}

// Map is a replicated map from K to nested CRDT values. Local updates are
// turned into deltas and merged through the same path as remote data.
//
// Nested values share the map's causal history: mutate them through Update
// so their changes are stamped and shipped with the key.
//
// A Map is not safe for concurrent use.
type Map[K cmp.Ordered, V Value[V]] struct {
	cfg      Config
	state    *Kernel[K, V]
	hook     deltaHook[K, V]
	newValue func(Config) V
	// issued is the last counter handed out. Counters minted for nested
	// values enter the history only when the enclosing update is applied.
	issued Counter
}

// NewMap returns an empty map. newValue builds empty nested values.
func NewMap[K cmp.Ordered, V Value[V]](cfg Config, newValue func(Config) V) *Map[K, V] {
	m := &Map[K, V]{newValue: newValue}
	if cfg.tree == nil {
		cfg.tree = m
	}
	m.cfg = cfg

	tag := State
	if cfg.delta {
		tag = Delta
	}
	m.state = NewKernel[K, V](tag, cfg.Backend, func() V { return newValue(m.cfg) })

	switch {
	case cfg.delta:
		m.hook = discardHook[K, V]{fresh: m.newDelta}
	case cfg.Tracking == Accumulate || !m.top():
		m.hook = &accumulateHook[K, V]{pending: m.newDelta(), fresh: m.newDelta}
	default:
		m.hook = discardHook[K, V]{fresh: m.newDelta}
	}
	return m
}

func (m *Map[K, V]) newDelta() *Kernel[K, V] {
	cfg := m.cfg.forDelta()
	return NewKernel[K, V](Delta, cfg.Backend, func() V { return m.newValue(cfg) })
}

// wrap presents a delta kernel as a Map that can be merged elsewhere.
func (m *Map[K, V]) wrap(k *Kernel[K, V]) *Map[K, V] {
	return &Map[K, V]{
		cfg:      m.cfg.forDelta(),
		state:    k,
		hook:     discardHook[K, V]{fresh: m.newDelta},
		newValue: m.newValue,
	}
}

// top reports whether m is the top of its tree.
func (m *Map[K, V]) top() bool { return m.cfg.tree == tree(m) }

func (m *Map[K, V]) mint() Dot {
	d := m.state.NextDot(m.cfg.Replica)
	if d.Counter <= m.issued {
		d.Counter = m.issued + 1
	}
	m.issued = d.Counter
	return d
}

func (m *Map[K, V]) context() causal { return m.state }

// Config returns the configuration the map was built with.
func (m *Map[K, V]) Config() Config {
	return Config{Replica: m.cfg.Replica, Backend: m.cfg.Backend, Tracking: m.cfg.Tracking}
}

// Kernel exposes the causal state.
func (m *Map[K, V]) Kernel() *Kernel[K, V] { return m.state }

func (m *Map[K, V]) apply(delta *Kernel[K, V], mc MergeContext[K]) {
	if m.top() {
		m.state.Merge(delta, mc)
	} else {
		if mc == nil {
			mc = nopContext[K]{}
		}
		m.state.join(delta, joint{local: m.cfg.tree.context(), remote: delta}, mc, nil)
	}
	m.hook.commit(delta)
}

// supersede adds the dots currently witnessing key to delta.
func (m *Map[K, V]) supersede(delta *Kernel[K, V], key K) {
	if e, ok := m.state.values.Get(key); ok {
		e.dots.Ascend(func(d Dot) bool {
			delta.AddCounterDot(d)
			return true
		})
	}
}

// retire adds the dots of e and of everything nested in it to delta.
func (m *Map[K, V]) retire(delta *Kernel[K, V], e *entry[K, V]) {
	e.dots.Ascend(func(d Dot) bool {
		delta.AddCounterDot(d)
		return true
	})
	nested := false
	e.value.eachDot(func(d Dot) {
		delta.AddCounterDot(d)
		nested = true
	})
	if nested {
		delta.MarkRemoved(e.key)
	}
}

// put gives key a fresh dot, retires the dots previously seen on key and
// merges the value built for that dot.
func (m *Map[K, V]) put(key K, build func(Dot) V) bool {
	delta := m.newDelta()
	dot := m.cfg.tree.mint()
	delta.AddCounterDot(dot)
	m.supersede(delta, key)
	delta.AddValue(key, dot, build(dot))

	var counts MergeCounts[K]
	m.apply(delta, &counts)
	return counts.Adds > 0
}

// Insert merges value into key and reports whether key was not live. The
// update gets a fresh dot and retires the dots previously seen on key.
//
// Dots inside value must come from this map's tree, as with values built
// by NewValue.
func (m *Map[K, V]) Insert(key K, value V) bool {
	return m.put(key, func(Dot) V { return value })
}

// NewValue returns an empty value that belongs to m's tree.
func (m *Map[K, V]) NewValue() V { return m.newValue(m.cfg) }

// Update runs fn on the live value of key, creating it when absent, and then
// re-asserts key so peers see the nested change as a fresh event.
func (m *Map[K, V]) Update(key K, fn func(V)) {
	e, ok := m.state.values.Get(key)
	if !ok {
		v := m.NewValue()
		fn(v)
		m.Insert(key, v.ExtractDelta())
		return
	}
	fn(e.value)
	m.put(key, func(Dot) V { return e.value.ExtractDelta() })
}

// assign replaces the whole content of the map with key in one event.
func (m *Map[K, V]) assign(key K, build func(Dot) V) {
	delta := m.newDelta()
	dot := m.cfg.tree.mint()
	delta.AddCounterDot(dot)
	m.state.values.Ascend(func(_ K, e *entry[K, V]) bool {
		m.retire(delta, e)
		return true
	})
	delta.AddValue(key, dot, build(dot))
	m.apply(delta, nil)
}

// Erase removes key and reports whether it was live. No dot is minted: the
// delta only asserts the dots that witnessed key and its nested content.
func (m *Map[K, V]) Erase(key K) bool {
	e, ok := m.state.values.Get(key)
	if !ok {
		return false
	}
	delta := m.newDelta()
	m.retire(delta, e)

	var counts MergeCounts[K]
	m.apply(delta, &counts)
	return counts.Removes > 0
}

// Clear removes every live key.
func (m *Map[K, V]) Clear() {
	if m.state.values.Len() == 0 {
		return
	}
	delta := m.newDelta()
	m.state.values.Ascend(func(_ K, e *entry[K, V]) bool {
		m.retire(delta, e)
		return true
	})
	m.apply(delta, nil)
}

// Find returns the live value of key. Mutate it through Update so the change
// is replicated.
func (m *Map[K, V]) Find(key K) (V, bool) {
	return m.state.Find(key)
}

// At is Find with ErrMissingKey for absent keys.
func (m *Map[K, V]) At(key K) (V, error) {
	v, ok := m.state.Find(key)
	if !ok {
		return v, fmt.Errorf("%w: %v", ErrMissingKey, key)
	}
	return v, nil
}

// Contains reports whether key is live.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.state.values.Get(key)
	return ok
}

// Len returns the number of live keys.
func (m *Map[K, V]) Len() int { return m.state.Len() }

// All iterates live entries in key order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.state.Ascend(yield)
	}
}

// Keys returns the live keys in order.
func (m *Map[K, V]) Keys() []K {
	return ordered.Keys(m.state.values)
}

// Empty reports whether the map carries neither keys nor causal history.
// An extracted delta with nothing to ship is empty.
func (m *Map[K, V]) Empty() bool { return m.state.Empty() }

// Frontier returns the highest counter observed from each replica.
func (m *Map[K, V]) Frontier() map[ReplicaID]Counter { return m.state.Frontier() }

// Merge joins other, a full map or a delta, into m.
func (m *Map[K, V]) Merge(other *Map[K, V]) {
	m.MergeWith(other, nil)
}

// MergeWith is Merge reporting effects to mc.
func (m *Map[K, V]) MergeWith(other *Map[K, V], mc MergeContext[K]) {
	if other == nil {
		return
	}
	m.state.Merge(other.state, mc)
}

func (m *Map[K, V]) join(other *Map[K, V], j joint) {
	if other == nil || other == m {
		return
	}
	m.state.join(other.state, j, nopContext[K]{}, nil)
}

func (m *Map[K, V]) prune(j joint) { m.state.prune(j) }

func (m *Map[K, V]) eachDot(fn func(Dot)) { m.state.eachDot(fn) }

func (m *Map[K, V]) history(fn func(ReplicaID, *CounterSet) bool) { m.state.eachSet(fn) }

// ExtractDelta returns the changes made locally since the previous call and
// resets the accumulator. With Discard tracking the result is always empty.
func (m *Map[K, V]) ExtractDelta() *Map[K, V] {
	return m.wrap(m.hook.extract())
}
