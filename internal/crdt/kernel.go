package crdt

import (
	"cmp"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

// Value is implemented by CRDTs that can be nested inside a Map.
//
// A map and the values nested in it form one causal tree: every dot is
// minted by the map at the top and only that map records the counters
// observed. Nested values merge against the context of the top of both
// trees through join and prune.
type Value[V any] interface {
	// Merge joins other into the receiver when the receiver is the top of
	// its tree.
	Merge(other V)
	// ExtractDelta drains the changes made locally since the last call.
	ExtractDelta() V

	join(other V, j joint)
	prune(j joint)
	eachDot(fn func(Dot))
	history(fn func(ReplicaID, *CounterSet) bool)
}

// causal is a causal context: the counters observed from each replica.
type causal interface {
	covers(d Dot) bool
	eachSet(fn func(ReplicaID, *CounterSet) bool)
}

type noHistory struct{}

func (noHistory) covers(Dot) bool                           { return false }
func (noHistory) eachSet(func(ReplicaID, *CounterSet) bool) {}

// joint carries the contexts of both trees down to nested values.
type joint struct {
	local  causal
	remote causal
	// full marks an incoming subtree that replaces the local one: local
	// entries it does not carry are pruned.
	full bool
}

// MergeContext observes the effect of a merge on the receiving kernel.
type MergeContext[K any] interface {
	// Added is called when key becomes live.
	Added(key K)
	// Removed is called when the last dot of key is removed.
	Removed(key K)
	// Compacted is called for counters folded into a replica's frontier.
	Compacted(d Dot)
}

// MergeCounts is a MergeContext that tallies merge effects.
type MergeCounts[K any] struct {
	Adds        int
	Removes     int
	Compactions int
}

func (c *MergeCounts[K]) Added(K)       { c.Adds++ }
func (c *MergeCounts[K]) Removed(K)     { c.Removes++ }
func (c *MergeCounts[K]) Compacted(Dot) { c.Compactions++ }

type nopContext[K any] struct{}

func (nopContext[K]) Added(K)       {}
func (nopContext[K]) Removed(K)     {}
func (nopContext[K]) Compacted(Dot) {}

type entry[K cmp.Ordered, V any] struct {
	key   K
	dots  *DotContext
	value V
}

type replicaData[K cmp.Ordered] struct {
	counters *CounterSet
	// dots maps each live counter of this replica to the key it witnesses.
	dots ordered.Map[Counter, K]
}

// Kernel is the causal state shared by every replicated collection: the live
// entries with the dots witnessing them, and per replica the counters
// observed plus a reverse index from live counters to keys.
//
// Only the kernel at the top of a tree records counters. A delta also lists
// the keys whose nested content it removed.
type Kernel[K cmp.Ordered, V Value[V]] struct {
	tag      Tag
	kind     ordered.Kind
	values   ordered.Map[K, *entry[K, V]]
	replicas ordered.Map[ReplicaID, *replicaData[K]]
	removed  ordered.Set[K]
	newValue func() V
}

// NewKernel returns an empty kernel. newValue builds the empty nested value
// for keys created by a merge.
func NewKernel[K cmp.Ordered, V Value[V]](tag Tag, kind ordered.Kind, newValue func() V) *Kernel[K, V] {
	return &Kernel[K, V]{
		tag:      tag,
		kind:     kind,
		values:   ordered.New[K, *entry[K, V]](kind),
		replicas: ordered.New[ReplicaID, *replicaData[K]](kind),
		newValue: newValue,
	}
}

// Tag reports whether the kernel is a state or a delta.
func (k *Kernel[K, V]) Tag() Tag { return k.tag }

func (k *Kernel[K, V]) replica(id ReplicaID) *replicaData[K] {
	rep, ok := k.replicas.Get(id)
	if !ok {
		rep = &replicaData[K]{
			counters: NewCounterSet(k.tag, k.kind),
			dots:     ordered.New[Counter, K](k.kind),
		}
		k.replicas.Put(id, rep)
	}
	return rep
}

func (k *Kernel[K, V]) entry(key K) (*entry[K, V], bool) {
	e, ok := k.values.Get(key)
	if ok {
		return e, false
	}
	e = &entry[K, V]{key: key, dots: NewDotContext(Delta, k.kind), value: k.newValue()}
	k.values.Put(key, e)
	return e, true
}

func (k *Kernel[K, V]) covers(d Dot) bool {
	rep, ok := k.replicas.Get(d.Replica)
	return ok && rep.counters.Covers(d.Counter)
}

func (k *Kernel[K, V]) eachSet(fn func(ReplicaID, *CounterSet) bool) {
	k.replicas.Ascend(func(id ReplicaID, rep *replicaData[K]) bool {
		if rep.counters.Empty() {
			return true
		}
		return fn(id, rep.counters)
	})
}

// hasDot reports whether d witnesses one of the kernel's own entries.
func (k *Kernel[K, V]) hasDot(d Dot) bool {
	rep, ok := k.replicas.Get(d.Replica)
	if !ok {
		return false
	}
	_, ok = rep.dots.Get(d.Counter)
	return ok
}

// eachDot visits every dot of the kernel's entries and of their nested
// values.
func (k *Kernel[K, V]) eachDot(fn func(Dot)) {
	k.values.Ascend(func(_ K, e *entry[K, V]) bool {
		e.dots.Ascend(func(d Dot) bool {
			fn(d)
			return true
		})
		e.value.eachDot(fn)
		return true
	})
}

func (k *Kernel[K, V]) isRemoved(key K) bool {
	if k.removed == nil {
		return false
	}
	_, ok := k.removed.Get(key)
	return ok
}

// MarkRemoved records in a delta that the nested content of key it has
// observed is gone, so receivers that keep key alive drop that content too.
func (k *Kernel[K, V]) MarkRemoved(key K) {
	if k.removed == nil {
		k.removed = ordered.NewSet[K](k.kind)
	}
	k.removed.Put(key, struct{}{})
}

// NextDot returns the dot replica should use for its next event.
func (k *Kernel[K, V]) NextDot(replica ReplicaID) Dot {
	var last Counter
	if rep, ok := k.replicas.Get(replica); ok {
		last = rep.counters.Max()
	}
	return Dot{Replica: replica, Counter: last + 1}
}

// AddCounterDot records d as observed without attaching it to a value. In a
// delta this asserts that whatever d witnessed has been removed.
func (k *Kernel[K, V]) AddCounterDot(d Dot) {
	k.replica(d.Replica).counters.Emplace(d.Counter)
}

// AddValue attaches d to key and merges value into the key's nested value.
// The counters value has observed become part of k's history.
func (k *Kernel[K, V]) AddValue(key K, d Dot, value V) {
	e, _ := k.entry(key)
	e.dots.Add(d)
	e.value.join(value, joint{local: noHistory{}, remote: noHistory{}})
	value.history(func(id ReplicaID, set *CounterSet) bool {
		k.replica(id).counters.Update(set, nil)
		return true
	})
	k.replica(d.Replica).dots.Put(d.Counter, key)
}

// Find returns the nested value of a live key.
func (k *Kernel[K, V]) Find(key K) (V, bool) {
	if e, ok := k.values.Get(key); ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Dots returns the dots currently witnessing key.
func (k *Kernel[K, V]) Dots(key K) []Dot {
	if e, ok := k.values.Get(key); ok {
		return e.dots.Dots()
	}
	return nil
}

// Len returns the number of live keys.
func (k *Kernel[K, V]) Len() int { return k.values.Len() }

// Ascend visits live keys in order.
func (k *Kernel[K, V]) Ascend(fn func(key K, value V) bool) {
	k.values.Ascend(func(key K, e *entry[K, V]) bool {
		return fn(key, e.value)
	})
}

// Empty reports whether the kernel holds neither values nor causal history.
func (k *Kernel[K, V]) Empty() bool {
	if k.values.Len() > 0 {
		return false
	}
	if k.removed != nil && k.removed.Len() > 0 {
		return false
	}
	empty := true
	k.replicas.Ascend(func(_ ReplicaID, rep *replicaData[K]) bool {
		empty = rep.counters.Empty()
		return empty
	})
	return empty
}

// Frontier returns the highest counter observed from each replica.
func (k *Kernel[K, V]) Frontier() map[ReplicaID]Counter {
	out := make(map[ReplicaID]Counter, k.replicas.Len())
	k.replicas.Ascend(func(id ReplicaID, rep *replicaData[K]) bool {
		if c := rep.counters.Max(); c > 0 {
			out[id] = c
		}
		return true
	})
	return out
}

// Merge joins other into k. Other may be a full state or a delta. The
// result does not depend on the order or multiplicity of merges.
//
// A dot of other is attached to the local entry unless k has already
// observed it, in which case k removed it. A live local dot is removed when
// other has observed it but does not attach it to the same key. The same
// rule applies at every level of nesting, against the counters of k and
// other.
func (k *Kernel[K, V]) Merge(other *Kernel[K, V], mc MergeContext[K]) {
	if other == nil || other == k {
		return
	}
	if mc == nil {
		mc = nopContext[K]{}
	}

	sc := acquireScratch()
	defer releaseScratch(sc)

	k.join(other, joint{local: k, remote: other, full: other.tag == State}, mc, sc)

	other.replicas.Ascend(func(id ReplicaID, remote *replicaData[K]) bool {
		k.replica(id).counters.Update(remote.counters, func(c Counter) {
			mc.Compacted(Dot{Replica: id, Counter: c})
		})
		return true
	})

	// Dots asserted by values but missing from other's replica records still
	// count as observed.
	for _, id := range sc.replicas() {
		if _, ok := other.replicas.Get(id); ok {
			continue
		}
		local := k.replica(id)
		for _, d := range sc.replicaVisited(id) {
			local.counters.Insert(d.Counter)
		}
		local.counters.Collapse(func(c Counter) {
			mc.Compacted(Dot{Replica: id, Counter: c})
		})
	}
}

// join merges the entries of other into k without touching k's counters.
// sc collects the dots of other when k is the top of its tree; nested
// kernels look dots up in other's reverse index instead.
func (k *Kernel[K, V]) join(other *Kernel[K, V], j joint, mc MergeContext[K], sc *scratch) {
	other.values.Ascend(func(key K, remote *entry[K, V]) bool {
		local, exists := k.values.Get(key)
		created := false
		remote.dots.Ascend(func(d Dot) bool {
			if sc != nil {
				sc.visit(d)
			}
			if exists && local.dots.Has(d) {
				return true
			}
			if j.local.covers(d) {
				return true
			}
			if !exists {
				local, created = k.entry(key)
				exists = true
			}
			local.dots.Add(d)
			k.replica(d.Replica).dots.Put(d.Counter, key)
			return true
		})
		if exists {
			sub := j
			sub.full = j.full || other.isRemoved(key)
			local.value.join(remote.value, sub)
		}
		if created {
			mc.Added(key)
		}
		return true
	})

	k.dropObserved(other, j.remote, mc, sc)

	switch {
	case j.full:
		k.values.Ascend(func(key K, e *entry[K, V]) bool {
			if _, ok := other.values.Get(key); !ok {
				e.value.prune(j)
			}
			return true
		})
	case other.removed != nil:
		other.removed.Ascend(func(key K, _ struct{}) bool {
			if _, ok := other.values.Get(key); ok {
				return true
			}
			if e, ok := k.values.Get(key); ok {
				e.value.prune(j)
			}
			return true
		})
	}

	if k.tag == Delta && other.removed != nil {
		other.removed.Ascend(func(key K, _ struct{}) bool {
			k.MarkRemoved(key)
			return true
		})
	}
}

// prune drops every dot, at this level and below, that j.remote has
// observed. Used for subtrees the remote side no longer carries.
func (k *Kernel[K, V]) prune(j joint) {
	k.dropObserved(nil, j.remote, nopContext[K]{}, nil)
	k.values.Ascend(func(_ K, e *entry[K, V]) bool {
		e.value.prune(j)
		return true
	})
}

// dropObserved removes the local dots that remote has observed and other
// does not carry: the valueless dots.
func (k *Kernel[K, V]) dropObserved(other *Kernel[K, V], remote causal, mc MergeContext[K], sc *scratch) {
	var buf []Counter
	if sc != nil {
		buf = sc.counters[:0]
	}
	remote.eachSet(func(id ReplicaID, counters *CounterSet) bool {
		local, ok := k.replicas.Get(id)
		if !ok || local.dots.Len() == 0 {
			return true
		}

		var carried func(Counter) bool
		switch {
		case sc != nil:
			visited := sc.replicaVisited(id)
			carried = func(c Counter) bool { return wasVisited(visited, c) }
		case other != nil:
			carried = func(c Counter) bool { return other.hasDot(Dot{Replica: id, Counter: c}) }
		default:
			carried = func(Counter) bool { return false }
		}

		valueless := buf[:0]
		consider := func(c Counter, _ K) bool {
			if counters.Covers(c) && !carried(c) {
				valueless = append(valueless, c)
			}
			return true
		}
		if counters.frontier > 0 {
			local.dots.Ascend(func(c Counter, key K) bool {
				if c > counters.frontier {
					return false
				}
				return consider(c, key)
			})
		}
		counters.above.Ascend(func(c Counter, _ struct{}) bool {
			if key, ok := local.dots.Get(c); ok {
				consider(c, key)
			}
			return true
		})
		buf = valueless

		for _, c := range valueless {
			k.removeDot(Dot{Replica: id, Counter: c}, local, mc)
		}
		return true
	})
	if sc != nil {
		sc.counters = buf
	}
}

func (k *Kernel[K, V]) removeDot(d Dot, rep *replicaData[K], mc MergeContext[K]) {
	key, ok := rep.dots.Get(d.Counter)
	if !ok {
		return
	}
	rep.dots.Delete(d.Counter)
	e, ok := k.values.Get(key)
	if !ok {
		return
	}
	e.dots.Remove(d)
	if e.dots.Empty() {
		k.values.Delete(key)
		mc.Removed(key)
	}
}
