package crdt

import (
	"github.com/example/delta-crdt-engine/internal/ordered"
)

// DotContext maps each replica to the counters observed from it.
type DotContext struct {
	tag  Tag
	kind ordered.Kind
	sets ordered.Map[ReplicaID, *CounterSet]
}

// NewDotContext returns an empty context.
func NewDotContext(tag Tag, kind ordered.Kind) *DotContext {
	return &DotContext{
		tag:  tag,
		kind: kind,
		sets: ordered.New[ReplicaID, *CounterSet](kind),
	}
}

func (c *DotContext) counters(replica ReplicaID) *CounterSet {
	set, ok := c.sets.Get(replica)
	if !ok {
		set = NewCounterSet(c.tag, c.kind)
		c.sets.Put(replica, set)
	}
	return set
}

// Get returns the highest counter seen from replica, or zero.
func (c *DotContext) Get(replica ReplicaID) Counter {
	if set, ok := c.sets.Get(replica); ok {
		return set.Max()
	}
	return 0
}

// Has reports whether d is stored in the context.
func (c *DotContext) Has(d Dot) bool {
	set, ok := c.sets.Get(d.Replica)
	return ok && set.Has(d.Counter)
}

// Covers reports whether d has been observed.
func (c *DotContext) Covers(d Dot) bool {
	set, ok := c.sets.Get(d.Replica)
	return ok && set.Covers(d.Counter)
}

// Add records d and reports whether it was new.
func (c *DotContext) Add(d Dot) bool {
	return c.counters(d.Replica).Insert(d.Counter)
}

// Remove forgets d. Replicas left without counters are dropped.
func (c *DotContext) Remove(d Dot) bool {
	set, ok := c.sets.Get(d.Replica)
	if !ok || !set.Remove(d.Counter) {
		return false
	}
	if set.Empty() {
		c.sets.Delete(d.Replica)
	}
	return true
}

// Merge folds other into c, reporting counters that stop being stored.
func (c *DotContext) Merge(other *DotContext, onErase func(Dot)) {
	if other == nil || other == c {
		return
	}
	other.sets.Ascend(func(replica ReplicaID, incoming *CounterSet) bool {
		c.counters(replica).Update(incoming, eraseFor(replica, onErase))
		return true
	})
}

// Collapse compacts every replica's counters.
func (c *DotContext) Collapse(onErase func(Dot)) {
	c.sets.Ascend(func(replica ReplicaID, set *CounterSet) bool {
		set.Collapse(eraseFor(replica, onErase))
		return true
	})
}

// Ascend visits every stored dot in order.
func (c *DotContext) Ascend(fn func(Dot) bool) {
	c.sets.Ascend(func(replica ReplicaID, set *CounterSet) bool {
		keepGoing := true
		set.Ascend(func(counter Counter) bool {
			keepGoing = fn(Dot{Replica: replica, Counter: counter})
			return keepGoing
		})
		return keepGoing
	})
}

// Dots returns the stored dots in order.
func (c *DotContext) Dots() []Dot {
	var dots []Dot
	c.Ascend(func(d Dot) bool {
		dots = append(dots, d)
		return true
	})
	return dots
}

// Len returns the number of stored dots.
func (c *DotContext) Len() int {
	n := 0
	c.sets.Ascend(func(_ ReplicaID, set *CounterSet) bool {
		n += set.Len()
		return true
	})
	return n
}

// Empty reports whether no dot is stored.
func (c *DotContext) Empty() bool {
	empty := true
	c.sets.Ascend(func(_ ReplicaID, set *CounterSet) bool {
		empty = set.Empty()
		return empty
	})
	return empty
}

// Clone returns a deep copy.
func (c *DotContext) Clone() *DotContext {
	out := NewDotContext(c.tag, c.kind)
	c.sets.Ascend(func(replica ReplicaID, set *CounterSet) bool {
		out.sets.Put(replica, set.Clone(c.tag, c.kind))
		return true
	})
	return out
}

func eraseFor(replica ReplicaID, onErase func(Dot)) func(Counter) {
	if onErase == nil {
		return nil
	}
	return func(counter Counter) {
		onErase(Dot{Replica: replica, Counter: counter})
	}
}
