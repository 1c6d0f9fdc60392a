package crdt

import (
	"fmt"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

// Tag distinguishes full states from deltas.
type Tag int

const (
	// State sets compact contiguous runs of counters as they become known.
	State Tag = iota
	// Delta sets keep exactly the counters they assert.
	Delta
)

func (t Tag) String() string {
	if t == Delta {
		return "delta"
	}
	return "state"
}

// CounterSet is the set of counters observed from one replica.
//
// Counters are stored as a frontier plus a sorted set of counters above it.
// Every counter in [1, frontier] has been observed; only the frontier itself
// is stored for that run. A Delta set never moves its own frontier, so it
// carries every counter it was given.
type CounterSet struct {
	tag      Tag
	frontier Counter
	above    ordered.Set[Counter]
}

// NewCounterSet returns an empty set.
func NewCounterSet(tag Tag, kind ordered.Kind) *CounterSet {
	return &CounterSet{tag: tag, above: ordered.NewSet[Counter](kind)}
}

// Tag reports whether the set collapses.
func (s *CounterSet) Tag() Tag { return s.tag }

// Len returns the number of stored counters.
func (s *CounterSet) Len() int {
	n := s.above.Len()
	if s.frontier > 0 {
		n++
	}
	return n
}

// Empty reports whether no counter has been observed.
func (s *CounterSet) Empty() bool {
	return s.frontier == 0 && s.above.Len() == 0
}

// Has reports whether c is one of the stored counters. A counter folded into
// the frontier by Collapse is no longer stored; use Covers for causality.
func (s *CounterSet) Has(c Counter) bool {
	if c == 0 {
		return false
	}
	if c == s.frontier {
		return true
	}
	_, ok := s.above.Get(c)
	return ok
}

// Covers reports whether c has been observed.
func (s *CounterSet) Covers(c Counter) bool {
	if c == 0 {
		return false
	}
	if c <= s.frontier {
		return true
	}
	_, ok := s.above.Get(c)
	return ok
}

// Max returns the highest observed counter, or zero.
func (s *CounterSet) Max() Counter {
	if c, _, ok := s.above.Max(); ok {
		return c
	}
	return s.frontier
}

// Ascend visits the stored counters in order.
func (s *CounterSet) Ascend(fn func(Counter) bool) {
	if s.frontier > 0 && !fn(s.frontier) {
		return
	}
	s.above.Ascend(func(c Counter, _ struct{}) bool {
		return fn(c)
	})
}

// Emplace inserts c. A State set only accepts Emplace while empty; anything
// else means the caller bypassed Update.
func (s *CounterSet) Emplace(c Counter) {
	if s.tag == State && !s.Empty() {
		panic(fmt.Sprintf("crdt: emplace of counter %d into non-empty state counter set", c))
	}
	s.Insert(c)
}

// Insert adds c without collapsing and reports whether it was new.
func (s *CounterSet) Insert(c Counter) bool {
	if c == 0 || c <= s.frontier {
		return false
	}
	return s.above.Put(c, struct{}{})
}

// Remove deletes a stored counter above the frontier.
func (s *CounterSet) Remove(c Counter) bool {
	return s.above.Delete(c)
}

// Collapse folds the run that continues the frontier into its maximum,
// reporting each counter that stops being stored. Delta sets are left as is.
func (s *CounterSet) Collapse(onErase func(Counter)) {
	if s.tag != State {
		return
	}
	for {
		c, _, ok := s.above.Min()
		if !ok {
			return
		}
		switch {
		case c <= s.frontier:
			s.above.Delete(c)
			report(onErase, c)
		case c == s.frontier+1:
			s.above.Delete(c)
			if s.frontier > 0 {
				report(onErase, s.frontier)
			}
			s.frontier = c
		default:
			return
		}
	}
}

// Update merges incoming into s.
func (s *CounterSet) Update(incoming *CounterSet, onErase func(Counter)) {
	if incoming == nil || incoming.Empty() || incoming == s {
		return
	}

	// Adopt wholesale.
	if s.Empty() {
		s.frontier = incoming.frontier
		incoming.above.Ascend(func(c Counter, _ struct{}) bool {
			s.above.Put(c, struct{}{})
			return true
		})
		s.Collapse(onErase)
		return
	}

	// Single sequential increment of the frontier: bump in place.
	if s.tag == State && s.above.Len() == 0 && s.frontier > 0 && incoming.Len() == 1 {
		if c := incoming.Max(); c == s.frontier+1 {
			report(onErase, s.frontier)
			s.frontier = c
			return
		}
	}

	if incoming.frontier > s.frontier {
		if s.frontier > 0 {
			report(onErase, s.frontier)
		}
		s.frontier = incoming.frontier
		var dominated []Counter
		s.above.Ascend(func(c Counter, _ struct{}) bool {
			if c > s.frontier {
				return false
			}
			dominated = append(dominated, c)
			return true
		})
		for _, c := range dominated {
			s.above.Delete(c)
			report(onErase, c)
		}
	}
	incoming.above.Ascend(func(c Counter, _ struct{}) bool {
		s.Insert(c)
		return true
	})
	s.Collapse(onErase)
}

// Clone returns a deep copy with the requested tag.
func (s *CounterSet) Clone(tag Tag, kind ordered.Kind) *CounterSet {
	out := NewCounterSet(tag, kind)
	out.frontier = s.frontier
	s.above.Ascend(func(c Counter, _ struct{}) bool {
		out.above.Put(c, struct{}{})
		return true
	})
	return out
}

func report(onErase func(Counter), c Counter) {
	if onErase != nil {
		onErase(c)
	}
}
