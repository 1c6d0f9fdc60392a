package crdt

import (
	"slices"
	"sync"
)

// scratchDots bounds the pooled slab. Merges that visit more dots grow the
// slices on the heap; the grown slices are not returned to the pool.
const scratchDots = 1024

// scratch holds merge-scoped bookkeeping. It is acquired at the start of a
// merge and released when the merge returns.
type scratch struct {
	visited  []Dot
	counters []Counter
	sorted   bool
}

var scratchPool = sync.Pool{
	New: func() any {
		return &scratch{
			visited:  make([]Dot, 0, scratchDots),
			counters: make([]Counter, 0, scratchDots),
		}
	},
}

func acquireScratch() *scratch {
	return scratchPool.Get().(*scratch)
}

func releaseScratch(s *scratch) {
	if cap(s.visited) > scratchDots || cap(s.counters) > scratchDots {
		return
	}
	s.visited = s.visited[:0]
	s.counters = s.counters[:0]
	s.sorted = false
	scratchPool.Put(s)
}

func (s *scratch) visit(d Dot) {
	s.visited = append(s.visited, d)
	s.sorted = false
}

func (s *scratch) sort() {
	if s.sorted {
		return
	}
	slices.SortFunc(s.visited, Dot.Compare)
	s.visited = slices.Compact(s.visited)
	s.sorted = true
}

// replicaVisited returns the sorted visited dots of one replica.
func (s *scratch) replicaVisited(replica ReplicaID) []Dot {
	s.sort()
	lo, _ := slices.BinarySearchFunc(s.visited, Dot{Replica: replica}, Dot.Compare)
	hi := lo
	for hi < len(s.visited) && s.visited[hi].Replica == replica {
		hi++
	}
	return s.visited[lo:hi]
}

// replicas returns each replica present in visited once, in order.
func (s *scratch) replicas() []ReplicaID {
	s.sort()
	var out []ReplicaID
	for i, d := range s.visited {
		if i == 0 || s.visited[i-1].Replica != d.Replica {
			out = append(out, d.Replica)
		}
	}
	return out
}

func wasVisited(visited []Dot, c Counter) bool {
	_, ok := slices.BinarySearchFunc(visited, c, func(d Dot, target Counter) int {
		switch {
		case d.Counter < target:
			return -1
		case d.Counter > target:
			return 1
		}
		return 0
	})
	return ok
}
