package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScratchFallsBackToHeap(t *testing.T) {
	s := acquireScratch()
	for i := 0; i < scratchDots+10; i++ {
		s.visit(Dot{Replica: ReplicaID(i % 3), Counter: Counter(i)})
	}
	assert.Greater(t, cap(s.visited), scratchDots)
	assert.Equal(t, []ReplicaID{0, 1, 2}, s.replicas())
	releaseScratch(s)

	fresh := acquireScratch()
	defer releaseScratch(fresh)
	assert.Empty(t, fresh.visited)
	assert.LessOrEqual(t, cap(fresh.visited), scratchDots)
}

func TestScratchReplicaVisited(t *testing.T) {
	s := acquireScratch()
	defer releaseScratch(s)

	for _, d := range []Dot{{2, 5}, {1, 3}, {2, 1}, {2, 5}, {3, 9}} {
		s.visit(d)
	}
	got := s.replicaVisited(2)
	assert.Equal(t, []Dot{{2, 1}, {2, 5}}, got)
	assert.True(t, wasVisited(got, 5))
	assert.False(t, wasVisited(got, 4))
	assert.Empty(t, s.replicaVisited(7))
}

func TestLargeMergeUsesHeapScratch(t *testing.T) {
	a := NewSet[int](Config{Replica: 1, Tracking: Accumulate})
	for i := 0; i < 3*scratchDots; i++ {
		a.Insert(i)
	}
	b := NewSet[int](Config{Replica: 2})
	b.Merge(a.ExtractDelta())
	assert.Equal(t, 3*scratchDots, b.Len())

	for i := 0; i < 3*scratchDots; i += 2 {
		a.Erase(i)
	}
	b.Merge(a.ExtractDelta())
	assert.Equal(t, a.Values(), b.Values())
}
