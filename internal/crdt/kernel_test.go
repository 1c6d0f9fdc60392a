package crdt

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

var backends = []ordered.Kind{ordered.Tree, ordered.Flat, ordered.Sorted}

func cloneSet(t *testing.T, s *Set[int]) *Set[int] {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	out := NewSet[int](s.m.Config())
	require.NoError(t, json.Unmarshal(data, out))
	return out
}

func joined(t *testing.T, sets ...*Set[int]) *Set[int] {
	t.Helper()
	out := cloneSet(t, sets[0])
	for _, s := range sets[1:] {
		out.Merge(s)
	}
	return out
}

func assertSameSet(t *testing.T, want, got *Set[int], msg string) {
	t.Helper()
	assert.Equal(t, want.Values(), got.Values(), msg)
	assert.Equal(t, want.Kernel().Frontier(), got.Kernel().Frontier(), msg)
}

// randomReplicas runs a random history of local updates and partial
// exchanges over three replicas.
func randomReplicas(t *testing.T, kind ordered.Kind, seed uint64) []*Set[int] {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sets := make([]*Set[int], 3)
	for i := range sets {
		sets[i] = NewSet[int](Config{Replica: ReplicaID(i + 1), Backend: kind, Tracking: Accumulate})
	}
	for step := 0; step < 150; step++ {
		r := rng.IntN(len(sets))
		other := (r + 1 + rng.IntN(len(sets)-1)) % len(sets)
		switch op := rng.IntN(20); {
		case op < 9:
			sets[r].Insert(rng.IntN(12))
		case op < 14:
			sets[r].Erase(rng.IntN(12))
		case op < 17:
			sets[other].Merge(sets[r].ExtractDelta())
		case op < 19:
			sets[other].Merge(cloneSet(t, sets[r]))
		default:
			sets[r].Clear()
		}
	}
	return sets
}

func TestMergeIsCommutative(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			for seed := uint64(1); seed <= 20; seed++ {
				sets := randomReplicas(t, kind, seed)
				for i := range sets {
					for j := range sets {
						if i == j {
							continue
						}
						ab := joined(t, sets[i], sets[j])
						ba := joined(t, sets[j], sets[i])
						assertSameSet(t, ab, ba, fmt.Sprintf("seed %d: %d,%d", seed, i, j))
					}
				}
			}
		})
	}
}

func TestMergeIsAssociative(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			for seed := uint64(1); seed <= 20; seed++ {
				sets := randomReplicas(t, kind, seed)
				a, b, c := sets[0], sets[1], sets[2]

				left := joined(t, joined(t, a, b), c)
				right := joined(t, a, joined(t, b, c))
				assertSameSet(t, left, right, fmt.Sprintf("seed %d", seed))
			}
		})
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			for seed := uint64(1); seed <= 20; seed++ {
				for _, s := range randomReplicas(t, kind, seed) {
					before := cloneSet(t, s)
					s.Merge(cloneSet(t, s))
					s.Merge(s)
					assertSameSet(t, before, s, fmt.Sprintf("seed %d", seed))
				}
			}
		})
	}
}

func TestMergeNeverLosesCausality(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		sets := randomReplicas(t, ordered.Tree, seed)
		a, b := sets[0], sets[1]
		merged := joined(t, a, b)

		for _, side := range []*Set[int]{a, b} {
			for replica, counter := range side.Kernel().Frontier() {
				assert.GreaterOrEqual(t, merged.Kernel().Frontier()[replica], counter, "seed %d replica %d", seed, replica)
			}
		}
	}
}

func TestDeltasConvergeUnderReorderingAndDuplication(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(7, 11))
			sets := make([]*Set[int], 3)
			for i := range sets {
				sets[i] = NewSet[int](Config{Replica: ReplicaID(i + 1), Backend: kind, Tracking: Accumulate})
			}

			type shipped struct {
				origin int
				delta  *Set[int]
			}
			var log []shipped
			for step := 0; step < 300; step++ {
				r := rng.IntN(len(sets))
				switch op := rng.IntN(10); {
				case op < 5:
					sets[r].Insert(rng.IntN(16))
				case op < 8:
					sets[r].Erase(rng.IntN(16))
				case op < 9 && len(log) > 0:
					d := log[rng.IntN(len(log))]
					if d.origin != r {
						sets[r].Merge(d.delta)
					}
				default:
					sets[r].Clear()
				}
				if rng.IntN(3) == 0 {
					log = append(log, shipped{origin: r, delta: sets[r].ExtractDelta()})
				}
			}
			for r := range sets {
				log = append(log, shipped{origin: r, delta: sets[r].ExtractDelta()})
			}

			for r, s := range sets {
				for round := 0; round < 2; round++ {
					for _, i := range rng.Perm(len(log)) {
						if log[i].origin != r {
							s.Merge(log[i].delta)
						}
					}
				}
			}
			for r := 1; r < len(sets); r++ {
				assertSameSet(t, sets[0], sets[r], fmt.Sprintf("replica %d", r+1))
			}
		})
	}
}

func TestRemoteDeltaRoundTrip(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			a := NewSet[int](Config{Replica: 1, Backend: kind, Tracking: Accumulate})
			b := NewSet[int](Config{Replica: 2, Backend: kind, Tracking: Accumulate})
			for i := 0; i < 5; i++ {
				a.Insert(i)
			}
			a.Erase(3)

			b.Merge(a.ExtractDelta())
			assert.Equal(t, []int{0, 1, 2, 4}, b.Values())

			// An empty delta changes nothing.
			b.Merge(a.ExtractDelta())
			assert.Equal(t, []int{0, 1, 2, 4}, b.Values())
			assert.Equal(t, a.Kernel().Frontier(), b.Kernel().Frontier())
		})
	}
}

func TestMergeReportsEffects(t *testing.T) {
	a := NewMap[string, Empty](Config{Replica: 1, Tracking: Accumulate}, newEmpty)
	b := NewMap[string, Empty](Config{Replica: 2}, newEmpty)

	a.Insert("x", Empty{})
	a.Insert("y", Empty{})
	var counts MergeCounts[string]
	b.MergeWith(a.ExtractDelta(), &counts)
	assert.Equal(t, 2, counts.Adds)
	assert.Zero(t, counts.Removes)
	assert.Positive(t, counts.Compactions)

	a.Erase("x")
	counts = MergeCounts[string]{}
	b.MergeWith(a.ExtractDelta(), &counts)
	assert.Equal(t, 1, counts.Removes)
	assert.Equal(t, []string{"y"}, b.Keys())
}

func TestStateMergeDoesNotResurrectRemovedKeys(t *testing.T) {
	a := NewSet[int](Config{Replica: 1})
	b := NewSet[int](Config{Replica: 2})

	a.Insert(1)
	b.Merge(cloneSet(t, a))
	b.Erase(1)

	// a still holds the dot that b removed.
	b.Merge(cloneSet(t, a))
	assert.False(t, b.Contains(1))

	a.Merge(cloneSet(t, b))
	assert.False(t, a.Contains(1))
}

func TestValuelessDotsAboveTheFrontierAreRemoved(t *testing.T) {
	a := NewSet[int](Config{Replica: 1, Tracking: Accumulate})
	b := NewSet[int](Config{Replica: 2})

	a.Insert(1)
	first := a.ExtractDelta()
	a.Insert(2)
	second := a.ExtractDelta()
	a.Erase(2)
	erase := a.ExtractDelta()

	// Deliver out of order: b sees counter 2 before counter 1.
	b.Merge(second)
	b.Merge(erase)
	assert.Empty(t, b.Values())
	b.Merge(first)
	assert.Equal(t, []int{1}, b.Values())
	assert.Equal(t, map[ReplicaID]Counter{1: 2}, b.Kernel().Frontier())
}
