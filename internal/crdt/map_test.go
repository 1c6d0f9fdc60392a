package crdt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

type registers = Map[int, *ValueMV[string]]

func newRegisters(replica ReplicaID, kind ordered.Kind) *registers {
	return NewMap[int, *ValueMV[string]](Config{Replica: replica, Backend: kind, Tracking: Accumulate}, NewValueMV[string])
}

func setRegister(m *registers, key int, v string) {
	m.Update(key, func(r *ValueMV[string]) { r.Set(v) })
}

func contents(m *registers) map[int][]string {
	out := make(map[int][]string)
	for k, v := range m.All() {
		out[k] = v.Values()
	}
	return out
}

func TestObservedRemoveKeepsConcurrentUpdate(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			a := newRegisters(1, kind)
			b := newRegisters(2, kind)

			setRegister(a, 1, "x")
			b.Merge(a.ExtractDelta())
			v, err := b.At(1)
			require.NoError(t, err)
			assert.Equal(t, "x", v.One())

			require.True(t, a.Erase(1))
			erase := a.ExtractDelta()

			// b writes before it hears about the erase.
			setRegister(b, 1, "y")
			b.Merge(erase)
			assert.Equal(t, map[int][]string{1: {"y"}}, contents(b))

			a.Merge(b.ExtractDelta())
			assert.Equal(t, contents(b), contents(a))
		})
	}
}

func TestEraseVersusReinsertWithFullStates(t *testing.T) {
	r1 := NewSet[int](Config{Replica: 1, Tracking: Accumulate})
	r2 := NewSet[int](Config{Replica: 2, Tracking: Accumulate})

	r1.Insert(1)
	r2.Merge(r1.ExtractDelta())
	before := cloneSet(t, r2)

	r1.Erase(1)
	r2.Insert(1)
	reinsert := r2.ExtractDelta()

	r1.Merge(before)
	assert.False(t, r1.Contains(1), "a state that only saw the erased dot stays erased")
	r1.Merge(reinsert)
	assert.True(t, r1.Contains(1))

	r2.Merge(r1)
	assert.True(t, r2.Contains(1))
}

func TestInsertReportsNewKeys(t *testing.T) {
	s := NewSet[int](Config{Replica: 1})
	assert.True(t, s.Insert(1))
	assert.False(t, s.Insert(1))
	assert.Equal(t, 1, s.Len())

	dots := s.Kernel().Dots(1)
	assert.Equal(t, []Dot{{Replica: 1, Counter: 2}}, dots, "re-insert supersedes the old dot")

	assert.True(t, s.Erase(1))
	assert.False(t, s.Erase(1))
	assert.False(t, s.Contains(1))
	assert.Equal(t, map[ReplicaID]Counter{1: 2}, s.Kernel().Frontier(), "erase mints no dot")
}

func TestAtReturnsMissingKey(t *testing.T) {
	m := newRegisters(1, ordered.Tree)
	_, err := m.At(42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))

	_, ok := m.Find(42)
	assert.False(t, ok)
}

func TestClearRemovesOnlyObservedKeys(t *testing.T) {
	a := NewSet[int](Config{Replica: 1, Tracking: Accumulate})
	b := NewSet[int](Config{Replica: 2, Tracking: Accumulate})

	a.Insert(1)
	a.Insert(2)
	b.Merge(a.ExtractDelta())
	b.Insert(3)

	a.Clear()
	assert.Zero(t, a.Len())
	b.Merge(a.ExtractDelta())
	assert.Equal(t, []int{3}, b.Values())

	a.Merge(b.ExtractDelta())
	assert.Equal(t, []int{3}, a.Values())
}

func TestExtractDeltaDrains(t *testing.T) {
	m := newRegisters(1, ordered.Flat)
	setRegister(m, 1, "a")
	setRegister(m, 2, "b")

	first := m.ExtractDelta()
	assert.False(t, first.Empty())
	assert.Equal(t, 2, first.Len())

	assert.True(t, m.ExtractDelta().Empty())
}

func TestDiscardTrackingShipsNothing(t *testing.T) {
	m := NewMap[int, *ValueMV[string]](Config{Replica: 1}, NewValueMV[string])
	setRegister(m, 1, "a")
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.ExtractDelta().Empty())
}

func TestExtractDeltaCarriesNestedChanges(t *testing.T) {
	a := newRegisters(1, ordered.Sorted)
	b := newRegisters(2, ordered.Sorted)

	setRegister(a, 7, "first")
	b.Merge(a.ExtractDelta())

	setRegister(a, 7, "second")
	delta := a.ExtractDelta()
	r, ok := delta.Find(7)
	require.True(t, ok)
	assert.Equal(t, []string{"second"}, r.Values())

	b.Merge(delta)
	assert.Equal(t, map[int][]string{7: {"second"}}, contents(b))
}

func TestNestedMapsReplicate(t *testing.T) {
	type doc = Map[string, *ValueLWW[string]]
	newDoc := func(cfg Config) *doc {
		return NewMap[string, *ValueLWW[string]](cfg, NewValueLWW[string])
	}
	newDocs := func(replica ReplicaID) *Map[string, *doc] {
		return NewMap[string, *doc](Config{Replica: replica, Tracking: Accumulate}, newDoc)
	}
	setField := func(m *Map[string, *doc], id, field, value string) {
		m.Update(id, func(d *doc) {
			d.Update(field, func(r *ValueLWW[string]) { r.Set(value) })
		})
	}
	field := func(m *Map[string, *doc], id, name string) string {
		d, err := m.At(id)
		require.NoError(t, err)
		r, err := d.At(name)
		require.NoError(t, err)
		v, ok := r.Get()
		require.True(t, ok)
		return v
	}

	a, b := newDocs(1), newDocs(2)
	setField(a, "readme", "title", "hello")
	b.Merge(a.ExtractDelta())
	assert.Equal(t, "hello", field(b, "readme", "title"))

	setField(a, "readme", "title", "world")
	setField(a, "readme", "author", "ann")
	b.Merge(a.ExtractDelta())
	assert.Equal(t, "world", field(b, "readme", "title"))
	assert.Equal(t, "ann", field(b, "readme", "author"))

	b.Update("readme", func(d *doc) { d.Erase("author") })
	a.Merge(b.ExtractDelta())
	d, err := a.At("readme")
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, d.Keys())
}

func TestReinsertAfterEraseConvergesUnderReordering(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			a := newRegisters(1, kind)
			b := newRegisters(2, kind)

			setRegister(a, 1, "x")
			b.Merge(a.ExtractDelta())
			require.True(t, a.Erase(1))
			erase := a.ExtractDelta()

			setRegister(a, 1, "y")
			b.Merge(a.ExtractDelta())
			b.Merge(erase)
			assert.Equal(t, map[int][]string{1: {"y"}}, contents(b))

			b.Merge(a)
			a.Merge(b)
			assert.Equal(t, map[int][]string{1: {"y"}}, contents(a))
			assert.Equal(t, contents(a), contents(b))
			assert.Equal(t, a.Frontier(), b.Frontier())
		})
	}
}

func TestFullStateDropsErasedNestedContent(t *testing.T) {
	a := newRegisters(1, ordered.Tree)
	b := newRegisters(2, ordered.Tree)

	setRegister(a, 1, "x")
	b.Merge(a.ExtractDelta())
	a.Erase(1)
	setRegister(a, 1, "y")

	// b never sees the deltas, only a's full state.
	b.Merge(a)
	assert.Equal(t, map[int][]string{1: {"y"}}, contents(b))
}

func TestReinsertedCounterKeepsItsHistory(t *testing.T) {
	newCounters := func(replica ReplicaID) *Map[string, *CounterG[int]] {
		return NewMap[string, *CounterG[int]](Config{Replica: replica, Tracking: Accumulate}, NewCounterG[int])
	}
	a, b := newCounters(1), newCounters(2)

	a.Update("hits", func(c *CounterG[int]) { c.Add(5) })
	b.Merge(a.ExtractDelta())
	a.Erase("hits")
	erase := a.ExtractDelta()
	a.Update("hits", func(c *CounterG[int]) { c.Add(2) })
	reinsert := a.ExtractDelta()

	b.Merge(reinsert)
	b.Merge(erase)
	a.Merge(b)
	b.Merge(a)
	for _, m := range []*Map[string, *CounterG[int]]{a, b} {
		c, err := m.At("hits")
		require.NoError(t, err)
		assert.Equal(t, 2, c.Value())
	}
}

func TestReinsertedLWWKeepsItsHistory(t *testing.T) {
	newFields := func(replica ReplicaID) *Map[string, *ValueLWW[string]] {
		return NewMap[string, *ValueLWW[string]](Config{Replica: replica, Tracking: Accumulate}, NewValueLWW[string])
	}
	a, b := newFields(1), newFields(2)

	a.Update("title", func(r *ValueLWW[string]) { r.SetAt(9, "old") })
	b.Merge(a.ExtractDelta())
	a.Erase("title")
	erase := a.ExtractDelta()
	a.Update("title", func(r *ValueLWW[string]) { r.Set("new") })

	b.Merge(a.ExtractDelta())
	b.Merge(erase)
	b.Merge(a)
	a.Merge(b)
	for _, m := range []*Map[string, *ValueLWW[string]]{a, b} {
		r, err := m.At("title")
		require.NoError(t, err)
		v, ok := r.Get()
		require.True(t, ok)
		assert.Equal(t, "new", v)
	}
}

func TestNestedDeltasConvergeUnderReorderingAndDuplication(t *testing.T) {
	for _, kind := range backends {
		t.Run(kind.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(13, 17))
			maps := make([]*registers, 3)
			for i := range maps {
				maps[i] = newRegisters(ReplicaID(i+1), kind)
			}

			type shipped struct {
				origin int
				delta  *registers
			}
			var log []shipped
			for step := 0; step < 400; step++ {
				r := rng.IntN(len(maps))
				switch op := rng.IntN(12); {
				case op < 6:
					setRegister(maps[r], rng.IntN(8), fmt.Sprintf("v%d", step))
				case op < 9:
					maps[r].Erase(rng.IntN(8))
				case op < 11 && len(log) > 0:
					d := log[rng.IntN(len(log))]
					if d.origin != r {
						maps[r].Merge(d.delta)
					}
				default:
					maps[r].Clear()
				}
				if rng.IntN(3) == 0 {
					log = append(log, shipped{origin: r, delta: maps[r].ExtractDelta()})
				}
			}
			for r := range maps {
				log = append(log, shipped{origin: r, delta: maps[r].ExtractDelta()})
			}

			for r, m := range maps {
				for round := 0; round < 2; round++ {
					for _, i := range rng.Perm(len(log)) {
						if log[i].origin != r {
							m.Merge(log[i].delta)
						}
					}
				}
			}
			for r := 1; r < len(maps); r++ {
				msg := fmt.Sprintf("replica %d", r+1)
				assert.Equal(t, contents(maps[0]), contents(maps[r]), msg)
				assert.Equal(t, maps[0].Frontier(), maps[r].Frontier(), msg)
			}

			want := contents(maps[0])
			for _, r := range rng.Perm(len(maps)) {
				for _, other := range maps {
					other.Merge(maps[r])
				}
			}
			for r, m := range maps {
				assert.Equal(t, want, contents(m), fmt.Sprintf("replica %d after state exchange", r+1))
			}
		})
	}
}
