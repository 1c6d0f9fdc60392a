package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/delta-crdt-engine/internal/ordered"
)

type counterSetJSON struct {
	Replica  ReplicaID `json:"replica"`
	Frontier Counter   `json:"frontier,omitempty"`
	Counters []Counter `json:"counters,omitempty"`
}

type entryJSON[K any] struct {
	Key   K               `json:"key"`
	Dots  []Dot           `json:"dots"`
	Value json.RawMessage `json:"value,omitempty"`
}

type kernelJSON[K any] struct {
	Tag      string           `json:"tag"`
	Values   []entryJSON[K]   `json:"values"`
	Replicas []counterSetJSON `json:"replicas"`
	Removed  []K              `json:"removed,omitempty"`
}

// MarshalJSON encodes the live entries and the per-replica counters. The
// reverse index is rebuilt on decode.
func (k *Kernel[K, V]) MarshalJSON() ([]byte, error) {
	out := kernelJSON[K]{
		Tag:      k.tag.String(),
		Values:   make([]entryJSON[K], 0, k.values.Len()),
		Replicas: make([]counterSetJSON, 0, k.replicas.Len()),
	}

	var err error
	k.values.Ascend(func(key K, e *entry[K, V]) bool {
		item := entryJSON[K]{Key: key, Dots: e.dots.Dots()}
		if m, ok := any(e.value).(json.Marshaler); ok {
			item.Value, err = m.MarshalJSON()
			if err != nil {
				err = fmt.Errorf("encode value of %v: %w", key, err)
				return false
			}
		}
		out.Values = append(out.Values, item)
		return true
	})
	if err != nil {
		return nil, err
	}

	k.replicas.Ascend(func(id ReplicaID, rep *replicaData[K]) bool {
		if rep.counters.Empty() {
			return true
		}
		item := counterSetJSON{Replica: id, Frontier: rep.counters.frontier}
		rep.counters.above.Ascend(func(c Counter, _ struct{}) bool {
			item.Counters = append(item.Counters, c)
			return true
		})
		out.Replicas = append(out.Replicas, item)
		return true
	})

	if k.removed != nil {
		k.removed.Ascend(func(key K, _ struct{}) bool {
			out.Removed = append(out.Removed, key)
			return true
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the content of k. The kernel must have been built
// with NewKernel so nested values can be constructed.
func (k *Kernel[K, V]) UnmarshalJSON(data []byte) error {
	if k.newValue == nil {
		return errors.New("crdt: decode into a kernel built with NewKernel")
	}
	var in kernelJSON[K]
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode kernel: %w", err)
	}

	switch in.Tag {
	case "", State.String():
		k.tag = State
	case Delta.String():
		k.tag = Delta
	default:
		return fmt.Errorf("decode kernel: unknown tag %q", in.Tag)
	}
	k.values = ordered.New[K, *entry[K, V]](k.kind)
	k.replicas = ordered.New[ReplicaID, *replicaData[K]](k.kind)
	k.removed = nil
	for _, key := range in.Removed {
		k.MarkRemoved(key)
	}

	for _, item := range in.Replicas {
		rep := k.replica(item.Replica)
		rep.counters.frontier = item.Frontier
		for _, c := range item.Counters {
			rep.counters.Insert(c)
		}
		rep.counters.Collapse(nil)
	}

	for _, item := range in.Values {
		if len(item.Dots) == 0 {
			return fmt.Errorf("decode kernel: key %v has no dots", item.Key)
		}
		e, _ := k.entry(item.Key)
		for _, d := range item.Dots {
			// Nested kernels carry no counters of their own.
			if len(in.Replicas) > 0 && !k.replica(d.Replica).counters.Covers(d.Counter) {
				return fmt.Errorf("decode kernel: dot %s of key %v not covered by replica counters", d, item.Key)
			}
			e.dots.Add(d)
			k.replica(d.Replica).dots.Put(d.Counter, item.Key)
		}
		if len(item.Value) == 0 {
			continue
		}
		if u, ok := any(e.value).(json.Unmarshaler); ok {
			if err := u.UnmarshalJSON(item.Value); err != nil {
				return fmt.Errorf("decode value of %v: %w", item.Key, err)
			}
		}
	}
	return nil
}

func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	return m.state.MarshalJSON()
}

// UnmarshalJSON replaces the content of a map built with NewMap. A decoded
// delta is meant to be merged into a live map, not mutated.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	if m.newValue == nil {
		return errors.New("crdt: decode into a map built with NewMap")
	}
	var k *Kernel[K, V]
	k = NewKernel[K, V](State, m.cfg.Backend, func() V {
		if k.tag == Delta {
			return m.newValue(m.cfg.forDelta())
		}
		return m.newValue(m.cfg)
	})
	if err := k.UnmarshalJSON(data); err != nil {
		return err
	}
	m.state = k
	return nil
}

func (s *Set[K]) MarshalJSON() ([]byte, error) { return s.m.MarshalJSON() }

func (s *Set[K]) UnmarshalJSON(data []byte) error {
	if s.m == nil {
		return errors.New("crdt: decode into a set built with NewSet")
	}
	return s.m.UnmarshalJSON(data)
}

func (r *ValueMV[T]) MarshalJSON() ([]byte, error) { return r.set.MarshalJSON() }

func (r *ValueMV[T]) UnmarshalJSON(data []byte) error {
	if r.set == nil {
		return errors.New("crdt: decode into a register built with NewValueMV")
	}
	return r.set.UnmarshalJSON(data)
}

func (r *ValueLWW[T]) MarshalJSON() ([]byte, error) { return r.writes.MarshalJSON() }

func (r *ValueLWW[T]) UnmarshalJSON(data []byte) error {
	if r.writes == nil {
		return errors.New("crdt: decode into a register built with NewValueLWW")
	}
	return r.writes.UnmarshalJSON(data)
}

type lwwWriteJSON[T any] struct {
	Seq       Counter `json:"seq"`
	Timestamp Counter `json:"timestamp"`
	Value     T       `json:"value"`
}

func (w *lwwWrite[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(lwwWriteJSON[T]{Seq: w.seq, Timestamp: w.timestamp, Value: w.value})
}

func (w *lwwWrite[T]) UnmarshalJSON(data []byte) error {
	var in lwwWriteJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode lww write: %w", err)
	}
	w.seq, w.timestamp, w.value = in.Seq, in.Timestamp, in.Value
	return nil
}

func (c *CounterG[T]) MarshalJSON() ([]byte, error) { return c.totals.MarshalJSON() }

func (c *CounterG[T]) UnmarshalJSON(data []byte) error {
	if c.totals == nil {
		return errors.New("crdt: decode into a counter built with NewCounterG")
	}
	return c.totals.UnmarshalJSON(data)
}

type gTotalJSON[T any] struct {
	Seq Counter `json:"seq"`
	N   T       `json:"n"`
}

func (t *gTotal[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(gTotalJSON[T]{Seq: t.seq, N: t.n})
}

func (t *gTotal[T]) UnmarshalJSON(data []byte) error {
	var in gTotalJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode counter total: %w", err)
	}
	t.seq, t.n = in.Seq, in.N
	return nil
}

type pnJSON struct {
	Inc json.RawMessage `json:"inc"`
	Dec json.RawMessage `json:"dec"`
}

func (c *CounterPN[T]) MarshalJSON() ([]byte, error) {
	inc, err := c.inc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	dec, err := c.dec.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(pnJSON{Inc: inc, Dec: dec})
}

func (c *CounterPN[T]) UnmarshalJSON(data []byte) error {
	var in pnJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode pn counter: %w", err)
	}
	if c.inc == nil || c.dec == nil {
		return errors.New("crdt: decode into a counter built with NewCounterPN")
	}
	if err := c.inc.UnmarshalJSON(in.Inc); err != nil {
		return err
	}
	return c.dec.UnmarshalJSON(in.Dec)
}
