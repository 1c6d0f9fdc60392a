package crdt

import "fmt"

// Signed are the number types a CounterPN can hold.
type Signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Number are the number types a CounterG can hold.
type Number interface {
	Signed | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// CounterG is a grow-only counter: one accumulator per replica. Each
// replica's latest total replaces its earlier ones, so merging keeps the
// maximum of each.
type CounterG[T Number] struct {
	totals *Map[ReplicaID, *gTotal[T]]
}

// NewCounterG returns a zero counter.
func NewCounterG[T Number](cfg Config) *CounterG[T] {
	return &CounterG[T]{totals: NewMap[ReplicaID, *gTotal[T]](cfg, newGTotal[T])}
}

// Add increments this replica's accumulator. n must not be negative.
func (c *CounterG[T]) Add(n T) {
	if n < 0 {
		panic(fmt.Sprintf("crdt: grow-only counter cannot add %v", n))
	}
	self := c.totals.cfg.Replica
	var cur T
	if t, ok := c.totals.Find(self); ok {
		cur = t.n
	}
	c.totals.put(self, func(d Dot) *gTotal[T] {
		return &gTotal[T]{seq: d.Counter, n: cur + n}
	})
}

// Value returns the sum over replicas.
func (c *CounterG[T]) Value() T {
	var sum T
	for _, t := range c.totals.All() {
		sum += t.n
	}
	return sum
}

// Totals returns each replica's accumulator.
func (c *CounterG[T]) Totals() map[ReplicaID]T {
	out := make(map[ReplicaID]T, c.totals.Len())
	for id, t := range c.totals.All() {
		out[id] = t.n
	}
	return out
}

func (c *CounterG[T]) Merge(other *CounterG[T]) {
	if other == nil || other == c {
		return
	}
	c.totals.Merge(other.totals)
}

// ExtractDelta returns this replica's accumulator if it changed.
func (c *CounterG[T]) ExtractDelta() *CounterG[T] {
	return &CounterG[T]{totals: c.totals.ExtractDelta()}
}

func (c *CounterG[T]) join(other *CounterG[T], j joint) {
	if other != nil && other != c {
		c.totals.join(other.totals, j)
	}
}

func (c *CounterG[T]) prune(j joint) { c.totals.prune(j) }

func (c *CounterG[T]) eachDot(fn func(Dot)) { c.totals.eachDot(fn) }

func (c *CounterG[T]) history(fn func(ReplicaID, *CounterSet) bool) { c.totals.history(fn) }

// gTotal is one replica's accumulator, stamped with the counter of the dot
// that wrote it.
type gTotal[T Number] struct {
	seq Counter
	n   T
}

func newGTotal[T Number](Config) *gTotal[T] { return &gTotal[T]{} }

func (t *gTotal[T]) Merge(other *gTotal[T]) {
	if other != nil && other.seq > t.seq {
		*t = *other
	}
}

func (t *gTotal[T]) ExtractDelta() *gTotal[T] { return &gTotal[T]{} }

func (t *gTotal[T]) join(other *gTotal[T], _ joint) { t.Merge(other) }

func (*gTotal[T]) prune(joint)                               {}
func (*gTotal[T]) eachDot(func(Dot))                         {}
func (*gTotal[T]) history(func(ReplicaID, *CounterSet) bool) {}

// CounterPN is a counter supporting increments and decrements.
type CounterPN[T Signed] struct {
	inc *CounterG[T]
	dec *CounterG[T]
}

// NewCounterPN returns a zero counter.
func NewCounterPN[T Signed](cfg Config) *CounterPN[T] {
	return &CounterPN[T]{inc: NewCounterG[T](cfg), dec: NewCounterG[T](cfg)}
}

// Add adds n, which may be negative.
func (c *CounterPN[T]) Add(n T) {
	if n < 0 {
		c.dec.Add(-n)
		return
	}
	c.inc.Add(n)
}

// Sub subtracts n.
func (c *CounterPN[T]) Sub(n T) { c.Add(-n) }

// Value returns increments minus decrements.
func (c *CounterPN[T]) Value() T {
	return c.inc.Value() - c.dec.Value()
}

func (c *CounterPN[T]) Merge(other *CounterPN[T]) {
	if other == nil || other == c {
		return
	}
	c.inc.Merge(other.inc)
	c.dec.Merge(other.dec)
}

func (c *CounterPN[T]) ExtractDelta() *CounterPN[T] {
	return &CounterPN[T]{inc: c.inc.ExtractDelta(), dec: c.dec.ExtractDelta()}
}

func (c *CounterPN[T]) join(other *CounterPN[T], j joint) {
	if other == nil || other == c {
		return
	}
	c.inc.join(other.inc, j)
	c.dec.join(other.dec, j)
}

func (c *CounterPN[T]) prune(j joint) {
	c.inc.prune(j)
	c.dec.prune(j)
}

func (c *CounterPN[T]) eachDot(fn func(Dot)) {
	c.inc.eachDot(fn)
	c.dec.eachDot(fn)
}

func (c *CounterPN[T]) history(fn func(ReplicaID, *CounterSet) bool) {
	c.inc.history(fn)
	c.dec.history(fn)
}
