package crdt

import "cmp"

// Tracking selects what a collection does with the deltas of local updates.
type Tracking int

const (
	// Discard drops deltas. Use it for collections that are never shipped.
	Discard Tracking = iota
	// Accumulate coalesces deltas until ExtractDelta drains them.
	Accumulate
)

func (t Tracking) String() string {
	if t == Accumulate {
		return "accumulate"
	}
	return "discard"
}

type deltaHook[K cmp.Ordered, V Value[V]] interface {
	commit(delta *Kernel[K, V])
	extract() *Kernel[K, V]
}

type discardHook[K cmp.Ordered, V Value[V]] struct {
	fresh func() *Kernel[K, V]
}

func (discardHook[K, V]) commit(*Kernel[K, V]) {}

func (h discardHook[K, V]) extract() *Kernel[K, V] {
	return h.fresh()
}

type accumulateHook[K cmp.Ordered, V Value[V]] struct {
	pending *Kernel[K, V]
	fresh   func() *Kernel[K, V]
}

func (h *accumulateHook[K, V]) commit(delta *Kernel[K, V]) {
	h.pending.Merge(delta, nil)
}

// extract hands over the pending delta. Nested changes are already in it:
// Update folds them in when it re-asserts the key.
func (h *accumulateHook[K, V]) extract() *Kernel[K, V] {
	out := h.pending
	h.pending = h.fresh()
	return out
}
