// Package crdt implements a delta-state replicated map and set built on a
// dot kernel: every local update is tagged with a dot (replica, counter), and
// removals are inferred from dots a peer has observed but no longer attaches
// to any value, so no tombstones are stored.
package crdt

import (
	"cmp"
	"fmt"
)

// ReplicaID identifies a replica.
type ReplicaID uint64

// Counter is a per-replica event sequence number. The first event is 1.
type Counter uint64

// Dot identifies a single event: the Counter-th update made by Replica.
type Dot struct {
	Replica ReplicaID `json:"replica"`
	Counter Counter   `json:"counter"`
}

// Compare orders dots by replica, then counter.
func (d Dot) Compare(other Dot) int {
	if c := cmp.Compare(d.Replica, other.Replica); c != 0 {
		return c
	}
	return cmp.Compare(d.Counter, other.Counter)
}

// Less reports whether d sorts before other.
func (d Dot) Less(other Dot) bool {
	return d.Compare(other) < 0
}

func (d Dot) String() string {
	return fmt.Sprintf("%d:%d", d.Replica, d.Counter)
}
