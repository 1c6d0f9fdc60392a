package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/delta-crdt-engine/internal/crdt"
)

// CollectionID names a replicated collection.
type CollectionID string

// VectorClock records the highest counter observed from each replica.
type VectorClock map[crdt.ReplicaID]crdt.Counter

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for replica, value := range other {
		if current, ok := vc[replica]; !ok || value > current {
			vc[replica] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for replica, value := range other {
		if vc[replica] < value {
			return false
		}
	}
	return true
}

// Clone returns a copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for replica, value := range vc {
		out[replica] = value
	}
	return out
}

// DeltaRecord stores a durable representation of one shipped delta.
type DeltaRecord struct {
	LSN        int64          `json:"lsn,omitempty"`
	Collection CollectionID   `json:"collection"`
	Origin     crdt.ReplicaID `json:"origin"`
	Sequence   uint64         `json:"sequence"`
	// Payload is the JSON encoding of the delta map.
	Payload   json.RawMessage `json:"payload"`
	Frontier  VectorClock     `json:"frontier,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalBinary serializes a DeltaRecord to JSON for storage in a
// byte-oriented log.
func (r DeltaRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	type plain DeltaRecord
	return json.Marshal(plain(r))
}

// UnmarshalBinary deserializes a DeltaRecord from the JSON representation.
func (r *DeltaRecord) UnmarshalBinary(data []byte) error {
	type plain DeltaRecord
	var payload plain
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode delta record: %w", err)
	}
	if payload.Collection == "" {
		return fmt.Errorf("decode delta record: missing collection")
	}
	*r = DeltaRecord(payload)
	return nil
}
