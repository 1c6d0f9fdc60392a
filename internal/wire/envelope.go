// Package wire defines the envelope that carries collection deltas between
// replicas. It is encoded as a protobuf message so peers in other languages
// can decode it from the field numbers below.
//
//	message DeltaEnvelope {
//	  string collection = 1;
//	  uint64 origin     = 2;
//	  uint64 sequence   = 3;
//	  bytes  payload    = 4;
//	  int64  sent_at    = 5; // unix nanoseconds
//	}
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldCollection protowire.Number = 1
	fieldOrigin     protowire.Number = 2
	fieldSequence   protowire.Number = 3
	fieldPayload    protowire.Number = 4
	fieldSentAt     protowire.Number = 5
)

// ErrEmptyCollection is returned when an envelope names no collection.
var ErrEmptyCollection = errors.New("wire: envelope without collection")

// Envelope is one delta of one collection as shipped by its origin replica.
type Envelope struct {
	Collection string
	Origin     uint64
	// Sequence increases with every delta the origin ships for the
	// collection. Receivers use it for diagnostics only.
	Sequence uint64
	Payload  []byte
	SentAt   time.Time
}

// Marshal encodes e.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Collection == "" {
		return nil, ErrEmptyCollection
	}
	b := make([]byte, 0, len(e.Collection)+len(e.Payload)+32)
	b = protowire.AppendTag(b, fieldCollection, protowire.BytesType)
	b = protowire.AppendString(b, e.Collection)
	if e.Origin != 0 {
		b = protowire.AppendTag(b, fieldOrigin, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Origin)
	}
	if e.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Sequence)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if !e.SentAt.IsZero() {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SentAt.UnixNano()))
	}
	return b, nil
}

// Unmarshal decodes data into e. Unknown fields are skipped.
func (e *Envelope) Unmarshal(data []byte) error {
	*e = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldCollection && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("wire: decode collection: %w", protowire.ParseError(m))
			}
			e.Collection, n = v, m
		case num == fieldOrigin && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("wire: decode origin: %w", protowire.ParseError(m))
			}
			e.Origin, n = v, m
		case num == fieldSequence && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("wire: decode sequence: %w", protowire.ParseError(m))
			}
			e.Sequence, n = v, m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("wire: decode payload: %w", protowire.ParseError(m))
			}
			e.Payload, n = append([]byte(nil), v...), m
		case num == fieldSentAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("wire: decode sent_at: %w", protowire.ParseError(m))
			}
			e.SentAt, n = time.Unix(0, int64(v)).UTC(), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("wire: skip field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if e.Collection == "" {
		return ErrEmptyCollection
	}
	return nil
}

// Latency returns the time since the envelope was sent, or zero when the
// sender did not stamp it.
func (e *Envelope) Latency(now time.Time) time.Duration {
	if e.SentAt.IsZero() {
		return 0
	}
	return now.Sub(e.SentAt)
}
