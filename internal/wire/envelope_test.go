package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)
	in := Envelope{
		Collection: "inventory",
		Origin:     7,
		Sequence:   1200,
		Payload:    []byte(`{"tag":"delta"}`),
		SentAt:     sent,
	}
	data, err := in.Marshal()
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in, out)
	assert.Equal(t, 3*time.Second, out.Latency(sent.Add(3*time.Second)))
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	data, err := (&Envelope{Collection: "c", Origin: 1}).Marshal()
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer peer")

	var out Envelope
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, "c", out.Collection)
	assert.Equal(t, uint64(1), out.Origin)
	assert.Zero(t, out.Latency(time.Now()))
}

func TestEnvelopeRejectsInvalidInput(t *testing.T) {
	_, err := (&Envelope{}).Marshal()
	assert.ErrorIs(t, err, ErrEmptyCollection)

	var out Envelope
	assert.ErrorIs(t, out.Unmarshal(nil), ErrEmptyCollection)
	assert.Error(t, out.Unmarshal([]byte{0x0a, 0x05, 'a'}), "truncated string")
}
