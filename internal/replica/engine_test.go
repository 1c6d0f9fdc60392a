package replica

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/ordered"
	"github.com/example/delta-crdt-engine/internal/types"
	"github.com/example/delta-crdt-engine/internal/wire"
)

type fakeLog struct {
	mu      sync.Mutex
	records []types.DeltaRecord
	fail    error
}

func (f *fakeLog) AppendDelta(_ context.Context, rec types.DeltaRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	rec.LSN = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return rec.LSN, nil
}

type fakePublisher struct {
	envelopes []*wire.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, env *wire.Envelope) error {
	f.envelopes = append(f.envelopes, env)
	return nil
}

func newTestEngine(replica crdt.ReplicaID, opts ...Option) *Engine {
	cfg := crdt.Config{Replica: replica, Backend: ordered.Tree}
	return NewEngine(cfg, zerolog.New(io.Discard), opts...)
}

func TestEnginePutGetDelete(t *testing.T) {
	e := newTestEngine(1)
	require.NoError(t, e.Put("carts", "alice", "3 apples"))
	require.NoError(t, e.Put("carts", "bob", "1 pear"))
	require.NoError(t, e.Put("carts", "alice", "4 apples"))

	values, err := e.Get("carts", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"4 apples"}, values)
	assert.Equal(t, []string{"alice", "bob"}, e.Keys("carts"))

	assert.True(t, e.Delete("carts", "bob"))
	assert.False(t, e.Delete("carts", "bob"))
	_, err = e.Get("carts", "bob")
	assert.ErrorIs(t, err, crdt.ErrMissingKey)

	_, err = e.Get("missing", "bob")
	assert.ErrorIs(t, err, ErrUnknownCollection)
	assert.Error(t, e.Put("", "k", "v"))
	assert.Equal(t, []types.CollectionID{"carts"}, e.Collections())
	assert.Equal(t, 4, e.Mutations("carts"))
}

func TestFlushShipsDeltas(t *testing.T) {
	log := &fakeLog{}
	pub := &fakePublisher{}
	a := newTestEngine(1, WithDeltaLog(log), WithPublisher(pub))
	b := newTestEngine(2)

	require.NoError(t, a.Put("carts", "alice", "3 apples"))
	require.NoError(t, a.Put("orders", "o-1", "open"))
	require.NoError(t, a.Flush(context.Background()))

	require.Len(t, log.records, 2)
	require.Len(t, pub.envelopes, 2)
	assert.Equal(t, int64(1), a.LastLSN("carts"))
	assert.Equal(t, int64(2), a.LastLSN("orders"))
	assert.Equal(t, "carts", pub.envelopes[0].Collection)
	assert.Equal(t, uint64(1), pub.envelopes[0].Origin)

	// Nothing new to ship.
	require.NoError(t, a.Flush(context.Background()))
	assert.Len(t, log.records, 2)

	for _, rec := range log.records {
		require.NoError(t, b.ApplyDelta(rec))
		require.NoError(t, b.ApplyDelta(rec))
	}
	values, err := b.Get("carts", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"3 apples"}, values)
	assert.Equal(t, int64(2), b.LastLSN("orders"))
	assert.Equal(t, a.Frontier("carts"), b.Frontier("carts"))
}

func TestFlushRetriesFailedDeltas(t *testing.T) {
	log := &fakeLog{fail: errors.New("connection refused")}
	a := newTestEngine(1, WithDeltaLog(log))

	require.NoError(t, a.Put("carts", "alice", "1"))
	require.Error(t, a.Flush(context.Background()))

	require.NoError(t, a.Put("carts", "bob", "2"))
	log.fail = nil
	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, log.records, 1)

	b := newTestEngine(2)
	require.NoError(t, b.ApplyDelta(log.records[0]))
	assert.Equal(t, []string{"alice", "bob"}, b.Keys("carts"))
}

func TestConcurrentWritesAreKept(t *testing.T) {
	logA, logB := &fakeLog{}, &fakeLog{}
	a := newTestEngine(1, WithDeltaLog(logA))
	b := newTestEngine(2, WithDeltaLog(logB))

	require.NoError(t, a.Put("c", "k", "from-a"))
	require.NoError(t, b.Put("c", "k", "from-b"))
	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, b.Flush(context.Background()))

	require.NoError(t, a.ApplyDelta(logB.records[0]))
	require.NoError(t, b.ApplyDelta(logA.records[0]))

	va, err := a.Get("c", "k")
	require.NoError(t, err)
	vb, err := b.Get("c", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"from-a", "from-b"}, va)
	assert.Equal(t, va, vb)

	// A write that has seen both values resolves the conflict everywhere.
	require.NoError(t, a.Put("c", "k", "merged"))
	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, b.ApplyDelta(logA.records[1]))
	vb, err = b.Get("c", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"merged"}, vb)
}

func TestIngestPersistsAndRepublishes(t *testing.T) {
	peer := newTestEngine(9, WithPublisher(&fakePublisher{}))
	require.NoError(t, peer.Put("c", "k", "v"))
	peerPub := peer.publishers[0].(*fakePublisher)
	require.NoError(t, peer.Flush(context.Background()))
	require.Len(t, peerPub.envelopes, 1)

	log := &fakeLog{}
	pub := &fakePublisher{}
	hub := newTestEngine(1, WithDeltaLog(log), WithPublisher(pub))
	require.NoError(t, hub.Ingest(context.Background(), peerPub.envelopes[0]))

	values, err := hub.Get("c", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, values)
	require.Len(t, log.records, 1)
	assert.Equal(t, crdt.ReplicaID(9), log.records[0].Origin)
	assert.Len(t, pub.envelopes, 1)
	assert.Equal(t, int64(1), hub.LastLSN("c"))

	// The hub does not re-ship the peer's delta as its own.
	require.NoError(t, hub.Flush(context.Background()))
	assert.Len(t, log.records, 1)

	assert.Error(t, hub.Ingest(context.Background(), &wire.Envelope{Collection: "c", Payload: []byte("{")}))
}

func TestSnapshotRestore(t *testing.T) {
	a := newTestEngine(1)
	require.NoError(t, a.Put("c", "x", "1"))
	require.NoError(t, a.Put("c", "y", "2"))
	a.Delete("c", "x")

	snap, err := a.SnapshotState("c")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Mutations)
	a.MarkSnapshotted("c", snap.Mutations)
	assert.Zero(t, a.Mutations("c"))

	b := newTestEngine(2)
	require.NoError(t, b.Restore("c", snap.State, 42))
	entries, err := b.Entries("c")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"y": {"2"}}, entries)
	assert.Equal(t, int64(42), b.LastLSN("c"))
	assert.Equal(t, snap.Frontier, b.Frontier("c"))

	_, err = b.SnapshotState("nope")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}
