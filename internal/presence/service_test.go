package presence

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPeersAreReferenceCounted(t *testing.T) {
	s := NewService(nil, 1, zerolog.New(io.Discard))
	first := s.recordLocal(Peer{Collection: "carts", Replica: 7, ConnectedAt: time.Unix(10, 0)})
	second := s.recordLocal(Peer{Collection: "carts", Replica: 7, ConnectedAt: time.Unix(20, 0)})
	assert.Equal(t, first, second, "a second connection keeps the original entry")
	s.recordLocal(Peer{Collection: "orders", Replica: 8})
	assert.Len(t, s.localPeers(), 2)

	assert.False(t, s.releaseLocal("carts", 7))
	assert.True(t, s.releaseLocal("carts", 7))
	assert.False(t, s.releaseLocal("carts", 7), "unknown peers are ignored")
	assert.Equal(t, []Peer{{Collection: "orders", Replica: 8}}, s.localPeers())
}

func TestPeerKeys(t *testing.T) {
	s := NewService(nil, 1, zerolog.New(io.Discard))
	assert.Equal(t, "peers:carts:replica:42", s.peerKey("carts", 42))
}

func TestDecodePeer(t *testing.T) {
	peer, err := decodePeer(`{"collection":"carts","replica":7,"gateway":1,"connected_at":"2024-05-01T10:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), peer.Replica)
	assert.Equal(t, uint64(1), peer.Gateway)

	_, err = decodePeer(`{"collection":"carts"}`)
	require.Error(t, err)
	_, err = decodePeer(`{"collection":"carts","replica":7,"extra":true}`)
	require.Error(t, err)
	_, err = decodePeer(`not json`)
	require.Error(t, err)
}

func TestPersistWithoutClient(t *testing.T) {
	s := NewService(nil, 1, zerolog.New(io.Discard))
	require.Error(t, s.persist(context.Background(), Peer{Collection: "carts", Replica: 7}))
}

// Runs against a real server when PRESENCE_TEST_REDIS_ADDR is set.
func TestRosterAgainstRedis(t *testing.T) {
	addr := os.Getenv("PRESENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRESENCE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	s := NewService(client, 1, zerolog.New(io.Discard))
	s.keyPrefix = "peers-test-" + time.Now().Format("150405.000000") + ":"

	for _, replica := range []uint64{9, 3} {
		peer := s.recordLocal(Peer{Collection: "carts", Replica: replica, Gateway: 1, ConnectedAt: time.Now().UTC()})
		require.NoError(t, s.persist(ctx, peer))
	}

	peers, err := s.Roster(ctx, "carts")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, uint64(3), peers[0].Replica)
	assert.Equal(t, uint64(9), peers[1].Replica)

	s.Leave(ctx, "carts", 3)
	s.Leave(ctx, "carts", 9)
	peers, err = s.Roster(ctx, "carts")
	require.NoError(t, err)
	assert.Empty(t, peers)
}
