// Package presence keeps a roster of the peers attached to each collection
// across every replica process. Entries live in Redis with a TTL and are
// refreshed for as long as the peer stays connected.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/ws"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "peers:"
	scanBatchSize    = 100
)

// Peer is one replica connected to a collection through some gateway.
type Peer struct {
	Collection  string            `json:"collection"`
	Replica     uint64            `json:"replica"`
	Gateway     uint64            `json:"gateway"`
	ConnectedAt time.Time         `json:"connected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type localPeer struct {
	peer  Peer
	conns int
}

// Service tracks peer rosters in Redis.
type Service struct {
	client  *redis.Client
	gateway uint64
	logger  zerolog.Logger

	ttl       time.Duration
	keyPrefix string

	mu    sync.Mutex
	local map[string]map[uint64]*localPeer
}

// NewService constructs a roster for the gateway running on the given
// replica.
func NewService(client *redis.Client, gateway uint64, logger zerolog.Logger) *Service {
	return &Service{
		client:    client,
		gateway:   gateway,
		logger:    logger,
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
		local:     make(map[string]map[uint64]*localPeer),
	}
}

// Start keeps the entries of locally connected peers alive until ctx ends.
func (s *Service) Start(ctx context.Context) {
	go s.refreshLoop(ctx)
}

// Join records a connected peer. A replica holding several connections to
// the same collection is listed once.
func (s *Service) Join(ctx context.Context, conn *ws.Connection) error {
	peer := Peer{
		Collection:  conn.Collection(),
		Replica:     conn.Replica(),
		Gateway:     s.gateway,
		ConnectedAt: time.Now().UTC(),
		Metadata:    conn.Metadata(),
	}
	if peer.Collection == "" || peer.Replica == 0 {
		return errors.New("peer missing identifiers")
	}
	peer = s.recordLocal(peer)
	return s.persist(ctx, peer)
}

// Leave drops a peer connection; the roster entry goes away with the
// replica's last connection.
func (s *Service) Leave(ctx context.Context, collection string, replica uint64) {
	if !s.releaseLocal(collection, replica) {
		return
	}
	key := s.peerKey(collection, replica)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete peer key")
	}
}

// Roster loads every peer of a collection, ordered by replica.
func (s *Service) Roster(ctx context.Context, collection string) ([]Peer, error) {
	iter := s.client.Scan(ctx, 0, s.collectionPrefix(collection)+"*", scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan peer keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch peer values: %w", err)
	}

	peers := make([]Peer, 0, len(values))
	for _, raw := range values {
		// Keys can expire between SCAN and MGET.
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		peer, err := decodePeer(str)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode peer value")
			continue
		}
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b Peer) int {
		switch {
		case a.Replica < b.Replica:
			return -1
		case a.Replica > b.Replica:
			return 1
		}
		return 0
	})
	return peers, nil
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, peer := range s.localPeers() {
				if err := s.persist(ctx, peer); err != nil {
					s.logger.Warn().Err(err).Str("collection", peer.Collection).Uint64("peer", peer.Replica).Msg("failed to refresh peer")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) recordLocal(peer Peer) Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.local[peer.Collection]
	if !ok {
		peers = make(map[uint64]*localPeer)
		s.local[peer.Collection] = peers
	}
	if existing, ok := peers[peer.Replica]; ok {
		existing.conns++
		return existing.peer
	}
	peers[peer.Replica] = &localPeer{peer: peer, conns: 1}
	return peer
}

// releaseLocal reports whether the replica's last connection went away.
func (s *Service) releaseLocal(collection string, replica uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.local[collection]
	lp, ok := peers[replica]
	if !ok {
		return false
	}
	lp.conns--
	if lp.conns > 0 {
		return false
	}
	delete(peers, replica)
	if len(peers) == 0 {
		delete(s.local, collection)
	}
	return true
}

func (s *Service) localPeers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Peer
	for _, peers := range s.local {
		for _, lp := range peers {
			out = append(out, lp.peer)
		}
	}
	return out
}

func (s *Service) persist(ctx context.Context, peer Peer) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	if err := s.client.Set(ctx, s.peerKey(peer.Collection, peer.Replica), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache peer: %w", err)
	}
	return nil
}

func (s *Service) collectionPrefix(collection string) string {
	return s.keyPrefix + collection + ":replica:"
}

func (s *Service) peerKey(collection string, replica uint64) string {
	return s.collectionPrefix(collection) + strconv.FormatUint(replica, 10)
}

func decodePeer(raw string) (Peer, error) {
	var peer Peer
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&peer); err != nil {
		return Peer{}, err
	}
	if peer.Collection == "" || peer.Replica == 0 {
		return Peer{}, errors.New("peer record missing identifiers")
	}
	return peer, nil
}

// WrapHooks installs roster handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		if err := s.Join(ctx, conn); err != nil {
			// Roster entries are best effort.
			s.logger.Warn().Err(err).Str("collection", conn.Collection()).Uint64("peer", conn.Replica()).Msg("failed to record peer")
		}
		return nil
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Leave(context.Background(), conn.Collection(), conn.Replica())
	}

	return base
}
