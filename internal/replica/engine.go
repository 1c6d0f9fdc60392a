// Package replica hosts the named collections of one replica and moves their
// deltas between the local process, the delta log and peers.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/types"
	"github.com/example/delta-crdt-engine/internal/wire"
)

// Collection is the replicated content of one collection: string keys
// holding multi-value registers.
type Collection = crdt.Map[string, *crdt.ValueMV[string]]

// ErrUnknownCollection is returned for collections this replica never saw.
var ErrUnknownCollection = errors.New("replica: unknown collection")

// DeltaLog durably stores shipped deltas.
type DeltaLog interface {
	AppendDelta(ctx context.Context, rec types.DeltaRecord) (int64, error)
}

// Publisher fans a delta envelope out to peers.
type Publisher interface {
	Publish(ctx context.Context, env *wire.Envelope) error
}

// PublisherFunc is an adapter to allow the use of ordinary functions as
// publishers.
type PublisherFunc func(ctx context.Context, env *wire.Envelope) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, env *wire.Envelope) error {
	return f(ctx, env)
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeltaLog persists every flushed or ingested delta before it is
// published.
func WithDeltaLog(log DeltaLog) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithPublisher adds a publisher for shipped deltas.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publishers = append(e.publishers, p)
	}
}

type collection struct {
	mu   sync.Mutex
	data *Collection
	// unsent holds deltas whose shipment failed; the next flush retries them.
	unsent    *Collection
	lastLSN   int64
	sequence  uint64
	mutations int
}

// Snapshot is the full state of a collection at an applied log position.
type Snapshot struct {
	Collection types.CollectionID `json:"collection"`
	LastLSN    int64              `json:"last_lsn"`
	Frontier   types.VectorClock  `json:"frontier"`
	State      json.RawMessage    `json:"state"`
	// Mutations is the number of changes applied since the previous
	// snapshot was marked.
	Mutations int `json:"-"`
}

// Engine orchestrates the collections of one replica and tracks applied log
// positions.
type Engine struct {
	mu          sync.RWMutex
	cfg         crdt.Config
	collections map[types.CollectionID]*collection
	log         DeltaLog
	publishers  []Publisher
	logger      zerolog.Logger
}

// NewEngine constructs an Engine for the replica described by cfg. Local
// updates are always accumulated so Flush can ship them.
func NewEngine(cfg crdt.Config, logger zerolog.Logger, opts ...Option) *Engine {
	cfg.Tracking = crdt.Accumulate
	e := &Engine{
		cfg:         cfg,
		collections: make(map[types.CollectionID]*collection),
		logger:      logger.With().Uint64("replica", uint64(cfg.Replica)).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Replica returns the identifier of the local replica.
func (e *Engine) Replica() crdt.ReplicaID { return e.cfg.Replica }

func (e *Engine) newCollection() *Collection {
	return crdt.NewMap[string, *crdt.ValueMV[string]](e.cfg, crdt.NewValueMV[string])
}

func (e *Engine) collection(id types.CollectionID) *collection {
	if c, ok := e.lookup(id); ok {
		return c
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.collections[id]
	if !ok {
		c = &collection{data: e.newCollection()}
		e.collections[id] = c
		collectionCount.Set(float64(len(e.collections)))
	}
	return c
}

func (e *Engine) lookup(id types.CollectionID) (*collection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[id]
	return c, ok
}

// Put writes value under key, replacing every value this replica has seen
// there.
func (e *Engine) Put(id types.CollectionID, key, value string) error {
	if id == "" || key == "" {
		return errors.New("collection and key are required")
	}
	c := e.collection(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.Update(key, func(r *crdt.ValueMV[string]) { r.Set(value) })
	c.mutations++
	return nil
}

// Delete removes key and reports whether it was present.
func (e *Engine) Delete(id types.CollectionID, key string) bool {
	c, ok := e.lookup(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.data.Erase(key) {
		return false
	}
	c.mutations++
	return true
}

// Get returns the values stored under key. More than one value means
// concurrent writes that no later write has resolved yet.
func (e *Engine) Get(id types.CollectionID, key string) ([]string, error) {
	c, ok := e.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.data.At(key)
	if err != nil {
		return nil, err
	}
	return r.Values(), nil
}

// Keys returns the live keys of a collection in order.
func (e *Engine) Keys(id types.CollectionID) []string {
	c, ok := e.lookup(id)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Keys()
}

// Entries returns every key of a collection with its values.
func (e *Engine) Entries(id types.CollectionID) (map[string][]string, error) {
	c, ok := e.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]string, c.data.Len())
	for key, r := range c.data.All() {
		out[key] = r.Values()
	}
	return out, nil
}

// Flush ships the pending delta of every collection: it is appended to the
// delta log and then published. A delta that cannot be persisted is kept
// and retried by the next Flush.
func (e *Engine) Flush(ctx context.Context) error {
	var errs []error
	for _, id := range e.Collections() {
		c, _ := e.lookup(id)
		if err := e.flushCollection(ctx, id, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) flushCollection(ctx context.Context, id types.CollectionID, c *collection) error {
	c.mu.Lock()
	delta := c.data.ExtractDelta()
	if c.unsent != nil {
		c.unsent.Merge(delta)
		delta, c.unsent = c.unsent, nil
	}
	if delta.Empty() {
		c.mu.Unlock()
		return nil
	}
	c.sequence++
	seq := c.sequence
	frontier := types.VectorClock(c.data.Frontier())
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "replica.flush", trace.WithAttributes(
		attribute.String("collection", string(id)),
		attribute.Int64("sequence", int64(seq)),
	))
	defer span.End()

	payload, err := json.Marshal(delta)
	if err != nil {
		e.stash(c, delta)
		return fmt.Errorf("encode delta for %s: %w", id, err)
	}

	now := time.Now().UTC()
	rec := types.DeltaRecord{
		Collection: id,
		Origin:     e.cfg.Replica,
		Sequence:   seq,
		Payload:    payload,
		Frontier:   frontier,
		CreatedAt:  now,
	}
	if e.log != nil {
		lsn, err := e.log.AppendDelta(ctx, rec)
		if err != nil {
			e.stash(c, delta)
			flushedDeltas.WithLabelValues(string(id), "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "append delta")
			return fmt.Errorf("append delta for %s: %w", id, err)
		}
		e.advance(c, lsn)
	}

	e.publish(ctx, &wire.Envelope{
		Collection: string(id),
		Origin:     uint64(e.cfg.Replica),
		Sequence:   seq,
		Payload:    payload,
		SentAt:     now,
	})
	flushedDeltas.WithLabelValues(string(id), "shipped").Inc()
	return nil
}

func (e *Engine) stash(c *collection, delta *Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsent == nil {
		c.unsent = delta
		return
	}
	c.unsent.Merge(delta)
}

func (e *Engine) advance(c *collection, lsn int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn > c.lastLSN {
		c.lastLSN = lsn
	}
}

func (e *Engine) publish(ctx context.Context, env *wire.Envelope) {
	for _, p := range e.publishers {
		if err := p.Publish(ctx, env); err != nil {
			e.logger.Warn().Err(err).Str("collection", env.Collection).Uint64("sequence", env.Sequence).Msg("delta publish failed")
		}
	}
}

// ApplyDelta merges a delta produced elsewhere: replayed from the delta log
// or received from a peer. Applying the same delta twice has no effect.
func (e *Engine) ApplyDelta(rec types.DeltaRecord) error {
	source := "remote"
	if rec.LSN > 0 {
		source = "log"
	}
	return e.merge(rec, source)
}

func (e *Engine) merge(rec types.DeltaRecord, source string) error {
	if rec.Collection == "" {
		return errors.New("delta record without collection")
	}
	delta := e.newCollection()
	if err := json.Unmarshal(rec.Payload, delta); err != nil {
		e.logger.Error().Err(err).Str("collection", string(rec.Collection)).Msg("failed to decode delta payload")
		return fmt.Errorf("decode delta: %w", err)
	}

	c := e.collection(rec.Collection)
	start := time.Now()
	var counts crdt.MergeCounts[string]

	c.mu.Lock()
	c.data.MergeWith(delta, &counts)
	if rec.LSN > c.lastLSN {
		c.lastLSN = rec.LSN
	}
	c.mutations++
	c.mu.Unlock()

	mergeLatency.WithLabelValues(string(rec.Collection), source).Observe(time.Since(start).Seconds())
	mergeEffects.WithLabelValues("added").Add(float64(counts.Adds))
	mergeEffects.WithLabelValues("removed").Add(float64(counts.Removes))
	mergeEffects.WithLabelValues("compacted").Add(float64(counts.Compactions))

	e.logger.Debug().
		Str("collection", string(rec.Collection)).
		Str("source", source).
		Uint64("origin", uint64(rec.Origin)).
		Int("added", counts.Adds).
		Int("removed", counts.Removes).
		Msg("delta merged")
	return nil
}

// Ingest merges a delta pushed by a directly connected peer, persists it and
// publishes it to everyone else.
func (e *Engine) Ingest(ctx context.Context, env *wire.Envelope) error {
	ctx, span := tracer.Start(ctx, "replica.ingest", trace.WithAttributes(
		attribute.String("collection", env.Collection),
		attribute.Int64("origin", int64(env.Origin)),
	))
	defer span.End()

	rec := types.DeltaRecord{
		Collection: types.CollectionID(env.Collection),
		Origin:     crdt.ReplicaID(env.Origin),
		Sequence:   env.Sequence,
		Payload:    env.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.merge(rec, "peer"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge")
		return err
	}
	if e.log != nil {
		lsn, err := e.log.AppendDelta(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append delta")
			return fmt.Errorf("append peer delta: %w", err)
		}
		e.advance(e.collection(rec.Collection), lsn)
	}
	e.publish(ctx, env)
	return nil
}

// Restore merges a full collection state, typically loaded from a snapshot,
// and records the log position it reflects.
func (e *Engine) Restore(id types.CollectionID, state []byte, lsn int64) error {
	restored := e.newCollection()
	if err := json.Unmarshal(state, restored); err != nil {
		return fmt.Errorf("decode state of %s: %w", id, err)
	}
	c := e.collection(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.Merge(restored)
	if lsn > c.lastLSN {
		c.lastLSN = lsn
	}
	return nil
}

// SnapshotState encodes the full state of a collection.
func (e *Engine) SnapshotState(id types.CollectionID) (Snapshot, error) {
	c, ok := e.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := json.Marshal(c.data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state of %s: %w", id, err)
	}
	return Snapshot{
		Collection: id,
		LastLSN:    c.lastLSN,
		Frontier:   types.VectorClock(c.data.Frontier()),
		State:      state,
		Mutations:  c.mutations,
	}, nil
}

// MarkSnapshotted forgets the mutations counted into a stored snapshot.
func (e *Engine) MarkSnapshotted(id types.CollectionID, mutations int) {
	c, ok := e.lookup(id)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = max(c.mutations-mutations, 0)
}

// Mutations returns the number of changes applied since the last snapshot.
func (e *Engine) Mutations(id types.CollectionID) int {
	c, ok := e.lookup(id)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutations
}

// Frontier returns the causal frontier of a collection.
func (e *Engine) Frontier(id types.CollectionID) types.VectorClock {
	c, ok := e.lookup(id)
	if !ok {
		return make(types.VectorClock)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.VectorClock(c.data.Frontier())
}

// LastLSN returns the highest applied log position for the collection.
func (e *Engine) LastLSN(id types.CollectionID) int64 {
	c, ok := e.lookup(id)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLSN
}

// Collections returns the collections currently loaded in memory, sorted.
func (e *Engine) Collections() []types.CollectionID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]types.CollectionID, 0, len(e.collections))
	for id := range e.collections {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
