package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/replica"
	"github.com/example/delta-crdt-engine/internal/storage"
	"github.com/example/delta-crdt-engine/internal/types"
)

const (
	defaultInterval          = 15 * time.Second
	defaultLogThreshold      = int64(500)
	defaultMutationThreshold = 256
)

// Payload is the full collection state persisted inside an object storage
// snapshot.
type Payload struct {
	Collection types.CollectionID `json:"collection"`
	LastLSN    int64              `json:"last_lsn"`
	Frontier   types.VectorClock  `json:"frontier"`
	State      json.RawMessage    `json:"state"`
}

// Log is the part of the delta log the worker needs.
type Log interface {
	LatestSnapshot(ctx context.Context, id types.CollectionID) (storage.SnapshotRef, error)
	CountAfterLSN(ctx context.Context, id types.CollectionID, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// Source provides collection states.
type Source interface {
	Collections() []types.CollectionID
	SnapshotState(id types.CollectionID) (replica.Snapshot, error)
	MarkSnapshotted(id types.CollectionID, mutations int)
}

// ObjectStore uploads snapshot objects. *minio.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets how often collections are inspected.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThresholds sets the logged-delta and mutation counts that trigger a
// snapshot. Either one suffices.
func WithThresholds(logged int64, mutations int) Option {
	return func(w *Worker) {
		if logged > 0 {
			w.logThreshold = logged
		}
		if mutations > 0 {
			w.mutationThreshold = mutations
		}
	}
}

// Worker periodically inspects per-collection change volume and writes full
// collection snapshots to object storage when thresholds are exceeded.
type Worker struct {
	log    Log
	source Source
	object ObjectStore
	bucket string

	interval          time.Duration
	logThreshold      int64
	mutationThreshold int

	now    func() time.Time
	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(log Log, source Source, object ObjectStore, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		log:               log,
		source:            source,
		object:            object,
		bucket:            bucket,
		interval:          defaultInterval,
		logThreshold:      defaultLogThreshold,
		mutationThreshold: defaultMutationThreshold,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce inspects every loaded collection once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, id := range w.source.Collections() {
		if err := w.processCollection(ctx, id); err != nil {
			w.logger.Error().Err(err).Str("collection", string(id)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processCollection(ctx context.Context, id types.CollectionID) error {
	if w.object == nil {
		return errors.New("object storage client not configured")
	}

	latest, err := w.log.LatestSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	logged, err := w.log.CountAfterLSN(ctx, id, latest.LastLSN)
	if err != nil {
		return fmt.Errorf("count deltas: %w", err)
	}

	state, err := w.source.SnapshotState(id)
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	if logged < w.logThreshold && state.Mutations < w.mutationThreshold {
		return nil
	}
	if state.LastLSN <= latest.LastLSN && latest.ObjectPath != "" {
		// Nothing durable happened since the previous snapshot.
		return nil
	}

	payload := Payload{
		Collection: id,
		LastLSN:    state.LastLSN,
		Frontier:   state.Frontier,
		State:      state.State,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	created := w.now()
	objectPath := fmt.Sprintf("snapshots/%s/%020d-%d.json", id, state.LastLSN, created.UnixNano())
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Collection: id,
		LastLSN:    state.LastLSN,
		Frontier:   state.Frontier.Clone(),
		ObjectPath: objectPath,
		CreatedAt:  created,
	}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}
	w.source.MarkSnapshotted(id, state.Mutations)

	w.logger.Info().Str("collection", string(id)).Int64("lsn", state.LastLSN).Str("object", objectPath).Msg("snapshot created")
	return nil
}

// DecodePayload unmarshals a snapshot payload from its stored representation.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	if payload.Collection == "" {
		return Payload{}, errors.New("snapshot payload without collection")
	}
	return payload, nil
}
