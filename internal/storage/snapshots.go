package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/delta-crdt-engine/internal/types"
)

// SnapshotRef points at a full collection state stored in object storage.
// A zero ref means no snapshot exists.
type SnapshotRef struct {
	Collection types.CollectionID `json:"collection"`
	LastLSN    int64              `json:"last_lsn"`
	Frontier   types.VectorClock  `json:"frontier"`
	ObjectPath string             `json:"object_path"`
	CreatedAt  time.Time          `json:"created_at"`
}

// RecordSnapshot stores a reference to an uploaded snapshot.
func (l *DeltaLog) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	frontier, err := json.Marshal(ref.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO collection_snapshots (collection_id, last_lsn, frontier, object_path, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, string(ref.Collection), ref.LastLSN, frontier, ref.ObjectPath, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the most recent snapshot of a collection.
func (l *DeltaLog) LatestSnapshot(ctx context.Context, id types.CollectionID) (SnapshotRef, error) {
	return l.snapshotWhere(ctx, id, `
		SELECT collection_id, last_lsn, frontier, object_path, created_at
		FROM collection_snapshots
		WHERE collection_id = $1
		ORDER BY last_lsn DESC, id DESC
		LIMIT 1`)
}

// SnapshotBeforeLSN returns the most recent snapshot taken at or before lsn.
func (l *DeltaLog) SnapshotBeforeLSN(ctx context.Context, id types.CollectionID, lsn int64) (SnapshotRef, error) {
	return l.snapshotWhere(ctx, id, `
		SELECT collection_id, last_lsn, frontier, object_path, created_at
		FROM collection_snapshots
		WHERE collection_id = $1 AND last_lsn <= $2
		ORDER BY last_lsn DESC, id DESC
		LIMIT 1`, lsn)
}

func (l *DeltaLog) snapshotWhere(ctx context.Context, id types.CollectionID, query string, args ...any) (SnapshotRef, error) {
	var (
		ref        SnapshotRef
		collection string
		frontier   []byte
	)
	err := l.pool.QueryRow(ctx, query, append([]any{string(id)}, args...)...).
		Scan(&collection, &ref.LastLSN, &frontier, &ref.ObjectPath, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Collection: id}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Collection = types.CollectionID(collection)
	if len(frontier) > 0 {
		if err := json.Unmarshal(frontier, &ref.Frontier); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode snapshot frontier: %w", err)
		}
	}
	return ref, nil
}
