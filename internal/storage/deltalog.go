package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/types"
)

// Schema creates the tables used by DeltaLog.
const Schema = `
CREATE TABLE IF NOT EXISTS collection_deltas (
	lsn           BIGSERIAL PRIMARY KEY,
	collection_id TEXT        NOT NULL,
	origin        BIGINT      NOT NULL,
	sequence      BIGINT      NOT NULL,
	frontier      JSONB,
	payload       JSONB       NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS collection_deltas_collection_lsn ON collection_deltas (collection_id, lsn);
CREATE INDEX IF NOT EXISTS collection_deltas_collection_time ON collection_deltas (collection_id, created_at);

CREATE TABLE IF NOT EXISTS collection_checkpoints (
	collection_id   TEXT PRIMARY KEY,
	last_lsn        BIGINT      NOT NULL,
	checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS collection_snapshots (
	id            BIGSERIAL PRIMARY KEY,
	collection_id TEXT        NOT NULL,
	last_lsn      BIGINT      NOT NULL,
	frontier      JSONB,
	object_path   TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS collection_snapshots_collection_lsn ON collection_snapshots (collection_id, last_lsn);
`

// DeltaLog persists shipped deltas and snapshot references in Postgres.
type DeltaLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the delta log.
type Option func(*DeltaLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *DeltaLog) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *DeltaLog) {
		l.retryDelay = d
	}
}

// NewDeltaLog constructs a delta log using the provided Postgres pool.
func NewDeltaLog(pool *pgxpool.Pool, opts ...Option) *DeltaLog {
	l := &DeltaLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Migrate creates missing tables.
func (l *DeltaLog) Migrate(ctx context.Context) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, Schema)
		return err
	})
}

// AppendDelta durably stores a delta and returns its log sequence number.
// The insert is wrapped in a transaction and transient failures are retried.
func (l *DeltaLog) AppendDelta(ctx context.Context, rec types.DeltaRecord) (int64, error) {
	ctx, span := logTracer.Start(ctx, "delta_log.append", trace.WithAttributes(
		attribute.String("collection", string(rec.Collection)),
		attribute.Int64("origin", int64(rec.Origin)),
	))
	defer span.End()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	frontier, err := json.Marshal(rec.Frontier)
	if err != nil {
		return 0, fmt.Errorf("marshal frontier: %w", err)
	}

	start := time.Now()
	var lsn int64
	err = l.retry(ctx, func(ctx context.Context) error {
		tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO collection_deltas (collection_id, origin, sequence, frontier, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			string(rec.Collection), int64(rec.Origin), int64(rec.Sequence), frontier, []byte(rec.Payload), rec.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	appendLatency.WithLabelValues(string(rec.Collection)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("lsn", lsn))
	return lsn, nil
}

// ActiveCollections returns the collections that have logged deltas.
func (l *DeltaLog) ActiveCollections(ctx context.Context) ([]types.CollectionID, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT collection_id FROM collection_deltas ORDER BY collection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.CollectionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.CollectionID(id))
	}
	return ids, rows.Err()
}

// ReplayCollection scans the deltas of a collection after fromLSN in log
// order, invoking the handler for each record.
func (l *DeltaLog) ReplayCollection(ctx context.Context, id types.CollectionID, fromLSN int64, handler func(types.DeltaRecord) error) error {
	ctx, span := logTracer.Start(ctx, "delta_log.replay", trace.WithAttributes(
		attribute.String("collection", string(id)),
		attribute.Int64("from_lsn", fromLSN),
	))
	defer span.End()
	start := time.Now()

	rows, err := l.pool.Query(ctx, `
		SELECT lsn, collection_id, origin, sequence, frontier, payload, created_at
		FROM collection_deltas
		WHERE collection_id = $1 AND lsn > $2
		ORDER BY lsn`, string(id), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn        int64
			collection string
			origin     int64
			sequence   int64
			frontier   []byte
			payload    []byte
			createdAt  time.Time
		)
		if err := rows.Scan(&lsn, &collection, &origin, &sequence, &frontier, &payload, &createdAt); err != nil {
			return err
		}

		var clock types.VectorClock
		if len(frontier) > 0 {
			if err := json.Unmarshal(frontier, &clock); err != nil {
				return fmt.Errorf("decode frontier: %w", err)
			}
		}

		record := types.DeltaRecord{
			LSN:        lsn,
			Collection: types.CollectionID(collection),
			Origin:     crdt.ReplicaID(origin),
			Sequence:   uint64(sequence),
			Payload:    payload,
			Frontier:   clock,
			CreatedAt:  createdAt,
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	replayLatency.WithLabelValues(string(id)).Observe(time.Since(start).Seconds())
	return nil
}

// LastCheckpoint returns the most recent persisted LSN for a collection.
func (l *DeltaLog) LastCheckpoint(ctx context.Context, id types.CollectionID) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
		SELECT last_lsn FROM collection_checkpoints WHERE collection_id = $1
	`, string(id)).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the applied LSN for a collection.
func (l *DeltaLog) RecordCheckpoint(ctx context.Context, id types.CollectionID, lsn int64) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO collection_checkpoints (collection_id, last_lsn)
			VALUES ($1, $2)
			ON CONFLICT (collection_id)
			DO UPDATE SET last_lsn = GREATEST(collection_checkpoints.last_lsn, EXCLUDED.last_lsn), checkpointed_at = now()
		`, string(id), lsn)
		return err
	})
}

// LSNForTime returns the last LSN of a collection logged at or before ts.
func (l *DeltaLog) LSNForTime(ctx context.Context, id types.CollectionID, ts time.Time) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(lsn), 0) FROM collection_deltas
		WHERE collection_id = $1 AND created_at <= $2
	`, string(id), ts).Scan(&lsn)
	return lsn, err
}

// LatestLSN returns the last LSN logged for a collection.
func (l *DeltaLog) LatestLSN(ctx context.Context, id types.CollectionID) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(lsn), 0) FROM collection_deltas WHERE collection_id = $1
	`, string(id)).Scan(&lsn)
	return lsn, err
}

// CountAfterLSN returns the number of deltas logged for a collection after
// lsn and publishes it as the collection's backlog.
func (l *DeltaLog) CountAfterLSN(ctx context.Context, id types.CollectionID, lsn int64) (int64, error) {
	var count int64
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM collection_deltas WHERE collection_id = $1 AND lsn > $2
	`, string(id), lsn).Scan(&count)
	if err != nil {
		return 0, err
	}
	backlog.WithLabelValues(string(id)).Set(float64(count))
	return count, nil
}

func (l *DeltaLog) retry(ctx context.Context, fn func(context.Context) error) error {
	return retry(ctx, l.maxRetries, l.retryDelay, fn)
}

func retry(ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
