package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/delta-crdt-engine/internal/api"
	"github.com/example/delta-crdt-engine/internal/broadcast"
	"github.com/example/delta-crdt-engine/internal/config"
	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/observability"
	"github.com/example/delta-crdt-engine/internal/playback"
	"github.com/example/delta-crdt-engine/internal/presence"
	"github.com/example/delta-crdt-engine/internal/replica"
	"github.com/example/delta-crdt-engine/internal/snapshot"
	"github.com/example/delta-crdt-engine/internal/storage"
	"github.com/example/delta-crdt-engine/internal/types"
	"github.com/example/delta-crdt-engine/internal/wire"
	"github.com/example/delta-crdt-engine/internal/ws"
)

const publishTimeout = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		ReplicaID:    cfg.ReplicaID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()
	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	deltaLog := storage.NewDeltaLog(resources.Postgres)
	if err := deltaLog.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate delta log")
	}

	// The relay is built after the engine it applies deltas to.
	registry := ws.NewConnectionRegistry()
	var relay *broadcast.RedisBroadcaster
	engine := replica.NewEngine(crdt.Config{Replica: crdt.ReplicaID(cfg.ReplicaID), Backend: cfg.Backend}, logger,
		replica.WithDeltaLog(deltaLog),
		replica.WithPublisher(replica.PublisherFunc(func(ctx context.Context, env *wire.Envelope) error {
			ctx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			return relay.Publish(ctx, env)
		})),
	)
	relay = broadcast.NewRedisBroadcaster(resources.Redis, engine, registry, logger)

	loader := playback.NewObjectLoader(resources.Object)
	if err := replayLog(ctx, deltaLog, engine, loader, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to replay delta log")
	}

	relay.Start(ctx)
	go flushLoop(ctx, engine, logger, cfg.FlushInterval)
	go checkpointLoop(ctx, deltaLog, engine, logger, cfg.HealthcheckProbe)

	snapshotWorker := snapshot.NewWorker(deltaLog, engine, resources.Object, cfg.ObjectBucket, logger,
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithThresholds(cfg.SnapshotLogThreshold, cfg.SnapshotChangeThreshold),
	)
	snapshotWorker.Start(ctx)

	roster := presence.NewService(resources.Redis, cfg.ReplicaID, logger)
	roster.Start(ctx)

	gateway, err := ws.NewGateway(ws.AuthFunc(ws.QueryIdentity), registry, logger, roster.WrapHooks(ws.Hooks{
		OnEnvelope: func(ctx context.Context, _ *ws.Connection, env *wire.Envelope) error {
			return engine.Ingest(ctx, env)
		},
		OnConnect: func(_ context.Context, conn *ws.Connection) error {
			return sendCurrentState(engine, conn)
		},
	}), ws.GatewayConfig{
		HeartbeatInterval: cfg.PeerHeartbeat,
		SendBuffer:        cfg.PeerSendBuffer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	playbackSvc := playback.NewService(deltaLog, cfg.ObjectBucket, loader, logger, playback.ServiceConfig{
		CacheSize: cfg.PlaybackCacheSize,
		Backend:   cfg.Backend,
	})
	apiHandler := api.NewHandler(engine, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /collections/{id}/state", playback.NewHTTPHandler(playbackSvc, logger))
	mux.Handle("GET /collections/{id}/peers", roster.Handler(logger))
	mux.Handle("/collections", apiHandler)
	mux.Handle("/collections/", apiHandler)
	mux.Handle("/ws", gateway)
	mux.Handle("/healthz", observability.HealthHandler(resources.HealthCheck, logger))
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Uint64("replica", cfg.ReplicaID).Str("backend", cfg.Backend.String()).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := engine.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final flush failed; unsent deltas are lost")
	}
	logger.Info().Msg("shutdown complete")
}

// replayLog rebuilds every logged collection from its latest snapshot plus
// the deltas appended after it.
func replayLog(ctx context.Context, deltaLog *storage.DeltaLog, engine *replica.Engine, loader playback.SnapshotLoader, bucket string, logger zerolog.Logger) error {
	ids, err := deltaLog.ActiveCollections(ctx)
	if err != nil {
		return fmt.Errorf("list logged collections: %w", err)
	}

	for _, id := range ids {
		fromLSN, err := restoreFromSnapshot(ctx, deltaLog, engine, loader, bucket, id, logger)
		if err != nil {
			logger.Error().Err(err).Str("collection", string(id)).Msg("failed to restore snapshot; replaying full log")
			fromLSN = 0
		}

		if err := deltaLog.ReplayCollection(ctx, id, fromLSN, engine.ApplyDelta); err != nil {
			return fmt.Errorf("replay collection %s: %w", id, err)
		}

		last := engine.LastLSN(id)
		checkpoint, err := deltaLog.LastCheckpoint(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Str("collection", string(id)).Msg("read checkpoint failed")
		} else if last < checkpoint {
			logger.Warn().Str("collection", string(id)).Int64("lsn", last).Int64("checkpoint", checkpoint).Msg("replayed state is behind the recorded checkpoint")
		}
		if last > 0 {
			if err := deltaLog.RecordCheckpoint(ctx, id, last); err != nil {
				logger.Error().Err(err).Str("collection", string(id)).Msg("checkpoint after replay failed")
			}
		}
		logger.Info().Str("collection", string(id)).Int64("from_lsn", fromLSN).Int64("lsn", last).Msg("collection replayed")
	}

	return nil
}

func restoreFromSnapshot(ctx context.Context, deltaLog *storage.DeltaLog, engine *replica.Engine, loader playback.SnapshotLoader, bucket string, id types.CollectionID, logger zerolog.Logger) (int64, error) {
	ref, err := deltaLog.LatestSnapshot(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return 0, nil
	}

	data, err := loader.Load(ctx, bucket, ref.ObjectPath)
	if err != nil {
		return 0, err
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Collection != id {
		logger.Warn().Str("collection", string(id)).Str("snapshot_collection", string(payload.Collection)).Msg("snapshot collection mismatch")
	}

	if err := engine.Restore(id, payload.State, ref.LastLSN); err != nil {
		return 0, err
	}
	logger.Info().Str("collection", string(id)).Int64("lsn", ref.LastLSN).Str("object", ref.ObjectPath).Msg("restored snapshot")
	return ref.LastLSN, nil
}

func sendCurrentState(engine *replica.Engine, conn *ws.Connection) error {
	snap, err := engine.SnapshotState(types.CollectionID(conn.Collection()))
	if errors.Is(err, replica.ErrUnknownCollection) {
		return nil
	}
	if err != nil {
		return err
	}
	return conn.SendEnvelope(&wire.Envelope{
		Collection: conn.Collection(),
		Origin:     uint64(engine.Replica()),
		Payload:    snap.State,
		SentAt:     time.Now().UTC(),
	})
}

func flushLoop(ctx context.Context, engine *replica.Engine, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := engine.Flush(ctx); err != nil {
				logger.Warn().Err(err).Msg("flush incomplete; deltas kept for retry")
			}
		case <-ctx.Done():
			return
		}
	}
}

type checkpointStore interface {
	RecordCheckpoint(ctx context.Context, id types.CollectionID, lsn int64) error
	CountAfterLSN(ctx context.Context, id types.CollectionID, lsn int64) (int64, error)
}

type checkpointSource interface {
	Collections() []types.CollectionID
	LastLSN(id types.CollectionID) int64
}

func checkpointLoop(ctx context.Context, store checkpointStore, engine checkpointSource, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			recordCheckpoints(ctx, store, engine, logger)
		case <-ctx.Done():
			return
		}
	}
}

// recordCheckpoints persists the applied LSN of every collection and returns
// how many logged deltas each one has not applied yet.
func recordCheckpoints(ctx context.Context, store checkpointStore, engine checkpointSource, logger zerolog.Logger) map[types.CollectionID]int64 {
	backlog := make(map[types.CollectionID]int64)
	for _, id := range engine.Collections() {
		lsn := engine.LastLSN(id)
		if lsn == 0 {
			continue
		}
		if err := store.RecordCheckpoint(ctx, id, lsn); err != nil {
			logger.Error().Err(err).Str("collection", string(id)).Msg("failed to persist checkpoint")
			continue
		}
		pending, err := store.CountAfterLSN(ctx, id, lsn)
		if err != nil {
			logger.Warn().Err(err).Str("collection", string(id)).Msg("backlog count failed")
			continue
		}
		backlog[id] = pending
		logger.Debug().
			Str("collection", string(id)).
			Int64("checkpoint_lsn", lsn).
			Int64("backlog", pending).
			Msg("checkpoint recorded")
	}
	return backlog
}
