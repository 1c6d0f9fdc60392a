package playback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/replica"
	"github.com/example/delta-crdt-engine/internal/snapshot"
	"github.com/example/delta-crdt-engine/internal/storage"
	"github.com/example/delta-crdt-engine/internal/types"
)

type fakeLog struct {
	records   []types.DeltaRecord
	snapshots map[int64]storage.SnapshotRef
	replays   int
	clock     time.Time
}

func (f *fakeLog) AppendDelta(_ context.Context, rec types.DeltaRecord) (int64, error) {
	rec.LSN = int64(len(f.records) + 1)
	rec.CreatedAt = f.clock
	f.records = append(f.records, rec)
	return rec.LSN, nil
}

func (f *fakeLog) LatestLSN(_ context.Context, id types.CollectionID) (int64, error) {
	var lsn int64
	for _, rec := range f.records {
		if rec.Collection == id && rec.LSN > lsn {
			lsn = rec.LSN
		}
	}
	return lsn, nil
}

func (f *fakeLog) LSNForTime(_ context.Context, id types.CollectionID, ts time.Time) (int64, error) {
	var lsn int64
	for _, rec := range f.records {
		if rec.Collection != id || rec.CreatedAt.After(ts) {
			continue
		}
		if rec.LSN > lsn {
			lsn = rec.LSN
		}
	}
	return lsn, nil
}

func (f *fakeLog) SnapshotBeforeLSN(_ context.Context, id types.CollectionID, lsn int64) (storage.SnapshotRef, error) {
	var best storage.SnapshotRef
	for _, ref := range f.snapshots {
		if ref.Collection != id || ref.LastLSN > lsn {
			continue
		}
		if ref.LastLSN > best.LastLSN {
			best = ref
		}
	}
	return best, nil
}

func (f *fakeLog) ReplayCollection(_ context.Context, id types.CollectionID, fromLSN int64, handler func(types.DeltaRecord) error) error {
	f.replays++
	for _, rec := range f.records {
		if rec.Collection != id || rec.LSN <= fromLSN {
			continue
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// history writes three deltas one minute apart: a=1, then b=2, then a
// deleted.
func history(t *testing.T, base time.Time) (*fakeLog, *replica.Engine) {
	t.Helper()
	log := &fakeLog{snapshots: map[int64]storage.SnapshotRef{}, clock: base}
	writer := replica.NewEngine(crdt.Config{Replica: 1}, zeroLogger(), replica.WithDeltaLog(log))
	ctx := context.Background()

	steps := []func(){
		func() { _ = writer.Put("docs", "a", "1") },
		func() { _ = writer.Put("docs", "b", "2") },
		func() { writer.Delete("docs", "a") },
	}
	for i, step := range steps {
		log.clock = base.Add(time.Duration(i) * time.Minute)
		step()
		if err := writer.Flush(ctx); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	return log, writer
}

func TestPlaybackDeterministicForOverlappingTimes(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	log, _ := history(t, base)
	svc := NewService(log, "", MemoryLoader{}, zeroLogger(), ServiceConfig{CacheSize: 4})

	early := base.Add(90 * time.Second)  // after b=2 but before the delete
	later := base.Add(150 * time.Second) // after the delete

	resp1, err := svc.Playback(context.Background(), Request{Collection: "docs", AtTime: &early})
	if err != nil {
		t.Fatalf("playback1 err: %v", err)
	}
	resp2, err := svc.Playback(context.Background(), Request{Collection: "docs", AtTime: &later})
	if err != nil {
		t.Fatalf("playback2 err: %v", err)
	}

	if want := map[string][]string{"a": {"1"}, "b": {"2"}}; !reflect.DeepEqual(resp1.Entries, want) {
		t.Fatalf("expected %v, got %v", want, resp1.Entries)
	}
	if want := map[string][]string{"b": {"2"}}; !reflect.DeepEqual(resp2.Entries, want) {
		t.Fatalf("expected %v, got %v", want, resp2.Entries)
	}
	if resp1.LSN != 2 || resp2.LSN != 3 {
		t.Fatalf("unexpected lsns %d, %d", resp1.LSN, resp2.LSN)
	}
	if log.replays > 2 {
		t.Fatalf("expected at most 2 replays, got %d", log.replays)
	}
}

func TestPlaybackUsesSnapshotsAndCache(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	log, _ := history(t, base)

	// Snapshot the state at LSN 2 and drop the deltas it covers.
	at2 := replica.NewEngine(crdt.Config{Replica: 7}, zeroLogger())
	for _, rec := range log.records[:2] {
		if err := at2.ApplyDelta(rec); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	state, err := at2.SnapshotState("docs")
	if err != nil {
		t.Fatalf("snapshot state: %v", err)
	}
	snapBytes, err := json.Marshal(snapshot.Payload{Collection: "docs", LastLSN: 2, Frontier: state.Frontier, State: state.State})
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	log.records = log.records[2:]
	log.snapshots[2] = storage.SnapshotRef{Collection: "docs", ObjectPath: "snap.json", LastLSN: 2}

	loader := MemoryLoader{Objects: map[string][]byte{"snap.json": snapBytes}}
	svc := NewService(log, "bucket", loader, zeroLogger(), ServiceConfig{CacheSize: 2})

	resp, err := svc.Playback(context.Background(), Request{Collection: "docs", LSN: 3})
	if err != nil {
		t.Fatalf("playback err: %v", err)
	}
	if want := map[string][]string{"b": {"2"}}; !reflect.DeepEqual(resp.Entries, want) {
		t.Fatalf("expected %v, got %v", want, resp.Entries)
	}
	if want := (types.VectorClock{1: 2}); !reflect.DeepEqual(resp.Frontier, want) {
		t.Fatalf("expected frontier %v, got %v", want, resp.Frontier)
	}

	// Replaying the same target should use the cache and avoid another log scan.
	if _, err := svc.Playback(context.Background(), Request{Collection: "docs", LSN: 3}); err != nil {
		t.Fatalf("second playback err: %v", err)
	}
	if log.replays != 1 {
		t.Fatalf("expected cache to cap replays, got %d", log.replays)
	}
}

func TestPlaybackRejectsBadRequests(t *testing.T) {
	svc := NewService(&fakeLog{}, "", MemoryLoader{}, zeroLogger(), ServiceConfig{})
	if _, err := svc.Playback(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for missing collection")
	}
	if _, err := svc.Playback(context.Background(), Request{Collection: "c", LSN: -1}); err == nil {
		t.Fatal("expected error for negative lsn")
	}

	resp, err := svc.Playback(context.Background(), Request{Collection: "empty"})
	if err != nil {
		t.Fatalf("playback of unknown collection: %v", err)
	}
	if len(resp.Entries) != 0 {
		t.Fatalf("expected no entries, got %v", resp.Entries)
	}
}

func TestHTTPHandler(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	log, _ := history(t, base)
	h := NewHTTPHandler(NewService(log, "", MemoryLoader{}, zeroLogger(), ServiceConfig{}), zeroLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/collections/docs/state?at_lsn=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := map[string][]string{"a": {"1"}}; !reflect.DeepEqual(resp.Entries, want) {
		t.Fatalf("expected %v, got %v", want, resp.Entries)
	}

	for path, code := range map[string]int{
		"/collections/docs/state?at_lsn=x":    http.StatusBadRequest,
		"/collections/docs/state?at_time=bad": http.StatusBadRequest,
		"/collections/docs":                   http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != code {
			t.Fatalf("%s: expected %d, got %d", path, code, rec.Code)
		}
	}
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
