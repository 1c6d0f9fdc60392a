package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/ordered"
	"github.com/example/delta-crdt-engine/internal/wire"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	collection := flag.String("collection", "loadtest", "collection shared by all peers")
	clients := flag.Int("clients", 1000, "number of concurrent peers")
	messages := flag.Int("messages", 20, "number of deltas the writer ships")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between deltas")
	replicaBase := flag.Uint64("replica-base", 1_000_000, "replica id of the first peer")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("collection", *collection).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *clients**messages)
	keysSeen := make(chan int, *clients)
	var wg sync.WaitGroup

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			replica := *replicaBase + uint64(id)
			u := *base
			q := u.Query()
			q.Set("collection", *collection)
			q.Set("replica", strconv.FormatUint(replica, 10))
			u.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Uint64("replica", replica).Msg("dial failed")
				return
			}
			defer conn.Close()

			readerDone := make(chan struct{})
			go func() {
				defer close(readerDone)
				n := readerLoop(ctx, conn, latencyCh, logger)
				if id != 0 {
					keysSeen <- n
				}
			}()

			if id == 0 {
				if err := writeLoop(ctx, conn, crdt.ReplicaID(replica), *collection, *messages, *interval); err != nil {
					logger.Error().Err(err).Msg("writer failed")
				}
				// Leave time for the last delta to fan out.
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				stop()
			}
			<-ctx.Done()
			conn.Close()
			<-readerDone
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
		close(keysSeen)
	}()

	<-ctx.Done()
	report(latencyCh, keysSeen, *messages, logger)
}

// writeLoop inserts one key per tick and ships each resulting delta.
func writeLoop(ctx context.Context, conn *websocket.Conn, replica crdt.ReplicaID, collection string, messages int, interval time.Duration) error {
	state := crdt.NewMap[string, *crdt.ValueMV[string]](crdt.Config{
		Replica:  replica,
		Backend:  ordered.Tree,
		Tracking: crdt.Accumulate,
	}, crdt.NewValueMV[string])

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for j := 1; j <= messages; j++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		key := fmt.Sprintf("key-%04d", j)
		state.Update(key, func(r *crdt.ValueMV[string]) { r.Set(time.Now().UTC().Format(time.RFC3339Nano)) })

		payload, err := json.Marshal(state.ExtractDelta())
		if err != nil {
			return err
		}
		data, err := (&wire.Envelope{
			Collection: collection,
			Origin:     uint64(replica),
			Sequence:   uint64(j),
			Payload:    payload,
			SentAt:     time.Now().UTC(),
		}).Marshal()
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// readerLoop merges every received envelope into a local replica and returns
// the number of keys it converged to.
func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) int {
	local := crdt.NewMap[string, *crdt.ValueMV[string]](crdt.Config{Backend: ordered.Tree}, crdt.NewValueMV[string])
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return local.Len()
		}

		var env wire.Envelope
		if err := env.Unmarshal(data); err != nil {
			logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}
		delta := crdt.NewMap[string, *crdt.ValueMV[string]](crdt.Config{Backend: ordered.Tree}, crdt.NewValueMV[string])
		if err := json.Unmarshal(env.Payload, delta); err != nil {
			logger.Warn().Err(err).Msg("failed to decode delta")
			continue
		}
		local.Merge(delta)

		// Sequence zero is the state snapshot sent on connect.
		if env.Sequence > 0 {
			latencies <- latencySample{dur: env.Latency(time.Now())}
		}
	}
}

func report(samples <-chan latencySample, keysSeen <-chan int, messages int, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	var peers, converged int
	for n := range keysSeen {
		peers++
		if n >= messages {
			converged++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\nConverged peers: %d/%d\n", count, avg, max, pct, converged, peers)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of deltas met the 50ms target")
	}
}
