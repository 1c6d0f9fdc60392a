package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/delta-crdt-engine/internal/wire"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errOriginMismatch = errors.New("envelope origin does not match peer")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageBytes    int64
}

// Connection is one upgraded peer session bound to a single collection.
type Connection struct {
	conn      *websocket.Conn
	identity  PeerIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, id PeerIdentity, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// Collection returns the bound collection.
func (c *Connection) Collection() string { return c.identity.Collection }

// Replica returns the peer's replica identifier.
func (c *Connection) Replica() uint64 { return c.identity.Replica }

// Metadata exposes the caller-supplied peer metadata, if any.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendEnvelope encodes the envelope before enqueueing it for delivery.
func (c *Connection) SendEnvelope(env *wire.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.SendBinary(data)
}

// SendBinary enqueues a binary payload for the writer goroutine. A peer that
// cannot keep up is disconnected.
func (c *Connection) SendBinary(payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.WithLabelValues(c.identity.Collection).Set(float64(len(c.send)))
		return nil
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the read and write pumps and blocks until the connection closes.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook failed")
			c.closeWithFrame(websocket.CloseInternalServerErr, "connect failed")
			c.Close()
			wg.Wait()
			return
		}
	}

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readDeadline() time.Time {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance))
}

func (c *Connection) readLoop(hooks Hooks) error {
	if c.opts.maxMessageBytes > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.conn.SetReadDeadline(c.readDeadline())

		if kind != websocket.BinaryMessage {
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return fmt.Errorf("unsupported message type %d", kind)
		}
		if err := c.handleBinary(payload, hooks); err != nil {
			c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
			return err
		}
	}
}

func (c *Connection) handleBinary(payload []byte, hooks Hooks) error {
	var env wire.Envelope
	if err := env.Unmarshal(payload); err != nil {
		gatewayInbound.WithLabelValues(c.identity.Collection, "malformed").Inc()
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Collection != c.identity.Collection {
		gatewayInbound.WithLabelValues(c.identity.Collection, "malformed").Inc()
		return fmt.Errorf("envelope for %q on a %q connection", env.Collection, c.identity.Collection)
	}
	switch env.Origin {
	case 0:
		env.Origin = c.identity.Replica
	case c.identity.Replica:
	default:
		gatewayInbound.WithLabelValues(c.identity.Collection, "malformed").Inc()
		return errOriginMismatch
	}

	if hooks.OnEnvelope == nil {
		return nil
	}
	ctx, span := tracer.Start(c.ctx, "ws.envelope", trace.WithAttributes(
		attribute.String("collection", env.Collection),
		attribute.Int64("origin", int64(env.Origin)),
		attribute.Int64("sequence", int64(env.Sequence)),
	))
	defer span.End()

	if err := hooks.OnEnvelope(ctx, c, &env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "envelope hook")
		gatewayInbound.WithLabelValues(c.identity.Collection, "rejected").Inc()
		c.logger.Warn().Err(err).Uint64("sequence", env.Sequence).Msg("peer envelope rejected")
		return nil
	}
	gatewayInbound.WithLabelValues(c.identity.Collection, "applied").Inc()
	return nil
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			gatewaySendQueueDepth.WithLabelValues(c.identity.Collection).Set(float64(len(c.send)))
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	deadline := time.Now().Add(c.opts.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// Hooks connect a gateway to the component that consumes peer deltas.
type Hooks struct {
	OnEnvelope   EnvelopeHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type EnvelopeHook func(ctx context.Context, conn *Connection, env *wire.Envelope) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

// PeerIdentity names the replica behind a connection and the collection it
// subscribes to.
type PeerIdentity struct {
	Replica    uint64
	Collection string
	Metadata   map[string]string
}
