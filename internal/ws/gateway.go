package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Authenticator identifies the peer behind an inbound HTTP request before
// the connection is upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (PeerIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (PeerIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (PeerIdentity, error) {
	return f(r)
}

// QueryIdentity reads the peer identity from the "replica" and "collection"
// query parameters.
func QueryIdentity(r *http.Request) (PeerIdentity, error) {
	q := r.URL.Query()
	raw := q.Get("replica")
	if raw == "" {
		return PeerIdentity{}, errors.New("missing replica")
	}
	replica, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || replica == 0 {
		return PeerIdentity{}, fmt.Errorf("invalid replica %q", raw)
	}
	return PeerIdentity{Replica: replica, Collection: q.Get("collection")}, nil
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
}

// Gateway upgrades HTTP requests into peer connections and wires them into
// the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 4 << 20
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if identity.Collection == "" {
		http.Error(w, "missing collection", http.StatusBadRequest)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Error().Err(err).Str("collection", identity.Collection).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(identity.Collection).Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("collection", identity.Collection).Uint64("peer", identity.Replica).Logger()
	var connection *Connection
	connection = newConnection(conn, identity, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageBytes:    g.cfg.MaxMessageBytes,
	}, func() {
		g.registry.Unregister(identity.Collection, connection)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect(connection)
		}
	})

	g.registry.Register(identity.Collection, connection)
	childLogger.Info().Msg("peer connection established")

	go connection.Run(g.hooks)
}
