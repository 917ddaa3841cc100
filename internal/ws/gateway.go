package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuthenticator trusts the participant and document named in the
// query string. It is meant for deployments that authenticate upstream.
var QueryAuthenticator = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	return ClientIdentity{
		Participant: types.ParticipantID(r.URL.Query().Get("participant")),
		Document:    types.DocumentID(r.URL.Query().Get("document_id")),
	}, nil
})

// ClientIdentity is the authenticated caller of a connection.
type ClientIdentity struct {
	Participant types.ParticipantID
	Document    types.DocumentID
	Metadata    map[string]string
}

// Board is the replica a connection is attached to.
type Board interface {
	AddLink(name string, sender transport.Sender) transport.Receiver
	RemoveLink(name string)
}

// Boards opens the replica for a document, starting it when needed.
type Boards interface {
	Open(ctx context.Context, document types.DocumentID) (Board, error)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
	WriteTimeout time.Duration
	MaxFrameSize int64
}

// Gateway upgrades HTTP requests into WebSocket connections, validates
// authentication, and attaches each connection as a link of its board.
type Gateway struct {
	auth     Authenticator
	boards   Boards
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, boards Boards, registry *ConnectionRegistry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if boards == nil {
		return nil, errors.New("board provider is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 4 << 20
	}
	return &Gateway{
		auth:     auth,
		boards:   boards,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		cfg:    cfg,
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
	if identity.Document == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}
	if identity.Participant == "" {
		http.Error(w, "missing participant", http.StatusUnauthorized)
		return
	}

	board, err := g.boards.Open(r.Context(), identity.Document)
	if err != nil {
		g.logger.Error().Err(err).Str("document", string(identity.Document)).Msg("open board failed")
		http.Error(w, "board unavailable", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(string(identity.Document)).Observe(time.Since(start).Seconds())

	name := "ws:" + string(identity.Participant) + ":" + uuid.NewString()
	childLogger := g.logger.With().
		Str("document", string(identity.Document)).
		Str("participant", string(identity.Participant)).
		Str("link", name).
		Logger()
	c := newConnection(conn, name, identity, childLogger, connectionOptions{
		pingInterval: g.cfg.PingInterval,
		pongWait:     g.cfg.PongWait,
		sendBuffer:   g.cfg.SendBuffer,
		writeTimeout: g.cfg.WriteTimeout,
		maxFrameSize: g.cfg.MaxFrameSize,
	})

	g.registry.Register(identity.Document, c)
	childLogger.Info().Msg("websocket connection established")

	go func() {
		defer g.registry.Unregister(identity.Document, c)
		c.Run(board)
	}()
}
