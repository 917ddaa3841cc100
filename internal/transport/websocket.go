package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebsocketClient is a client link to a relay. Run keeps it connected,
// redialling with exponential backoff after every failure.
type WebsocketClient struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff BackoffConfig
	logger  zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketClient constructs a client for the relay URL.
func NewWebsocketClient(url string, header http.Header, cfg BackoffConfig, logger zerolog.Logger) *WebsocketClient {
	return &WebsocketClient{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: cfg,
		logger:  logger.With().Str("url", url).Logger(),
	}
}

// Send writes a text frame on the current connection.
func (c *WebsocketClient) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransportFailure)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		framesTotal.WithLabelValues("websocket", "send_error").Inc()
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	framesTotal.WithLabelValues("websocket", "sent").Inc()
	return nil
}

// Run dials, pumps frames into r and redials until ctx is cancelled.
func (c *WebsocketClient) Run(ctx context.Context, r Receiver) {
	policy := c.backoff.NewBackOff()
	for ctx.Err() == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			delay := policy.NextBackOff()
			reconnectTotal.WithLabelValues("websocket").Inc()
			c.logger.Warn().Err(err).Dur("backoff", delay).Msg("dial failed; retrying")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		policy.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info().Msg("connected to relay")
		r.HandleConnected()

		err = c.readPump(ctx, conn, r)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		r.HandleDisconnected(fmt.Errorf("%w: %v", ErrTransportFailure, err))

		if ctx.Err() != nil {
			return
		}
		delay := policy.NextBackOff()
		c.logger.Warn().Err(err).Dur("backoff", delay).Msg("connection lost; reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (c *WebsocketClient) readPump(ctx context.Context, conn *websocket.Conn, r Receiver) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("relay closed the connection")
			}
			return err
		}
		framesTotal.WithLabelValues("websocket", "received").Inc()
		r.HandleData(data)
	}
}

func (c *WebsocketClient) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.mu.Unlock()
			_ = conn.Close()
			return
		case <-stop:
			return
		}
	}
}
