package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	pingInterval time.Duration
	pongWait     time.Duration
	sendBuffer   int
	writeTimeout time.Duration
	maxFrameSize int64
}

// Connection is an upgraded WebSocket session serving as one link of a
// board replica. It implements transport.Sender.
type Connection struct {
	conn      *websocket.Conn
	name      string
	identity  ClientIdentity
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	opts      connectionOptions
}

func newConnection(conn *websocket.Conn, name string, id ClientIdentity, logger zerolog.Logger, opts connectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		name:     name,
		identity: id,
		logger:   logger,
		send:     make(chan []byte, opts.sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
	}
}

// Name returns the link name the connection is registered under.
func (c *Connection) Name() string { return c.name }

// Document returns the bound board.
func (c *Connection) Document() types.DocumentID { return c.identity.Document }

// Participant returns the authenticated participant.
func (c *Connection) Participant() types.ParticipantID { return c.identity.Participant }

// Send enqueues a frame for the write pump. A peer that cannot keep up is
// disconnected; its replica catches up through a fresh handshake.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("%w: connection closed", transport.ErrTransportFailure)
	default:
	}
	select {
	case c.send <- data:
		gatewaySendQueueDepth.WithLabelValues(string(c.identity.Document)).Set(float64(len(c.send)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%w: connection closed", transport.ErrTransportFailure)
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.Close()
		return fmt.Errorf("%w: %v", transport.ErrTransportFailure, errSendBufferFull)
	}
}

// Run attaches the connection to board and pumps frames until either side
// closes.
func (c *Connection) Run(board Board) {
	receiver := board.AddLink(c.name, c)
	receiver.HandleConnected()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	err := c.readPump(receiver)
	c.Close()
	wg.Wait()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read pump exited")
	}
	receiver.HandleDisconnected(fmt.Errorf("%w: %v", transport.ErrTransportFailure, err))
	board.RemoveLink(c.name)
	c.logger.Info().Msg("websocket connection closed")
}

// Close stops both pumps and closes the socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Connection) readPump(receiver transport.Receiver) error {
	c.conn.SetReadLimit(c.opts.maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		framesReceived.WithLabelValues(string(c.identity.Document)).Inc()
		receiver.HandleData(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(c.opts.writeTimeout))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write pump error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}
