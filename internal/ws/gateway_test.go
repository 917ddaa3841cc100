package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

type fakeBoard struct {
	mu        sync.Mutex
	sender    transport.Sender
	name      string
	connected bool
	frames    []string
	removed   bool
}

func (b *fakeBoard) AddLink(name string, sender transport.Sender) transport.Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	b.sender = sender
	return b
}

func (b *fakeBoard) RemoveLink(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == b.name {
		b.removed = true
	}
}

func (b *fakeBoard) HandleConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
}

func (b *fakeBoard) HandleDisconnected(error) {}

func (b *fakeBoard) HandleData(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, string(data))
}

func (b *fakeBoard) state() (transport.Sender, bool, []string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sender, b.connected, append([]string(nil), b.frames...), b.removed
}

type fakeBoards struct {
	board  *fakeBoard
	opened []types.DocumentID
}

func (f *fakeBoards) Open(_ context.Context, document types.DocumentID) (Board, error) {
	f.opened = append(f.opened, document)
	return f.board, nil
}

func newTestGateway(t *testing.T) (*httptest.Server, *fakeBoard, *ConnectionRegistry) {
	t.Helper()
	board := &fakeBoard{}
	registry := NewConnectionRegistry()
	gw, err := NewGateway(QueryAuthenticator, &fakeBoards{board: board}, registry, zerolog.New(io.Discard), GatewayConfig{
		PingInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, board, registry
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestGatewayAttachesConnectionAsLink(t *testing.T) {
	srv, board, registry := newTestGateway(t)
	conn := dial(t, srv, "document_id=board&participant=alice")

	require.Eventually(t, func() bool {
		sender, connected, _, _ := board.state()
		return sender != nil && connected
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, registry.Count("board"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.Eventually(t, func() bool {
		_, _, frames, _ := board.state()
		return len(frames) == 1 && frames[0] == `{"type":"hello"}`
	}, time.Second, 10*time.Millisecond)

	sender, _, _, _ := board.state()
	require.NoError(t, sender.Send(context.Background(), []byte(`{"type":"delta"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"delta"}`, string(data))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool {
		_, _, _, removed := board.state()
		return removed && registry.Count("board") == 0
	}, time.Second, 10*time.Millisecond)

	err = sender.Send(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, transport.ErrTransportFailure)
}

func TestGatewayRejectsIncompleteIdentity(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/ws?participant=alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws?document_id=board")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
