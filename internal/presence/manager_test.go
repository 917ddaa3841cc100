package presence

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{ReconnectAfter: 5 * time.Second, DisconnectAfter: 20 * time.Second, SweepInterval: time.Second}
	return NewManager("board", cfg, zerolog.New(io.Discard), WithNow(clock.Now)), clock
}

func TestJoinHeartbeatLeave(t *testing.T) {
	m, _ := newTestManager()

	assert.ErrorIs(t, m.Heartbeat("alice"), ErrUnknownParticipant)

	sess := m.Join("alice")
	assert.Equal(t, types.StatusConnected, sess.Status)
	require.NoError(t, m.Heartbeat("alice"))
	m.Join("bob")

	roster := m.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, types.ParticipantID("alice"), roster[0].Participant)

	m.Leave("alice")
	roster = m.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, types.ParticipantID("bob"), roster[0].Participant)
}

func TestSweepTimesOutSilentSessions(t *testing.T) {
	m, clock := newTestManager()
	m.Join("alice")
	m.Join("bob")

	clock.Advance(6 * time.Second)
	require.NoError(t, m.Heartbeat("bob"))
	m.Sweep()

	alice, _ := m.Session("alice")
	bob, _ := m.Session("bob")
	assert.Equal(t, types.StatusReconnecting, alice.Status)
	assert.Equal(t, types.StatusConnected, bob.Status)
	assert.Len(t, m.Roster(), 2, "reconnecting sessions stay in the roster")

	clock.Advance(15 * time.Second)
	m.Sweep()
	alice, _ = m.Session("alice")
	assert.Equal(t, types.StatusDisconnected, alice.Status)
	assert.Len(t, m.Roster(), 1)

	require.NoError(t, m.Heartbeat("alice"))
	alice, _ = m.Session("alice")
	assert.Equal(t, types.StatusConnected, alice.Status, "a late heartbeat reconnects")
}

func TestRejoinRestoresClock(t *testing.T) {
	m, _ := newTestManager()
	m.Join("alice")
	require.NoError(t, m.ObserveClock("alice", types.VectorClock{"alice": 3, "bob": 1}))
	m.Leave("alice")

	sess := m.Join("alice")
	assert.Equal(t, types.VectorClock{"alice": 3, "bob": 1}, sess.Clock)
}

func TestObserveClockFlagsRegression(t *testing.T) {
	m, _ := newTestManager()
	m.Join("alice")
	require.NoError(t, m.ObserveClock("alice", types.VectorClock{"alice": 3, "bob": 2}))

	err := m.ObserveClock("alice", types.VectorClock{"alice": 4, "bob": 1})
	assert.ErrorIs(t, err, ErrClockRegression)

	sess, _ := m.Session("alice")
	assert.True(t, sess.Flagged)
	assert.Equal(t, types.VectorClock{"alice": 3, "bob": 2}, sess.Clock, "regressed stamp is not recorded")
}

func TestObserveClockTracksUnjoinedParticipants(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.ObserveClock("carol", types.VectorClock{"carol": 1}))

	assert.Empty(t, m.Roster())
	sess := m.Join("carol")
	assert.Equal(t, types.VectorClock{"carol": 1}, sess.Clock)
}

func TestUpdateCursor(t *testing.T) {
	m, _ := newTestManager()
	assert.ErrorIs(t, m.UpdateCursor("alice", &types.Cursor{X: 1}), ErrUnknownParticipant)

	m.Join("alice")
	require.NoError(t, m.UpdateCursor("alice", &types.Cursor{X: 4, Y: 2}))
	sess, _ := m.Session("alice")
	require.NotNil(t, sess.Cursor)
	assert.Equal(t, types.Cursor{X: 4, Y: 2}, *sess.Cursor)

	m.Leave("alice")
	sess, _ = m.Session("alice")
	assert.Nil(t, sess.Cursor)
}

func TestObserveStreamsChangesUntilCancelled(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	updates := m.Observe(ctx)

	m.Join("alice")
	m.Leave("alice")

	first := <-updates
	second := <-updates
	assert.Equal(t, types.StatusConnected, first.Status)
	assert.Equal(t, types.StatusDisconnected, second.Status)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestStartClosesObserversOnShutdown(t *testing.T) {
	m, _ := newTestManager()
	updates := m.Observe(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, ok := <-updates
	assert.False(t, ok)
	_, ok = <-m.Observe(context.Background())
	assert.False(t, ok, "observers after stop are closed immediately")
}
